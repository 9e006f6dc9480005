// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package expr implements the path accessor and the small condition
// language used by observers, flow deciders, prompt segments and handover
// rules. It replaces the source runtime's dynamic evaluation with a
// purpose-built parser: profiles cannot inject code, only expressions over
// context paths.
package expr

import (
	"reflect"
	"strconv"
	"strings"
)

// Resolver resolves a dotted path to a value. Implementations decide what
// the path roots mean (the run context supplies the V-Model prefixes).
type Resolver interface {
	Resolve(path string) (any, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(path string) (any, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(path string) (any, bool) { return f(path) }

// Walk resolves a dotted path against an arbitrary root value. Supported
// syntax: dot segments, numeric list indices (including negative), and
// `[n]` suffixes. Map keys that themselves contain dots are matched
// greedily: the longest joined prefix wins.
func Walk(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	segments := splitPath(path)
	return walkSegments(root, segments)
}

// splitPath turns "a.b[2].c" into ["a", "b", "2", "c"].
func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(seg, '[')
			if open < 0 {
				break
			}
			closing := strings.IndexByte(seg, ']')
			if closing < open {
				break
			}
			if open > 0 {
				segments = append(segments, seg[:open])
			}
			segments = append(segments, seg[open+1:closing])
			seg = seg[closing+1:]
		}
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func walkSegments(node any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return node, true
	}
	node = deref(node)

	switch v := node.(type) {
	case map[string]any:
		// Greedy: a key containing dots shadows nested lookups.
		for take := len(segments); take >= 1; take-- {
			key := strings.Join(segments[:take], ".")
			if child, ok := v[key]; ok {
				if out, ok := walkSegments(child, segments[take:]); ok {
					return out, true
				}
			}
		}
		return nil, false
	case []any:
		idx, ok := sliceIndex(segments[0], len(v))
		if !ok {
			return nil, false
		}
		return walkSegments(v[idx], segments[1:])
	}

	rv := reflect.ValueOf(node)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		idx, ok := sliceIndex(segments[0], rv.Len())
		if !ok {
			return nil, false
		}
		return walkSegments(rv.Index(idx).Interface(), segments[1:])
	case reflect.Map:
		key := reflect.ValueOf(segments[0])
		if !key.Type().AssignableTo(rv.Type().Key()) {
			return nil, false
		}
		child := rv.MapIndex(key)
		if !child.IsValid() {
			return nil, false
		}
		return walkSegments(child.Interface(), segments[1:])
	case reflect.Struct:
		child, ok := structField(rv, segments[0])
		if !ok {
			return nil, false
		}
		return walkSegments(child, segments[1:])
	}
	return nil, false
}

// structField matches a struct field by json tag first, then by exact or
// case-insensitive field name.
func structField(rv reflect.Value, name string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag != "" {
			tagName := strings.Split(tag, ",")[0]
			if tagName == name {
				return rv.Field(i).Interface(), true
			}
		}
	}
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Name == name || strings.EqualFold(field.Name, name) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

func sliceIndex(segment string, length int) (int, bool) {
	idx, err := strconv.Atoi(segment)
	if err != nil {
		return 0, false
	}
	if idx < 0 {
		idx += length
	}
	if idx < 0 || idx >= length {
		return 0, false
	}
	return idx, true
}

func deref(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}
