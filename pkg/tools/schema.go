// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import "strings"

// mergeContextParameters folds a handover protocol's context_parameters
// fragment into a tool schema. For array-typed parameters with a single
// object items schema, the fragment merges into the items schema so fan-out
// tools inherit per-element parameters.
func mergeContextParameters(schema map[string]any, fragment map[string]any) {
	if len(fragment) == 0 {
		return
	}
	target := schema
	if props, ok := schema["properties"].(map[string]any); ok && len(props) == 1 {
		for _, prop := range props {
			pm, ok := prop.(map[string]any)
			if !ok || pm["type"] != "array" {
				continue
			}
			if items, ok := pm["items"].(map[string]any); ok && items["type"] == "object" {
				target = items
			}
		}
	}
	mergeSchemaInto(target, fragment)
}

func mergeSchemaInto(target, fragment map[string]any) {
	fragProps, _ := fragment["properties"].(map[string]any)
	if len(fragProps) > 0 {
		props, ok := target["properties"].(map[string]any)
		if !ok {
			props = make(map[string]any)
			target["properties"] = props
		}
		for name, prop := range fragProps {
			props[name] = prop
		}
	}
	if fragReq := stringSlice(fragment["required"]); len(fragReq) > 0 {
		existing := stringSlice(target["required"])
		seen := make(map[string]bool, len(existing))
		for _, r := range existing {
			seen[r] = true
		}
		for _, r := range fragReq {
			if !seen[r] {
				existing = append(existing, r)
			}
		}
		target["required"] = existing
	}
}

// sanitizeSchema strips x-* annotations from every level of a schema copy.
// The annotations stay on the registry entry for internal consumers.
func sanitizeSchema(schema map[string]any) map[string]any {
	for key, value := range schema {
		if strings.HasPrefix(key, "x-") {
			delete(schema, key)
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			schema[key] = sanitizeSchema(v)
		case []any:
			for i, elem := range v {
				if em, ok := elem.(map[string]any); ok {
					v[i] = sanitizeSchema(em)
				}
			}
		}
	}
	return schema
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
