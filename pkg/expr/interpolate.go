// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Interpolate replaces every {{ path }} placeholder in template with the
// resolved value. Structured values render as compact JSON; missing paths
// render as an empty string.
func Interpolate(template string, env Resolver) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		value, ok := env.Resolve(path)
		if !ok || value == nil {
			return ""
		}
		return Stringify(value)
	})
}

// InterpolateValue resolves a payload template: a string runs through
// Interpolate; a pure "{{ path }}" reference returns the resolved value
// itself (preserving structure); other values pass through with their
// string fields interpolated recursively.
func InterpolateValue(template any, env Resolver) any {
	switch v := template.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if m := placeholderPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
			if value, ok := env.Resolve(strings.TrimSpace(m[1])); ok {
				return value
			}
			return nil
		}
		return Interpolate(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = InterpolateValue(item, env)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateValue(item, env)
		}
		return out
	default:
		return template
	}
}

// Stringify renders a resolved value for prompt text: strings verbatim,
// everything else as compact JSON with a fmt fallback.
func Stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(raw)
}
