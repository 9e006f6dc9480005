// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package profile

import (
	"encoding/json"
	"fmt"
	"os"
)

// LLMConfig is a self-describing transport configuration. Option values may
// carry `_type: from_env` or `_type: json_from_file` indirections which are
// resolved at call time, never at load time, so rotated credentials are
// picked up without a restart.
type LLMConfig struct {
	Name              string         `yaml:"name" json:"name"`
	Provider          string         `yaml:"provider" json:"provider"` // openai_compatible | anthropic
	Model             string         `yaml:"model" json:"model"`
	TokenCounterModel string         `yaml:"token_counter_model,omitempty" json:"token_counter_model,omitempty"`
	Options           map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// ResolveOptions returns a copy of Options with every indirection expanded.
func (c *LLMConfig) ResolveOptions() (map[string]any, error) {
	out := make(map[string]any, len(c.Options))
	for key, value := range c.Options {
		resolved, err := resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("llm config %q option %q: %w", c.Name, key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

// StringOption resolves one option and coerces it to a string.
func (c *LLMConfig) StringOption(key string) (string, error) {
	value, ok := c.Options[key]
	if !ok {
		return "", nil
	}
	resolved, err := resolveValue(value)
	if err != nil {
		return "", fmt.Errorf("llm config %q option %q: %w", c.Name, key, err)
	}
	if resolved == nil {
		return "", nil
	}
	s, ok := resolved.(string)
	if !ok {
		return fmt.Sprintf("%v", resolved), nil
	}
	return s, nil
}

// resolveValue expands one possibly-indirect option value.
func resolveValue(value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	typ, _ := m["_type"].(string)
	switch typ {
	case "":
		// Plain nested map: resolve members recursively.
		out := make(map[string]any, len(m))
		for k, v := range m {
			resolved, err := resolveValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case "from_env":
		name, _ := m["var"].(string)
		if name == "" {
			return nil, fmt.Errorf("from_env indirection missing 'var'")
		}
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
		if def, ok := m["default"]; ok {
			return def, nil
		}
		if required, _ := m["required"].(bool); required {
			return nil, fmt.Errorf("required environment variable %s is not set", name)
		}
		return nil, nil
	case "json_from_file":
		path, _ := m["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("json_from_file indirection missing 'path'")
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown indirection type %q", typ)
	}
}
