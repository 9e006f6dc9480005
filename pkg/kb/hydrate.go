// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kb

import (
	"encoding/json"
	"regexp"

	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// tokenPattern matches embedded dehydration tokens anywhere in a string.
var tokenPattern = regexp.MustCompile(`<#CGKB-(\d{5})>`)

// maxHydrationDepth bounds recursive expansion when hydrated content itself
// contains tokens.
const maxHydrationDepth = 5

// DefaultDehydrationThreshold is the JSON size above which payload fields
// are replaced with tokens, in bytes.
const DefaultDehydrationThreshold = 1024

// HydrateString expands every token in s. Content that is itself a string
// is spliced in verbatim; structured content is embedded as compact JSON.
func (kb *KnowledgeBase) HydrateString(s string) string {
	return kb.hydrateString(s, 0, map[string]bool{})
}

func (kb *KnowledgeBase) hydrateString(s string, depth int, seen map[string]bool) string {
	if depth >= maxHydrationDepth || !tokenPattern.MatchString(s) {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		if seen[token] {
			kb.logger.Warn("hydration cycle detected", zap.String("token", token))
			return token
		}
		item, ok := kb.GetByToken(token)
		if !ok {
			kb.logger.Warn("unknown knowledge token", zap.String("token", token))
			return token
		}
		seen[token] = true
		defer delete(seen, token)

		var expanded string
		switch content := item.Content.(type) {
		case string:
			expanded = content
		default:
			raw, err := json.Marshal(content)
			if err != nil {
				kb.logger.Error("failed to marshal knowledge content",
					zap.String("token", token), zap.Error(err))
				return token
			}
			expanded = string(raw)
		}
		return kb.hydrateString(expanded, depth+1, seen)
	})
}

// Hydrate recursively expands tokens inside strings, maps and slices.
// Content without tokens is returned unchanged.
func (kb *KnowledgeBase) Hydrate(value any) any {
	return kb.hydrate(value, 0, map[string]bool{})
}

func (kb *KnowledgeBase) hydrate(value any, depth int, seen map[string]bool) any {
	switch v := value.(type) {
	case string:
		return kb.hydrateString(v, depth, seen)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = kb.hydrate(item, depth, seen)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = kb.hydrate(item, depth, seen)
		}
		return out
	default:
		return value
	}
}

// HydrateMessages returns a deep copy of messages with every token in
// content, reasoning and tool arguments expanded.
func (kb *KnowledgeBase) HydrateMessages(messages []types.Message) []types.Message {
	out := make([]types.Message, len(messages))
	for i, msg := range messages {
		hydrated := msg
		hydrated.Content = kb.HydrateString(msg.Content)
		hydrated.Reasoning = kb.HydrateString(msg.Reasoning)
		if len(msg.ToolCalls) > 0 {
			calls := make([]types.ToolCall, len(msg.ToolCalls))
			copy(calls, msg.ToolCalls)
			for j := range calls {
				calls[j].Arguments = kb.HydrateString(calls[j].Arguments)
			}
			hydrated.ToolCalls = calls
		}
		out[i] = hydrated
	}
	return out
}

// HydrateTurnToolResults deep-copies a turn list and rehydrates every tool
// interaction's result payload.
func (kb *KnowledgeBase) HydrateTurnToolResults(turns []*types.Turn) []*types.Turn {
	out := make([]*types.Turn, len(turns))
	for i, turn := range turns {
		copied := *turn
		if len(turn.ToolInteractions) > 0 {
			interactions := make([]types.ToolInteraction, len(turn.ToolInteractions))
			copy(interactions, turn.ToolInteractions)
			for j := range interactions {
				interactions[j].ResultPayload = kb.Hydrate(interactions[j].ResultPayload)
			}
			copied.ToolInteractions = interactions
		}
		out[i] = &copied
	}
	return out
}

// Dehydrate walks a payload and replaces any field whose JSON encoding
// exceeds threshold bytes with a stored token. Strings above the threshold
// are replaced wholesale; maps and slices are recursed into item-wise.
func (kb *KnowledgeBase) Dehydrate(value any, threshold int, metadata map[string]any) (any, error) {
	if threshold <= 0 {
		threshold = DefaultDehydrationThreshold
	}
	return kb.dehydrate(value, threshold, metadata)
}

func (kb *KnowledgeBase) dehydrate(value any, threshold int, metadata map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if len(v) > threshold {
			return kb.StoreWithToken(v, metadata)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			replaced, err := kb.dehydrate(item, threshold, metadata)
			if err != nil {
				return nil, err
			}
			out[k] = replaced
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			replaced, err := kb.dehydrate(item, threshold, metadata)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return value, nil
		}
		if len(raw) > threshold {
			return kb.StoreWithToken(v, metadata)
		}
		return value, nil
	}
}
