// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package run

import (
	"sync"

	"github.com/atelier-ai/atelier/pkg/types"
)

// TokenUsage accumulates LLM usage across a run.
type TokenUsage struct {
	mu               sync.Mutex
	promptTokens     int
	completionTokens int
	maxSingleCall    int
	calls            int
	failures         int
}

// Record folds one call's usage into the totals.
func (t *TokenUsage) Record(usage *types.Usage, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if failed {
		t.failures++
	}
	if usage == nil {
		return
	}
	t.promptTokens += usage.PromptTokens
	t.completionTokens += usage.CompletionTokens
	if usage.TotalTokens > t.maxSingleCall {
		t.maxSingleCall = usage.TotalTokens
	}
}

// TokenUsageSnapshot is a point-in-time copy of the counters.
type TokenUsageSnapshot struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	MaxSingleCall    int `json:"max_single_call"`
	Calls            int `json:"calls"`
	Failures         int `json:"failures"`
}

// Snapshot returns the current totals.
func (t *TokenUsage) Snapshot() TokenUsageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TokenUsageSnapshot{
		PromptTokens:     t.promptTokens,
		CompletionTokens: t.completionTokens,
		TotalTokens:      t.promptTokens + t.completionTokens,
		MaxSingleCall:    t.maxSingleCall,
		Calls:            t.calls,
		Failures:         t.failures,
	}
}
