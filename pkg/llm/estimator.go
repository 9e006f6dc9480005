// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"strings"
	"sync"
	"unicode"

	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the wire framing cost per message.
const perMessageOverhead = 4

// Estimator predicts prompt token counts before a call. It uses tiktoken
// when an encoding is available and falls back to a word-count heuristic.
type Estimator struct {
	once     sync.Once
	model    string
	encoding *tiktoken.Tiktoken
}

// NewEstimator creates an estimator for a counter model name.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

func (e *Estimator) encoder() *tiktoken.Tiktoken {
	e.once.Do(func() {
		if e.model != "" {
			if enc, err := tiktoken.EncodingForModel(e.model); err == nil {
				e.encoding = enc
				return
			}
		}
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			e.encoding = enc
		}
	})
	return e.encoding
}

// CountText estimates tokens in one string.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

// EstimateRequest predicts the prompt tokens of a full request: system
// prompt, message history and tool schemas.
func (e *Estimator) EstimateRequest(req *Request) *types.Usage {
	total := e.CountText(req.System)
	for _, msg := range req.Messages {
		total += e.CountText(msg.Content) + e.CountText(msg.Reasoning) + perMessageOverhead
		for _, tc := range msg.ToolCalls {
			total += e.CountText(tc.Name) + e.CountText(tc.Arguments)
		}
	}
	for _, tool := range req.Tools {
		total += e.CountText(tool.Name) + e.CountText(tool.Description)
		total += e.CountText(types.CompactJSON(tool.Parameters))
	}
	return &types.Usage{PromptTokens: total, TotalTokens: total}
}

// heuristicTokens approximates tokens without an encoding: CJK characters
// count one token each, other text roughly 1.3 tokens per word.
func heuristicTokens(text string) int {
	cjk := 0
	var latin strings.Builder
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
			latin.WriteByte(' ')
			continue
		}
		latin.WriteRune(r)
	}
	words := len(strings.Fields(latin.String()))
	return cjk + int(float64(words)*1.3)
}
