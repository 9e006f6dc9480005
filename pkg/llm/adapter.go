// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
)

// EnvMaxForcedRetries overrides the empty-response retry budget.
const EnvMaxForcedRetries = "ATELIER_LLM_MAX_FORCED_RETRIES"

// DefaultMaxForcedRetries is the default empty-response retry budget.
const DefaultMaxForcedRetries = 3

// Literals that trigger the injection guard: tool calls must travel on the
// native channel, never as text.
var injectionMarkers = []string{"<tool_call>", "<tool_code>"}

// correctivePrompts escalate across forced retries.
var correctivePrompts = []string{
	"Your previous reply was empty. Respond with either text content or a tool call.",
	"You must produce a response. Call one of the provided tools through the native tool-call channel, or answer in text. An empty message is not acceptable.",
	"Final attempt: produce a substantive response now. Either call exactly one tool or write a text answer.",
}

const injectionCorrective = "Tool calls written as text inside the message body are ignored. " +
	"Use the native tool-call channel to invoke tools, or answer in plain text."

// UsageRecorder receives per-call usage accounting.
type UsageRecorder interface {
	Record(usage *types.Usage, failed bool)
}

// CallInfo tags one adapter call for events and accounting.
type CallInfo struct {
	RunID    string
	AgentID  string
	StreamID string
	Usage    UsageRecorder
}

// Adapter wraps a provider with retries, empty-response recovery, the
// injection guard, chunk events and usage accounting. Transport failures
// come back as data in the response, never as a Go error: at agent scope a
// failed call is a turn outcome, not a crash.
type Adapter struct {
	provider         Provider
	retry            RetryConfig
	emitter          *events.Emitter
	logger           *zap.Logger
	maxForcedRetries int
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	Provider         Provider
	Retry            RetryConfig
	Emitter          *events.Emitter
	Logger           *zap.Logger
	MaxForcedRetries int
}

// NewAdapter creates an adapter around a provider.
func NewAdapter(config AdapterConfig) *Adapter {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Retry == (RetryConfig{}) {
		config.Retry = DefaultRetryConfig()
	}
	if config.MaxForcedRetries == 0 {
		config.MaxForcedRetries = DefaultMaxForcedRetries
		if env := os.Getenv(EnvMaxForcedRetries); env != "" {
			if n, err := strconv.Atoi(env); err == nil && n >= 0 {
				config.MaxForcedRetries = n
			}
		}
	}
	return &Adapter{
		provider:         config.Provider,
		retry:            config.Retry,
		emitter:          config.Emitter,
		logger:           config.Logger,
		maxForcedRetries: config.MaxForcedRetries,
	}
}

// attemptLog accumulates one record per provider stream try within a call,
// across both transport retries and forced retries.
type attemptLog struct {
	streamID string
	attempts []types.LLMAttempt
}

func (l *attemptLog) record(status types.InteractionStatus, errMsg string) {
	l.attempts = append(l.attempts, types.LLMAttempt{
		StreamID: l.streamID,
		Status:   status,
		Error:    errMsg,
	})
}

// Call runs one streaming LLM call to completion. The returned attempt log
// has one entry per stream try so the turn ledger can audit every failure
// that preceded the final response.
func (a *Adapter) Call(ctx context.Context, req *Request, info CallInfo) (*types.LLMResponse, []types.LLMAttempt) {
	a.emit(events.TypeLLMStreamStarted, info, nil)

	baseMessages := req.Messages
	var corrective []types.Message
	log := &attemptLog{streamID: info.StreamID}

	for attempt := 0; ; attempt++ {
		attemptReq := *req
		attemptReq.Messages = append(append([]types.Message{}, baseMessages...), corrective...)

		injected := false
		onChunk := func(chunk Chunk) {
			if chunk.Type == events.ChunkContent {
				for _, marker := range injectionMarkers {
					if strings.Contains(chunk.Text, marker) {
						injected = true
					}
				}
			}
			a.emit(events.TypeLLMChunk, info, map[string]any{
				"chunk_type": chunk.Type,
				"text":       chunk.Text,
				"index":      chunk.Index,
			})
		}

		resp, err := streamWithRetry(ctx, a.provider, a.retry, a.logger, &attemptReq, onChunk, log)
		if err != nil {
			failure := &types.LLMResponse{Err: classifyError(err)}
			a.recordUsage(info, nil, true)
			a.emit(events.TypeLLMStreamFailed, info, map[string]any{
				"kind":  failure.Err.Kind,
				"error": failure.Err.Message,
			})
			return failure, log.attempts
		}

		RepairToolCalls(resp)

		if injected || resp.Empty() {
			reason := "model produced an empty response"
			if injected {
				reason = "tool call written as message text"
			}
			log.record(types.InteractionError, reason)
			a.recordUsage(info, resp.Usage, true)
			if attempt >= a.maxForcedRetries {
				failure := &types.LLMResponse{Err: &types.LLMError{
					Kind:    ErrKindEmptyResponse,
					Message: "model produced no usable output after forced retries",
				}}
				a.emit(events.TypeLLMStreamFailed, info, map[string]any{
					"kind":     ErrKindEmptyResponse,
					"attempts": attempt + 1,
				})
				return failure, log.attempts
			}
			prompt := correctivePrompts[min(attempt, len(correctivePrompts)-1)]
			if injected {
				prompt = injectionCorrective
			}
			a.logger.Warn("forcing llm retry",
				zap.Bool("injection", injected),
				zap.Int("attempt", attempt+1),
				zap.String("stream_id", info.StreamID))
			corrective = append(corrective,
				types.Message{Role: types.RoleAssistant, Content: "[no usable output]"},
				types.Message{Role: types.RoleUser, Content: prompt},
			)
			continue
		}

		log.record(types.InteractionCompleted, "")
		a.recordUsage(info, resp.Usage, false)
		a.emit(events.TypeLLMStreamEnded, info, map[string]any{
			"content_len": len(resp.Content),
			"tool_calls":  len(resp.ToolCalls),
		})
		return resp, log.attempts
	}
}

// RepairToolCalls parses every tool call's raw arguments, applying
// json repair when strict parsing fails. Calls that stay unparseable keep
// a nil Input; the agent loop surfaces them as validation errors.
func RepairToolCalls(resp *types.LLMResponse) {
	for i := range resp.ToolCalls {
		tc := &resp.ToolCalls[i]
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		}
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Arguments), &input); err == nil {
			tc.Input = input
			continue
		}
		repaired, err := jsonrepair.JSONRepair(tc.Arguments)
		if err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(repaired), &input); err == nil {
			tc.Arguments = repaired
			tc.Input = input
		}
	}
}

func (a *Adapter) recordUsage(info CallInfo, usage *types.Usage, failed bool) {
	if info.Usage != nil {
		info.Usage.Record(usage, failed)
	}
	if usage != nil {
		a.emit(events.TypeTokenUsageUpdate, info, map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		})
	}
}

func (a *Adapter) emit(eventType string, info CallInfo, payload map[string]any) {
	if a.emitter == nil {
		return
	}
	a.emitter.Emit(events.Event{
		Type:     eventType,
		RunID:    info.RunID,
		AgentID:  info.AgentID,
		StreamID: info.StreamID,
		Payload:  payload,
	})
}

// classifyError converts a transport error into the standardized envelope.
func classifyError(err error) *types.LLMError {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return &types.LLMError{Kind: transportErr.Kind, Message: transportErr.Message}
	}
	if errors.Is(err, context.Canceled) {
		return &types.LLMError{Kind: "cancelled", Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.LLMError{Kind: ErrKindTimeout, Message: err.Error()}
	}
	return &types.LLMError{Kind: ErrKindConnection, Message: err.Error()}
}
