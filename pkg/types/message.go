// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains the shared data model used across the atelier
// runtime. It breaks import cycles by providing the common types that the
// agent loop, inbox pipeline, ledger, dispatcher and transport all depend on.
package types

import "time"

// Message roles as they appear on the LLM wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall represents a single tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the provider-assigned tool call identifier.
	ID string `json:"id"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument string as emitted by the model.
	// It is kept verbatim so malformed payloads can be repaired or surfaced.
	Arguments string `json:"arguments"`

	// Input is the parsed argument object. Nil until arguments have been
	// validated (and repaired if necessary).
	Input map[string]any `json:"input,omitempty"`
}

// Message is a single entry in an agent's private LLM message history.
type Message struct {
	// Role is one of system, user, assistant or tool.
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Reasoning holds model reasoning content on assistant messages, for
	// models that emit a separate reasoning channel.
	Reasoning string `json:"reasoning,omitempty"`

	// ToolCalls contains tool invocations when Role is assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message back to the assistant tool call
	// it responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool-role messages.
	Name string `json:"name,omitempty"`

	// Timestamp when the message was appended to the history.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Usage tracks token consumption for one LLM interaction.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the aggregated result of one streamed LLM call.
type LLMResponse struct {
	// Content is the accumulated text response.
	Content string `json:"content"`

	// Reasoning is the accumulated reasoning-channel content, if any.
	Reasoning string `json:"reasoning,omitempty"`

	// ToolCalls contains the tool invocations requested by the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ModelID identifies the model that produced the response.
	ModelID string `json:"model_id,omitempty"`

	// Usage is the provider-reported token usage, when available.
	Usage *Usage `json:"usage,omitempty"`

	// Err carries the standardized error when the call failed
	// unrecoverably. A response with Err set has no usable content.
	Err *LLMError `json:"error,omitempty"`
}

// LLMError is the standardized error envelope returned by the transport
// when all retries are exhausted. It is a value, not a Go error: at agent
// scope transport failures are data fed back into the turn record.
type LLMError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// IsError reports whether the response carries an unrecoverable error.
func (r *LLMResponse) IsError() bool {
	return r != nil && r.Err != nil
}

// Empty reports whether the response has neither content nor tool calls.
func (r *LLMResponse) Empty() bool {
	return r == nil || (r.Content == "" && len(r.ToolCalls) == 0)
}
