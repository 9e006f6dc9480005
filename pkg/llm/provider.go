// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llm implements the streaming LLM transport: provider clients
// speaking raw SSE over HTTP, a retry layer for transient failures, and an
// adapter that aggregates streams, recovers from empty responses and feeds
// usage accounting.
package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/atelier-ai/atelier/pkg/types"
)

// Standardized error kinds carried in types.LLMError.
const (
	ErrKindRateLimit     = "rate_limit"
	ErrKindTimeout       = "timeout"
	ErrKindConnection    = "connection"
	ErrKindServer        = "server_error"
	ErrKindAuth          = "auth"
	ErrKindBadRequest    = "bad_request"
	ErrKindContextWindow = "context_window"
	ErrKindEmptyResponse = "empty_response"
)

// ToolSpec is one tool schema published to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a provider-independent streaming chat request.
type Request struct {
	Model       string
	System      string
	Messages    []types.Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	Options     map[string]any
}

// Chunk is one streamed delta handed to the caller as it arrives.
type Chunk struct {
	// Type is one of the events.Chunk* constants.
	Type string
	// Text is the delta payload.
	Text string
	// Index is the tool-call slot for tool_name/tool_args chunks.
	Index int
}

// ChunkHandler receives chunks on the streaming goroutine.
type ChunkHandler func(Chunk)

// Provider is a streaming chat-completion client.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request, onChunk ChunkHandler) (*types.LLMResponse, error)
}

// TransportError is a classified transport-level failure.
type TransportError struct {
	Kind       string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case ErrKindRateLimit, ErrKindTimeout, ErrKindConnection, ErrKindServer:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int, body string) *TransportError {
	kind := ErrKindServer
	switch {
	case code == http.StatusTooManyRequests:
		kind = ErrKindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = ErrKindAuth
	case code == http.StatusRequestEntityTooLarge:
		kind = ErrKindContextWindow
	case code >= 400 && code < 500:
		kind = ErrKindBadRequest
	case code == http.StatusGatewayTimeout:
		kind = ErrKindTimeout
	}
	return &TransportError{Kind: kind, StatusCode: code, Message: body}
}
