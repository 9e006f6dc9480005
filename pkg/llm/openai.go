// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/types"
)

const (
	// DefaultOpenAIEndpoint is the default chat-completions endpoint.
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	// DefaultTimeout is the default HTTP timeout for streaming calls.
	DefaultTimeout = 300 * time.Second
	// DefaultMaxTokens is the default completion token cap.
	DefaultMaxTokens = 8192
)

// OpenAIClient speaks the OpenAI-compatible streaming chat protocol over
// raw HTTP SSE. Any endpoint implementing the protocol works.
type OpenAIClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	maxTokens  int
}

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	Endpoint  string // Default: https://api.openai.com/v1/chat/completions
	Timeout   time.Duration
	MaxTokens int
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("OPENAI_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultOpenAIEndpoint
		}
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &OpenAIClient{
		apiKey:    config.APIKey,
		model:     config.Model,
		endpoint:  config.Endpoint,
		maxTokens: config.MaxTokens,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai_compatible"
}

// chatChunk mirrors one streamed chat-completion delta frame.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// toolCallBuffer accumulates one tool call's deltas by stream index.
type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

// Stream sends the request and aggregates the SSE response, invoking
// onChunk for every delta.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request, onChunk ChunkHandler) (*types.LLMResponse, error) {
	payload := map[string]any{
		"model":          firstNonEmpty(req.Model, c.model),
		"messages":       c.convertMessages(req),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	} else {
		payload["max_tokens"] = c.maxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	for key, value := range req.Options {
		payload[key] = value
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportErrFromClient(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, classifyStatus(httpResp.StatusCode, string(raw))
	}

	resp := &types.LLMResponse{}
	var content, reasoning strings.Builder
	buffers := make(map[int]*toolCallBuffer)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if jsonData == "" || jsonData == "[DONE]" {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			resp.ModelID = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = &types.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onChunk != nil {
					onChunk(Chunk{Type: events.ChunkContent, Text: choice.Delta.Content})
				}
			}
			if choice.Delta.ReasoningContent != "" {
				reasoning.WriteString(choice.Delta.ReasoningContent)
				if onChunk != nil {
					onChunk(Chunk{Type: events.ChunkReasoning, Text: choice.Delta.ReasoningContent})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				buf, exists := buffers[tc.Index]
				if !exists {
					buf = &toolCallBuffer{}
					buffers[tc.Index] = buf
				}
				if tc.ID != "" {
					buf.id = tc.ID
				}
				if tc.Function.Name != "" {
					buf.name += tc.Function.Name
					if onChunk != nil {
						onChunk(Chunk{Type: events.ChunkToolName, Text: tc.Function.Name, Index: tc.Index})
					}
				}
				if tc.Function.Arguments != "" {
					buf.args.WriteString(tc.Function.Arguments)
					if onChunk != nil {
						onChunk(Chunk{Type: events.ChunkToolArgs, Text: tc.Function.Arguments, Index: tc.Index})
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transportErrFromClient(err)
	}

	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	resp.ToolCalls = collectToolCalls(buffers)
	if resp.ModelID == "" {
		resp.ModelID = firstNonEmpty(req.Model, c.model)
	}
	return resp, nil
}

// convertMessages renders the request history in chat-completions format.
// The system prompt leads; tool-role messages keep their call linkage.
func (c *OpenAIClient) convertMessages(req *Request) []map[string]any {
	out := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, map[string]any{"role": types.RoleSystem, "content": req.System})
	}
	for _, msg := range req.Messages {
		entry := map[string]any{"role": msg.Role, "content": msg.Content}
		switch msg.Role {
		case types.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				calls := make([]map[string]any, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					calls = append(calls, map[string]any{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]any{
							"name":      tc.Name,
							"arguments": tc.Arguments,
						},
					})
				}
				entry["tool_calls"] = calls
			}
		case types.RoleTool:
			entry["tool_call_id"] = msg.ToolCallID
			if msg.Name != "" {
				entry["name"] = msg.Name
			}
		}
		out = append(out, entry)
	}
	return out
}

// collectToolCalls drains the per-index buffers in index order.
func collectToolCalls(buffers map[int]*toolCallBuffer) []types.ToolCall {
	if len(buffers) == 0 {
		return nil
	}
	indices := make([]int, 0, len(buffers))
	for idx := range buffers {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	calls := make([]types.ToolCall, 0, len(indices))
	for _, idx := range indices {
		buf := buffers[idx]
		if buf.name == "" {
			continue
		}
		id := buf.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		calls = append(calls, types.ToolCall{
			ID:        id,
			Name:      buf.name,
			Arguments: buf.args.String(),
		})
	}
	return calls
}

// transportErrFromClient classifies a client-side HTTP error.
func transportErrFromClient(err error) *TransportError {
	kind := ErrKindConnection
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		kind = ErrKindTimeout
	}
	return &TransportError{Kind: kind, Message: err.Error()}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
