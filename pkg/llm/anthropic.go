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
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/types"
)

const (
	// DefaultAnthropicEndpoint is the default Anthropic Messages endpoint.
	DefaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
)

// AnthropicClient speaks the Anthropic Messages streaming protocol over raw
// HTTP SSE.
type AnthropicClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	maxTokens  int
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	Endpoint  string // Default: https://api.anthropic.com/v1/messages
	Timeout   time.Duration
	MaxTokens int
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(config AnthropicConfig) *AnthropicClient {
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultAnthropicEndpoint
		}
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &AnthropicClient{
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
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// anthropicContentBlock is one content element in a Messages API message.
type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// anthropicMessage is one Messages API history entry.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicStreamEvent mirrors the SSE event frames of the Messages API.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends the request and aggregates the SSE response, invoking
// onChunk for every delta.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request, onChunk ChunkHandler) (*types.LLMResponse, error) {
	payload := map[string]any{
		"model":    firstNonEmpty(req.Model, c.model),
		"messages": c.convertMessages(req.Messages),
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	} else {
		payload["max_tokens"] = c.maxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		payload["tools"] = tools
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
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
	usage := &types.Usage{}
	var content, reasoning strings.Builder
	toolInputBuffers := make(map[int]*strings.Builder)
	toolCallMeta := make(map[int]*toolCallBuffer)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if jsonData == "" {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			resp.ModelID = event.Message.Model
			usage.PromptTokens = event.Message.Usage.InputTokens

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolInputBuffers[event.Index] = &strings.Builder{}
				toolCallMeta[event.Index] = &toolCallBuffer{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				if onChunk != nil {
					onChunk(Chunk{Type: events.ChunkToolName, Text: event.ContentBlock.Name, Index: event.Index})
				}
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				if onChunk != nil {
					onChunk(Chunk{Type: events.ChunkContent, Text: event.Delta.Text})
				}
			case "thinking_delta":
				reasoning.WriteString(event.Delta.Thinking)
				if onChunk != nil {
					onChunk(Chunk{Type: events.ChunkReasoning, Text: event.Delta.Thinking})
				}
			case "input_json_delta":
				if buf, exists := toolInputBuffers[event.Index]; exists {
					buf.WriteString(event.Delta.PartialJSON)
					if onChunk != nil {
						onChunk(Chunk{Type: events.ChunkToolArgs, Text: event.Delta.PartialJSON, Index: event.Index})
					}
				}
			}

		case "content_block_stop":
			if meta, exists := toolCallMeta[event.Index]; exists {
				args := "{}"
				if buf, ok := toolInputBuffers[event.Index]; ok && buf.Len() > 0 {
					args = buf.String()
				}
				resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
					ID:        meta.id,
					Name:      meta.name,
					Arguments: args,
				})
				delete(toolCallMeta, event.Index)
				delete(toolInputBuffers, event.Index)
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "error":
			return nil, &TransportError{Kind: ErrKindServer, Message: event.Error.Message}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transportErrFromClient(err)
	}

	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if usage.TotalTokens > 0 {
		resp.Usage = usage
	}
	if resp.ModelID == "" {
		resp.ModelID = firstNonEmpty(req.Model, c.model)
	}
	return resp, nil
}

// convertMessages renders history in Messages API format. System messages
// are excluded here (they travel in the top-level system field); tool
// results become user-role tool_result blocks.
func (c *AnthropicClient) convertMessages(messages []types.Message) []anthropicMessage {
	var out []anthropicMessage
	for _, msg := range messages {
		switch msg.Role {
		case types.RoleUser:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
			})

		case types.RoleAssistant:
			var content []anthropicContentBlock
			if msg.Content != "" {
				content = append(content, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					// The API requires non-null input on tool_use blocks.
					input = map[string]any{}
				}
				content = append(content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(content) > 0 {
				out = append(out, anthropicMessage{Role: "assistant", Content: content})
			}

		case types.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		}
	}
	return out
}
