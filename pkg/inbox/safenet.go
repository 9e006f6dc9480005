// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package inbox

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/atelier/pkg/types"
)

// Safenet advisories. Prefix checks keep the pass idempotent.
const (
	proximityAdvisory = "[System note: this message arrived while tool calls were still pending and was moved after their results.]"
	demotionAdvisory  = "[System note: this tool response did not match any pending tool call and was demoted.]"
)

// noResponseError is the synthesized body for a missing tool response.
func noResponseError(toolCallID, toolName string) string {
	return fmt.Sprintf(`{"error":"no_response_from_tool","tool_call_id":%q,"tool_name":%q}`, toolCallID, toolName)
}

// EnforceToolCallSafenet rewrites a message sequence so that every
// assistant tool call is immediately followed by exactly its responses:
// interlopers move after the responses (proximity), missing responses are
// synthesized and unexpected ones demoted (symmetry). The pass never fails
// and applying it twice yields the same sequence.
func EnforceToolCallSafenet(messages []types.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	i := 0
	for i < len(messages) {
		msg := messages[i]

		if msg.Role == types.RoleTool {
			// Orphan tool response with no owning assistant message.
			out = append(out, demote(msg))
			i++
			continue
		}
		if msg.Role != types.RoleAssistant || len(msg.ToolCalls) == 0 {
			out = append(out, msg)
			i++
			continue
		}

		out = append(out, msg)
		expected := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			expected[tc.ID] = true
		}

		var responses, displaced []types.Message
		j := i + 1
		for j < len(messages) {
			next := messages[j]
			if next.Role == types.RoleAssistant {
				break
			}
			if next.Role == types.RoleTool {
				if expected[next.ToolCallID] {
					delete(expected, next.ToolCallID)
					responses = append(responses, next)
				} else {
					displaced = append(displaced, demote(next))
				}
			} else {
				if len(expected) > 0 {
					next.Content = prefixOnce(next.Content, proximityAdvisory)
				}
				displaced = append(displaced, next)
			}
			j++
		}

		// Synthesize responses for calls nothing answered, in call order.
		for _, tc := range msg.ToolCalls {
			if !expected[tc.ID] {
				continue
			}
			responses = append(responses, types.Message{
				Role:       types.RoleTool,
				Content:    noResponseError(tc.ID, tc.Name),
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}

		out = append(out, responses...)
		out = append(out, displaced...)
		i = j
	}
	return out
}

func demote(msg types.Message) types.Message {
	return types.Message{
		Role:      types.RoleAssistant,
		Content:   prefixOnce(msg.Content, demotionAdvisory),
		Timestamp: msg.Timestamp,
	}
}

func prefixOnce(content, advisory string) string {
	if strings.HasPrefix(content, advisory) {
		return content
	}
	return advisory + "\n" + content
}
