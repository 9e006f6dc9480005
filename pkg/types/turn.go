// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "time"

// TurnType classifies an activity on the causal DAG.
type TurnType string

const (
	TurnTypeAgent            TurnType = "agent_turn"
	TurnTypeUser             TurnType = "user_turn"
	TurnTypeAggregation      TurnType = "aggregation_turn"
	TurnTypeRestartDelimiter TurnType = "restart_delimiter_turn"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnStatusRunning     TurnStatus = "running"
	TurnStatusCompleted   TurnStatus = "completed"
	TurnStatusError       TurnStatus = "error"
	TurnStatusCancelled   TurnStatus = "cancelled"
	TurnStatusInterrupted TurnStatus = "interrupted"
)

// InteractionStatus is the lifecycle state of a tool interaction or an LLM
// stream attempt nested inside a turn.
type InteractionStatus string

const (
	InteractionRunning     InteractionStatus = "running"
	InteractionCompleted   InteractionStatus = "completed"
	InteractionError       InteractionStatus = "error"
	InteractionCancelled   InteractionStatus = "cancelled"
	InteractionInterrupted InteractionStatus = "interrupted"
)

// AgentInfo identifies the agent that produced a turn.
type AgentInfo struct {
	AgentID         string `json:"agent_id"`
	AgentType       string `json:"agent_type,omitempty"`
	ProfileName     string `json:"profile_name,omitempty"`
	ProfileInstance string `json:"profile_instance_id,omitempty"`
}

// ProcessedItemLog records how one inbox item was rendered during prep.
type ProcessedItemLog struct {
	ItemID          string `json:"item_id"`
	Source          string `json:"source"`
	IngestorID      string `json:"ingestor_id"`
	InjectionMode   string `json:"injection_mode"`
	Role            string `json:"role"`
	RenderedText    string `json:"rendered_text"`
	PredictedTokens int    `json:"predicted_tokens,omitempty"`
	ToolCallID      string `json:"tool_call_id,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`
	Dropped         bool   `json:"dropped,omitempty"`
	DropReason      string `json:"drop_reason,omitempty"`
}

// PromptSegmentLog records the system-prompt construction decision for one
// profile-declared segment.
type PromptSegmentLog struct {
	SegmentID       string `json:"segment_id"`
	Type            string `json:"type"`
	Condition       string `json:"condition,omitempty"`
	ConditionResult bool   `json:"condition_result"`
	Included        bool   `json:"included"`
	Error           string `json:"error,omitempty"`
	Chars           int    `json:"chars,omitempty"`
}

// TurnInputs is the audit record of everything that fed a turn's prompt.
type TurnInputs struct {
	ProcessedItems  []ProcessedItemLog `json:"processed_items,omitempty"`
	SystemPromptLog []PromptSegmentLog `json:"system_prompt_log,omitempty"`
	PredictedUsage  *Usage             `json:"predicted_usage,omitempty"`
}

// LLMAttempt records the outcome of one stream attempt within a turn.
type LLMAttempt struct {
	StreamID string            `json:"stream_id"`
	Status   InteractionStatus `json:"status"`
	Error    string            `json:"error,omitempty"`
}

// LLMInteraction aggregates the LLM activity of a turn across attempts.
type LLMInteraction struct {
	Status         InteractionStatus `json:"status"`
	Attempts       []LLMAttempt      `json:"attempts,omitempty"`
	FinalRequest   any               `json:"final_request,omitempty"`
	FinalResponse  *LLMResponse      `json:"final_response,omitempty"`
	PredictedUsage *Usage            `json:"predicted_usage,omitempty"`
	ActualUsage    *Usage            `json:"actual_usage,omitempty"`
}

// ToolInteraction is the per-tool-call record nested in a turn.
type ToolInteraction struct {
	ToolCallID    string            `json:"tool_call_id"`
	ToolName      string            `json:"tool_name"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Status        InteractionStatus `json:"status"`
	InputParams   map[string]any    `json:"input_params,omitempty"`
	ResultPayload any               `json:"result_payload,omitempty"`
	ErrorDetails  string            `json:"error_details,omitempty"`
}

// TurnOutputs records the loop's decision for the next step.
type TurnOutputs struct {
	NextAction   string `json:"next_action,omitempty"`
	DeciderRule  string `json:"decider_rule,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Turn is one activity on the append-only causal DAG. Normal turns have a
// single parent; aggregation turns fan in from every dispatched sub-flow.
type Turn struct {
	TurnID           string            `json:"turn_id"`
	RunID            string            `json:"run_id"`
	FlowID           string            `json:"flow_id"`
	AgentInfo        AgentInfo         `json:"agent_info"`
	TurnType         TurnType          `json:"turn_type"`
	Status           TurnStatus        `json:"status"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	SourceTurnIDs    []string          `json:"source_turn_ids,omitempty"`
	SourceToolCallID string            `json:"source_tool_call_id,omitempty"`
	Inputs           TurnInputs        `json:"inputs,omitempty"`
	LLMInteraction   *LLMInteraction   `json:"llm_interaction,omitempty"`
	ToolInteractions []ToolInteraction `json:"tool_interactions,omitempty"`
	Outputs          TurnOutputs       `json:"outputs,omitempty"`
}

// RunningToolInteraction returns the index of the running interaction with
// the given tool_call_id, or -1.
func (t *Turn) RunningToolInteraction(toolCallID string) int {
	for i := range t.ToolInteractions {
		ti := &t.ToolInteractions[i]
		if ti.ToolCallID == toolCallID && ti.Status == InteractionRunning {
			return i
		}
	}
	return -1
}
