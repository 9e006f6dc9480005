// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package ledger implements the turn manager: the single owner of all turn
// mutations on a run's TeamState. Agent code never appends to the turns
// slice directly; every write goes through a Manager method under the run
// lock. A missing turn is logged and skipped, never fatal.
package ledger

import (
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns turn mutations for one run.
type Manager struct {
	mu     *sync.Mutex
	team   *types.TeamState
	runID  string
	logger *zap.Logger
}

// NewManager creates a turn manager sharing the run's team-state lock.
func NewManager(runID string, team *types.TeamState, runLock *sync.Mutex, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{mu: runLock, team: team, runID: runID, logger: logger}
}

// AddTurn appends a prepared turn to the ledger.
func (m *Manager) AddTurn(turn *types.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.team.Turns = append(m.team.Turns, turn)
}

// StartNewTurn allocates a new running agent turn parented on the baton.
// The flow id is inherited from the parent turn when one exists, otherwise
// a fresh flow is minted. A restart delimiter parent closes the old flow,
// so the first turn after it starts a new one. The initial stream attempt
// is recorded.
func (m *Manager) StartNewTurn(agent types.AgentInfo, lastTurnID, streamID string) *types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := &types.Turn{
		TurnID:    uuid.NewString(),
		RunID:     m.runID,
		AgentInfo: agent,
		TurnType:  types.TurnTypeAgent,
		Status:    types.TurnStatusRunning,
		StartTime: time.Now().UTC(),
		LLMInteraction: &types.LLMInteraction{
			Status:   types.InteractionRunning,
			Attempts: []types.LLMAttempt{{StreamID: streamID, Status: types.InteractionRunning}},
		},
	}
	if lastTurnID != "" {
		turn.SourceTurnIDs = []string{lastTurnID}
		if parent := m.team.FindTurn(lastTurnID); parent != nil && parent.TurnType != types.TurnTypeRestartDelimiter {
			turn.FlowID = parent.FlowID
		}
	}
	if turn.FlowID == "" {
		turn.FlowID = uuid.NewString()
	}
	m.team.Turns = append(m.team.Turns, turn)
	return turn
}

// CreateUserTurn records a user activity linked to the baton and returns
// the new turn, already completed. It becomes the baton so the following
// agent turn chains to it.
func (m *Manager) CreateUserTurn(agent types.AgentInfo, lastTurnID string, content any) *types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	turn := &types.Turn{
		TurnID:    uuid.NewString(),
		RunID:     m.runID,
		AgentInfo: agent,
		TurnType:  types.TurnTypeUser,
		Status:    types.TurnStatusCompleted,
		StartTime: now,
		EndTime:   &now,
		Outputs:   types.TurnOutputs{NextAction: "ingested"},
	}
	if lastTurnID != "" {
		turn.SourceTurnIDs = []string{lastTurnID}
		if parent := m.team.FindTurn(lastTurnID); parent != nil && parent.TurnType != types.TurnTypeRestartDelimiter {
			turn.FlowID = parent.FlowID
		}
	}
	if turn.FlowID == "" {
		turn.FlowID = uuid.NewString()
	}
	if content != nil {
		turn.Inputs.ProcessedItems = []types.ProcessedItemLog{{
			Source:       types.SourceUserPrompt,
			RenderedText: asString(content),
		}}
	}
	m.team.Turns = append(m.team.Turns, turn)
	return turn
}

// EnrichTurnInputs fills the inputs section after inbox processing and
// system prompt construction. The source_tool_call_id is derived from the
// first TOOL_RESULT in the processing log.
func (m *Manager) EnrichTurnInputs(turnID string, processed []types.ProcessedItemLog, promptLog []types.PromptSegmentLog, predicted *types.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := m.team.FindTurn(turnID)
	if turn == nil {
		m.logger.Warn("enrich on unknown turn", zap.String("turn_id", turnID))
		return
	}
	turn.Inputs.ProcessedItems = processed
	turn.Inputs.SystemPromptLog = promptLog
	turn.Inputs.PredictedUsage = predicted
	if turn.LLMInteraction != nil {
		turn.LLMInteraction.PredictedUsage = predicted
	}
	for _, item := range processed {
		if item.Source == types.SourceToolResult && item.ToolCallID != "" {
			turn.SourceToolCallID = item.ToolCallID
			break
		}
	}
}

// AddToolInteraction opens a running tool interaction on the turn.
func (m *Manager) AddToolInteraction(turnID string, call types.ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := m.team.FindTurn(turnID)
	if turn == nil {
		m.logger.Warn("tool interaction on unknown turn", zap.String("turn_id", turnID))
		return
	}
	turn.ToolInteractions = append(turn.ToolInteractions, types.ToolInteraction{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		StartTime:   time.Now().UTC(),
		Status:      types.InteractionRunning,
		InputParams: call.Input,
	})
}

// UpdateToolInteractionResult closes the matching running interaction.
// Recent turns are searched backward so late results land on the turn that
// issued the call.
func (m *Manager) UpdateToolInteractionResult(toolCallID string, payload any, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.team.Turns) - 1; i >= 0; i-- {
		turn := m.team.Turns[i]
		idx := turn.RunningToolInteraction(toolCallID)
		if idx < 0 {
			continue
		}
		ti := &turn.ToolInteractions[idx]
		now := time.Now().UTC()
		ti.EndTime = &now
		ti.ResultPayload = payload
		if isError {
			ti.Status = types.InteractionError
			ti.ErrorDetails = asString(payload)
		} else {
			ti.Status = types.InteractionCompleted
		}
		return
	}
	m.logger.Warn("tool result for unknown interaction", zap.String("tool_call_id", toolCallID))
}

// UpdateLLMInteractionEnd records the final response and replaces the
// attempt log with the adapter's per-stream records. Without an attempt
// list, the placeholder attempt opened by StartNewTurn is closed with the
// interaction's final status so no attempt is ever left running.
func (m *Manager) UpdateLLMInteractionEnd(turnID string, resp *types.LLMResponse, attempts []types.LLMAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := m.team.FindTurn(turnID)
	if turn == nil || turn.LLMInteraction == nil {
		m.logger.Warn("llm end on unknown turn", zap.String("turn_id", turnID))
		return
	}
	li := turn.LLMInteraction
	li.FinalResponse = resp
	status := types.InteractionCompleted
	if resp.IsError() {
		status = types.InteractionError
	}
	if len(attempts) > 0 {
		li.Attempts = attempts
	} else {
		for i := range li.Attempts {
			if li.Attempts[i].Status == types.InteractionRunning {
				li.Attempts[i].Status = status
				if resp.IsError() {
					li.Attempts[i].Error = resp.Err.Message
				}
			}
		}
	}
	li.Status = status
	if resp.Usage != nil {
		li.ActualUsage = resp.Usage
	}
}

// FailCurrentTurn transitions a running turn to error and cascades to the
// running LLM attempt.
func (m *Manager) FailCurrentTurn(turnID, errorMessage string) {
	m.closeTurn(turnID, types.TurnStatusError, types.InteractionError, errorMessage)
}

// CancelCurrentTurn transitions a running turn and its LLM attempt to
// cancelled.
func (m *Manager) CancelCurrentTurn(turnID string) {
	m.closeTurn(turnID, types.TurnStatusCancelled, types.InteractionCancelled, "")
}

func (m *Manager) closeTurn(turnID string, status types.TurnStatus, interaction types.InteractionStatus, errorMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := m.team.FindTurn(turnID)
	if turn == nil {
		m.logger.Warn("close on unknown turn", zap.String("turn_id", turnID))
		return
	}
	if turn.Status == types.TurnStatusRunning {
		turn.Status = status
		now := time.Now().UTC()
		turn.EndTime = &now
	}
	if errorMessage != "" {
		turn.Outputs.ErrorMessage = errorMessage
	}
	if li := turn.LLMInteraction; li != nil && li.Status == types.InteractionRunning {
		li.Status = interaction
		for i := range li.Attempts {
			if li.Attempts[i].Status == types.InteractionRunning {
				li.Attempts[i].Status = interaction
				li.Attempts[i].Error = errorMessage
			}
		}
	}
	closeRunningInteractions(turn, interaction)
}

// FinalizeCurrentTurn completes a still-running turn and records the next
// action with the decider rule that chose it. When the flow is ending, any
// running tool interactions are force-closed so completed turns never carry
// running children.
func (m *Manager) FinalizeCurrentTurn(turnID, nextAction, deciderRule string, flowEnding bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := m.team.FindTurn(turnID)
	if turn == nil {
		m.logger.Warn("finalize on unknown turn", zap.String("turn_id", turnID))
		return
	}
	turn.Outputs.NextAction = nextAction
	turn.Outputs.DeciderRule = deciderRule
	if turn.Status == types.TurnStatusRunning {
		turn.Status = types.TurnStatusCompleted
		now := time.Now().UTC()
		turn.EndTime = &now
	}
	if flowEnding {
		closeRunningInteractions(turn, types.InteractionCancelled)
	}
}

// CreateRestartDelimiterTurn injects a system restart marker inheriting the
// old flow id. Its id becomes the relaunched flow's baton.
func (m *Manager) CreateRestartDelimiterTurn(oldFlowID, sourceTurnID string) *types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	turn := &types.Turn{
		TurnID:    uuid.NewString(),
		RunID:     m.runID,
		FlowID:    oldFlowID,
		AgentInfo: types.AgentInfo{AgentID: "system", AgentType: "system"},
		TurnType:  types.TurnTypeRestartDelimiter,
		Status:    types.TurnStatusCompleted,
		StartTime: now,
		EndTime:   &now,
	}
	if sourceTurnID != "" {
		turn.SourceTurnIDs = []string{sourceTurnID}
	}
	m.team.Turns = append(m.team.Turns, turn)
	return turn
}

// CreateAggregationTurn appends the fan-in turn for a dispatch: its parents
// are the last turns of every sub-flow and its source tool call is the
// dispatch call. It becomes the Principal's baton for the continuation.
func (m *Manager) CreateAggregationTurn(agent types.AgentInfo, dispatchTurnID string, sourceTurnIDs []string, dispatchToolCallID string, summary string) *types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	flowID := ""
	if dispatchTurn := m.team.FindTurn(dispatchTurnID); dispatchTurn != nil {
		flowID = dispatchTurn.FlowID
	}
	if flowID == "" {
		flowID = uuid.NewString()
	}
	turn := &types.Turn{
		TurnID:           uuid.NewString(),
		RunID:            m.runID,
		FlowID:           flowID,
		AgentInfo:        agent,
		TurnType:         types.TurnTypeAggregation,
		Status:           types.TurnStatusCompleted,
		StartTime:        now,
		EndTime:          &now,
		SourceTurnIDs:    sourceTurnIDs,
		SourceToolCallID: dispatchToolCallID,
		Outputs:          types.TurnOutputs{NextAction: "aggregated", Outcome: summary},
	}
	m.team.Turns = append(m.team.Turns, turn)
	return turn
}

// InterruptRunning finalizes every running turn matching the filter,
// marking it interrupted. Used by forced restarts and post-restore cleanup.
func (m *Manager) InterruptRunning(match func(*types.Turn) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, turn := range m.team.Turns {
		if turn.Status != types.TurnStatusRunning {
			continue
		}
		if match != nil && !match(turn) {
			continue
		}
		turn.Status = types.TurnStatusInterrupted
		now := time.Now().UTC()
		turn.EndTime = &now
		if li := turn.LLMInteraction; li != nil && li.Status == types.InteractionRunning {
			li.Status = types.InteractionError
			for i := range li.Attempts {
				if li.Attempts[i].Status == types.InteractionRunning {
					li.Attempts[i].Status = types.InteractionInterrupted
				}
			}
		}
		closeRunningInteractions(turn, types.InteractionInterrupted)
		count++
	}
	return count
}

// Turn returns a snapshot pointer to a turn by id.
func (m *Manager) Turn(turnID string) *types.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.team.FindTurn(turnID)
}

func closeRunningInteractions(turn *types.Turn, status types.InteractionStatus) {
	for i := range turn.ToolInteractions {
		if turn.ToolInteractions[i].Status == types.InteractionRunning {
			turn.ToolInteractions[i].Status = status
			now := time.Now().UTC()
			turn.ToolInteractions[i].EndTime = &now
		}
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return types.CompactJSON(v)
}
