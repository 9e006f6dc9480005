// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/expr"
	"github.com/atelier-ai/atelier/pkg/inbox"
	"github.com/atelier-ai/atelier/pkg/kb"
	"github.com/atelier-ai/atelier/pkg/llm"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/atelier-ai/atelier/pkg/views"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxIterations bounds a single agent flow.
const DefaultMaxIterations = 100

// Flow termination kinds.
const (
	TerminationCompleted = "completed"
	TerminationError     = "error"
	TerminationCancelled = "cancelled"
)

// Outcome summarizes how a flow ended.
type Outcome struct {
	Termination string
	Reason      string
	FinalAction string
}

// Loop drives one agent through prepare / invoke / post-process iterations
// until a terminal action. A Loop instance is bound to one SubContext per
// Run call and is sequential by design.
type Loop struct {
	services      *Services
	maxIterations int
	logger        *zap.Logger
}

// NewLoop creates an agent loop runner.
func NewLoop(services *Services, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	logger := services.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{services: services, maxIterations: maxIterations, logger: logger}
}

// Run executes the flow to termination.
func (l *Loop) Run(ctx context.Context, sub *run.SubContext) (*Outcome, error) {
	rt := sub.Run.Runtime
	prof := sub.Profile
	if prof == nil {
		return nil, fmt.Errorf("agent %s has no profile", sub.Meta.AgentID)
	}
	cfg, ok := sub.Run.Config.LLMConfig(prof.LLMConfigRef)
	if !ok {
		return nil, fmt.Errorf("profile %s references unknown llm config %q", prof.Name, prof.LLMConfigRef)
	}
	adapter, err := l.services.LLM.Adapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build llm transport: %w", err)
	}
	estimator := l.services.LLM.Estimator(cfg)
	logger := l.logger.With(
		zap.String("run_id", sub.Meta.RunID),
		zap.String("agent_id", sub.Meta.AgentID),
		zap.String("profile", prof.Name))

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if ctx.Err() != nil {
			return l.cancelled(sub), nil
		}
		sub.State.IterationCount++

		// ---- prep ----
		runObservers(sub, PhasePreTurn, logger)
		resolveDanglingToolCalls(sub)

		procResult := l.services.Processor.Process(&inbox.Context{Sub: sub, Env: sub.Env()}, rt.Ledger)

		streamID := uuid.NewString()
		turn := rt.Ledger.StartNewTurn(sub.AgentInfo(), sub.State.LastTurnID, streamID)
		sub.State.CurrentTurnID = turn.TurnID

		effective := l.services.Tools.Effective(prof.ToolAccessPolicy, toolsetOverride(sub))
		systemPrompt, promptLog := buildSystemPrompt(sub, effective)

		callMessages := rt.KB.HydrateMessages(procResult.Messages)
		systemPrompt = rt.KB.HydrateString(systemPrompt)
		callMessages = inbox.EnforceToolCallSafenet(callMessages)

		req := &llm.Request{
			Model:    cfg.Model,
			System:   systemPrompt,
			Messages: callMessages,
			Tools:    toolSpecs(effective),
		}
		predicted := estimator.EstimateRequest(req)
		rt.Ledger.EnrichTurnInputs(turn.TurnID, procResult.Logs, promptLog, predicted)

		// ---- invoke ----
		resp, attempts := adapter.Call(ctx, req, llm.CallInfo{
			RunID:    sub.Meta.RunID,
			AgentID:  sub.Meta.AgentID,
			StreamID: streamID,
			Usage:    rt.Tokens,
		})
		rt.Ledger.UpdateLLMInteractionEnd(turn.TurnID, resp, attempts)

		// ---- post ----
		if ctx.Err() != nil {
			rt.Ledger.CancelCurrentTurn(turn.TurnID)
			return l.cancelled(sub), nil
		}
		if resp.IsError() {
			rt.Ledger.FailCurrentTurn(turn.TurnID, resp.Err.Message)
			l.passBaton(sub, turn.TurnID)
			rt.Emitter.EmitType(events.TypeError, sub.Meta.RunID, sub.Meta.AgentID, map[string]any{
				"kind":    resp.Err.Kind,
				"message": resp.Err.Message,
				"turn_id": turn.TurnID,
			})
			l.emitTurnCompleted(sub, turn.TurnID)
			return &Outcome{Termination: TerminationError, Reason: resp.Err.Message}, nil
		}

		assistant := types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			Reasoning: resp.Reasoning,
			Timestamp: time.Now().UTC(),
		}
		var action *types.ToolCall
		if len(resp.ToolCalls) > 0 {
			// One tool per turn: keep the first call, log the rest as dropped.
			first := resp.ToolCalls[0]
			for _, dropped := range resp.ToolCalls[1:] {
				logger.Warn("dropping extra tool call",
					zap.String("tool", dropped.Name),
					zap.String("tool_call_id", dropped.ID))
			}
			assistant.ToolCalls = []types.ToolCall{first}
			action = &first
		}
		sub.State.Messages = append(sub.State.Messages, assistant)

		if action != nil {
			if reason := l.validateAction(action); reason != "" {
				sub.PushInbox(toolResultItem(action, true, map[string]any{"error_message": reason}))
				action = nil
			}
		}
		if action != nil {
			rt.Ledger.AddToolInteraction(turn.TurnID, *action)
		}
		sub.State.CurrentAction = action

		runObservers(sub, PhasePostTurn, logger)

		decision, ruleID := decide(sub)
		switch decision.Type {
		case profile.DecideEndAgentTurn:
			sub.State.Deliverables["outcome"] = decision.Outcome
			termination := TerminationCompleted
			if decision.ErrorMessage != "" {
				sub.State.Deliverables["error_message"] = decision.ErrorMessage
				termination = TerminationError
			}
			l.finish(sub, turn.TurnID, "end", ruleID, true)
			return &Outcome{Termination: termination, Reason: decision.ErrorMessage, FinalAction: decision.Outcome}, nil

		case profile.DecideAwaitUserInput:
			l.finish(sub, turn.TurnID, "await_user_input", ruleID, false)
			select {
			case <-ctx.Done():
				return l.cancelled(sub), nil
			case <-sub.UserInput:
			}

		case profile.DecideLoopWithInboxItem:
			if decision.InboxItem != nil {
				sub.PushInbox(types.InboxItem{
					Source:  types.SourceSelfReflectionPrompt,
					Payload: expr.InterpolateValue(decision.InboxItem.Payload, sub.Env()),
				})
			}
			l.finish(sub, turn.TurnID, "loop_with_inbox_item", ruleID, false)

		case profile.DecideContinueWithTool:
			if action == nil {
				l.finish(sub, turn.TurnID, "loop", ruleID, false)
				continue
			}
			l.finish(sub, turn.TurnID, "continue_with_tool", ruleID, false)
			envelope := l.services.Tools.Execute(ctx, action.Name, action.Input, &tools.Invocation{
				Sub:        sub,
				ToolCallID: action.ID,
			})
			l.commitKnowledgeItems(sub, action, envelope)
			sub.PushInbox(toolResultItem(action, envelope.IsError(), envelope.Payload))

			if def, ok := l.services.Tools.Get(action.Name); ok && def.EndsFlow && !envelope.IsError() {
				rt.Ledger.UpdateToolInteractionResult(action.ID, envelope.Payload, false)
				rt.Ledger.FinalizeCurrentTurn(turn.TurnID, "end", ruleID, true)
				l.emitTurnCompleted(sub, turn.TurnID)
				return &Outcome{Termination: TerminationCompleted, FinalAction: action.Name}, nil
			}
			if ctx.Err() != nil {
				return l.cancelled(sub), nil
			}

		default:
			l.finish(sub, turn.TurnID, "loop", ruleID, false)
		}
	}

	return &Outcome{
		Termination: TerminationError,
		Reason:      fmt.Sprintf("iteration budget of %d exhausted", l.maxIterations),
	}, nil
}

// decide consults the profile's flow decider: first matching rule wins.
// Without a match the flow loops, even when a tool call is pending; the
// unanswered call surfaces as a dangling-call error on the next pass.
func decide(sub *run.SubContext) (profile.DeciderAction, string) {
	env := sub.Env()
	for _, rule := range sub.Profile.FlowDecider {
		matched, err := expr.EvalBool(rule.Condition, env)
		if err != nil || !matched {
			continue
		}
		return rule.Action, rule.ID
	}
	return profile.DeciderAction{Type: ""}, "default"
}

// validateAction checks a tool call's parsed arguments against the schema.
// Returns a non-empty reason when the call must be rejected.
func (l *Loop) validateAction(action *types.ToolCall) string {
	if action.Input == nil {
		return fmt.Sprintf("arguments for tool %s are not valid JSON: %s", action.Name, action.Arguments)
	}
	if err := l.services.Tools.Validate(action.Name, action.Input); err != nil {
		return err.Error()
	}
	return ""
}

// commitKnowledgeItems stores the envelope's knowledge items on the run KB.
func (l *Loop) commitKnowledgeItems(sub *run.SubContext, action *types.ToolCall, envelope *types.ToolResultEnvelope) {
	for _, spec := range envelope.KnowledgeItems {
		_, err := sub.Run.Runtime.KB.Add(kb.AddRequest{
			ItemType:   spec.ItemType,
			Content:    spec.Content,
			SourceURI:  spec.SourceURI,
			Metadata:   spec.Metadata,
			ToolCallID: action.ID,
		})
		if err != nil {
			l.logger.Warn("failed to commit knowledge item",
				zap.String("tool", action.Name),
				zap.Error(err))
		}
	}
}

// finish finalizes the turn, passes the baton and emits lifecycle events.
func (l *Loop) finish(sub *run.SubContext, turnID, nextAction, ruleID string, flowEnding bool) {
	sub.Run.Runtime.Ledger.FinalizeCurrentTurn(turnID, nextAction, ruleID, flowEnding)
	l.passBaton(sub, turnID)
	l.emitTurnCompleted(sub, turnID)
}

func (l *Loop) passBaton(sub *run.SubContext, turnID string) {
	sub.State.LastTurnID = turnID
	sub.State.CurrentTurnID = ""
}

func (l *Loop) emitTurnCompleted(sub *run.SubContext, turnID string) {
	rt := sub.Run.Runtime
	rt.Emitter.EmitType(events.TypeTurnCompleted, sub.Meta.RunID, sub.Meta.AgentID, map[string]any{
		"turn_id": turnID,
	})
	views.Publish(rt.Emitter, sub.Meta.RunID, sub.Run.Team, &sub.Run.Lock)
}

// cancelled closes out the current turn after a cancel signal.
func (l *Loop) cancelled(sub *run.SubContext) *Outcome {
	rt := sub.Run.Runtime
	if sub.State.CurrentTurnID != "" {
		rt.Ledger.CancelCurrentTurn(sub.State.CurrentTurnID)
		l.passBaton(sub, sub.State.CurrentTurnID)
	}
	rt.Emitter.EmitType(events.TypeTurnsSync, sub.Meta.RunID, sub.Meta.AgentID, nil)
	return &Outcome{Termination: TerminationCancelled}
}

// resolveDanglingToolCalls synthesizes error results for tool calls the
// last assistant message issued that nothing ever answered.
func resolveDanglingToolCalls(sub *run.SubContext) {
	messages := sub.State.Messages
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant && len(messages[i].ToolCalls) > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	queued := sub.InboxItems()
	for _, tc := range messages[idx].ToolCalls {
		if hasToolResponse(messages[idx+1:], tc.ID) || inboxHasToolResult(queued, tc.ID) {
			continue
		}
		sub.PushInbox(toolResultItem(&tc, true, map[string]any{
			"error_message": "tool did not respond or was interrupted",
		}))
	}
}

func hasToolResponse(messages []types.Message, toolCallID string) bool {
	for _, msg := range messages {
		if msg.Role == types.RoleTool && msg.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

func inboxHasToolResult(items []types.InboxItem, toolCallID string) bool {
	for _, item := range items {
		if item.Source != types.SourceToolResult {
			continue
		}
		if tr, ok := item.Payload.(types.ToolResultPayload); ok && tr.ToolCallID == toolCallID {
			return true
		}
		if m, ok := item.Payload.(map[string]any); ok {
			if id, _ := m["tool_call_id"].(string); id == toolCallID {
				return true
			}
		}
	}
	return false
}

// toolResultItem builds the standard TOOL_RESULT inbox payload.
func toolResultItem(action *types.ToolCall, isError bool, result any) types.InboxItem {
	return types.InboxItem{
		Source: types.SourceToolResult,
		Payload: types.ToolResultPayload{
			ToolCallID: action.ID,
			ToolName:   action.Name,
			IsError:    isError,
			Result:     result,
		},
	}
}

// toolsetOverride reads the staffing override from agent state.
func toolsetOverride(sub *run.SubContext) []string {
	raw, ok := sub.State.Flags["allowed_toolsets"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toolSpecs(effective []*tools.Definition) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(effective))
	for _, def := range effective {
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.PublishedSchema(),
		})
	}
	return specs
}
