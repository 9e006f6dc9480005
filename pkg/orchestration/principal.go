// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/atelier-ai/atelier/pkg/views"
	"go.uber.org/zap"
)

// StartPrincipalDirect kicks off a principal_direct run: the question goes
// straight onto the Principal's inbox as a user prompt and the flow runs
// to termination.
func (o *Orchestrator) StartPrincipalDirect(runID string) (<-chan struct{}, error) {
	mr, ok := o.managed(runID)
	if !ok {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	principal := mr.rc.Principal()
	if principal == nil {
		return nil, fmt.Errorf("run %s has no principal agent", runID)
	}
	mr.rc.Lock.Lock()
	principal.PushInbox(types.InboxItem{
		Source:  types.SourceUserPrompt,
		Payload: map[string]any{"content": mr.rc.Team.Question},
	})
	mr.rc.Lock.Unlock()
	mr.rc.SetStatus(run.RunStatusRunning)
	return o.startPrincipal(mr, principal)
}

// startPrincipal records a new execution session and runs the Principal
// flow on its own goroutine. The flow outlives the launching tool call, so
// its context derives from the supervisor, not the caller. The returned
// channel closes when the flow finishes.
func (o *Orchestrator) startPrincipal(mr *managedRun, principal *run.SubContext) (<-chan struct{}, error) {
	rc := mr.rc
	sessionID := newSessionID()

	rc.Lock.Lock()
	if rc.Team.IsPrincipalFlowRunning {
		rc.Lock.Unlock()
		return nil, fmt.Errorf("run %s already has a running principal flow", rc.Meta.RunID)
	}
	rc.Team.IsPrincipalFlowRunning = true
	rc.Team.PrincipalExecutionSessions = append(rc.Team.PrincipalExecutionSessions, &types.PrincipalSession{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	})
	rc.Lock.Unlock()

	flowCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	mr.mu.Lock()
	mr.cancelPrincipal = cancel
	mr.principalDone = done
	mr.mu.Unlock()

	go o.principalFlow(flowCtx, mr, principal, sessionID, done)
	return done, nil
}

func (o *Orchestrator) principalFlow(ctx context.Context, mr *managedRun, principal *run.SubContext, sessionID string, done chan struct{}) {
	defer close(done)
	logger := o.logger.With(
		zap.String("run_id", mr.rc.Meta.RunID),
		zap.String("agent_id", principal.Meta.AgentID),
		zap.String("session_id", sessionID))

	outcome, err := agent.NewLoop(o.services, 0).Run(ctx, principal)
	reason := "completed"
	switch {
	case err != nil:
		reason = "error: " + err.Error()
		logger.Error("principal flow failed", zap.Error(err))
	case outcome.Termination == agent.TerminationCancelled:
		reason = "cancelled"
	case outcome.Termination == agent.TerminationError:
		reason = "error: " + outcome.Reason
	}
	logger.Info("principal flow finished", zap.String("reason", reason))

	o.principalPostTask(mr, principal, sessionID, reason)
}

// principalPostTask is the Principal completion callback: it notifies the
// Partner, closes the session record, clears the running flag and refreshes
// the views.
func (o *Orchestrator) principalPostTask(mr *managedRun, principal *run.SubContext, sessionID, reason string) {
	rc := mr.rc
	status, summary, deliverables := principalSummary(principal)
	now := time.Now().UTC()

	rc.Lock.Lock()
	for _, session := range rc.Team.PrincipalExecutionSessions {
		if session.SessionID == sessionID {
			session.EndedAt = &now
			session.TerminationReason = reason
		}
	}
	rc.Team.IsPrincipalFlowRunning = false
	partner := rc.Partner()
	if partner != nil {
		partner.PushInbox(types.InboxItem{
			Source: types.SourcePrincipalCompleted,
			Payload: map[string]any{
				"status":       status,
				"summary":      summary,
				"deliverables": deliverables,
				"reason":       reason,
			},
		})
	}
	rc.Lock.Unlock()

	if partner != nil {
		partner.SignalUserInput()
	}
	select {
	case mr.principalCompleted <- struct{}{}:
	default:
	}
	if rc.Meta.RunType == run.RunTypePrincipalDirect {
		if reason == "completed" {
			rc.SetStatus(run.RunStatusCompleted)
		} else {
			rc.SetStatus(run.RunStatusError)
		}
	}
	views.Publish(rc.Runtime.Emitter, rc.Meta.RunID, rc.Team, &rc.Lock)

	mr.mu.Lock()
	mr.cancelPrincipal = nil
	mr.principalDone = nil
	mr.mu.Unlock()
}

// forceTerminatePrincipal cancels a running Principal flow, marks its
// running turns interrupted and injects a restart delimiter inheriting the
// old flow id. Returns the delimiter turn id, the new baton.
func (o *Orchestrator) forceTerminatePrincipal(mr *managedRun, principal *run.SubContext) string {
	rc := mr.rc

	mr.mu.Lock()
	cancel := mr.cancelPrincipal
	done := mr.principalDone
	mr.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	interrupted := rc.Runtime.Ledger.InterruptRunning(func(t *types.Turn) bool {
		return t.AgentInfo.AgentID == principal.Meta.AgentID
	})
	if interrupted > 0 {
		o.logger.Info("interrupted running principal turns",
			zap.String("run_id", rc.Meta.RunID),
			zap.Int("turns", interrupted))
	}

	oldFlowID := ""
	if last := rc.Runtime.Ledger.Turn(principal.State.LastTurnID); last != nil {
		oldFlowID = last.FlowID
	}
	delimiter := rc.Runtime.Ledger.CreateRestartDelimiterTurn(oldFlowID, principal.State.LastTurnID)
	principal.ArchiveMessages()
	return delimiter.TurnID
}
