// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/handover"
	"github.com/atelier-ai/atelier/pkg/inbox"
	"github.com/atelier-ai/atelier/pkg/llm"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedProvider always returns the same response or error. Safe for the
// concurrent calls a dispatch fans out.
type fixedProvider struct {
	mu    sync.Mutex
	resp  *types.LLMResponse
	err   error
	calls int
}

func (p *fixedProvider) Name() string { return "fixed" }

func (p *fixedProvider) Stream(context.Context, *llm.Request, llm.ChunkHandler) (*types.LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	resp := *p.resp
	return &resp, nil
}

// routedLLM maps llm config names to adapters.
type routedLLM struct{ adapters map[string]*llm.Adapter }

func (s *routedLLM) Adapter(cfg *profile.LLMConfig) (*llm.Adapter, error) {
	return s.adapters[cfg.Name], nil
}
func (s *routedLLM) Estimator(*profile.LLMConfig) *llm.Estimator { return llm.NewEstimator("") }

func associateProfile(name, llmRef string) *profile.AgentProfile {
	return &profile.AgentProfile{
		Name:         name,
		Type:         profile.TypeAssociate,
		LLMConfigRef: llmRef,
		IsActive:     true,
		FlowDecider: []profile.DeciderRule{
			{
				ID:        "end-immediately",
				Condition: "state.iteration_count >= 1",
				Action:    profile.DeciderAction{Type: profile.DecideEndAgentTurn, Outcome: "done"},
			},
		},
	}
}

type fixture struct {
	registry  *tools.Registry
	principal *run.SubContext
	inv       *tools.Invocation
}

// newDispatchFixture wires a run with two associate profiles: assoc-ok ends
// cleanly, assoc-fail hits a transport error on its first call.
func newDispatchFixture(t *testing.T) *fixture {
	t.Helper()

	snap := &profile.Snapshot{
		Profiles: map[string]*profile.AgentProfile{
			"assoc-ok":   associateProfile("assoc-ok", "ok-llm"),
			"assoc-fail": associateProfile("assoc-fail", "fail-llm"),
			"not-associate": {
				Name: "not-associate", Type: profile.TypePrincipal,
				LLMConfigRef: "ok-llm", IsActive: true,
			},
		},
		LLMs: map[string]*profile.LLMConfig{
			"ok-llm":   {Name: "ok-llm", Model: "m"},
			"fail-llm": {Name: "fail-llm", Model: "m"},
		},
		Protocols: map[string]*profile.HandoverProtocol{
			profile.ProtocolPrincipalToAssociate: {
				Name: profile.ProtocolPrincipalToAssociate,
				ContextParameters: map[string]any{
					"properties": map[string]any{
						"module_id":    map[string]any{"type": "string"},
						"instructions": map[string]any{"type": "string"},
					},
					"required": []any{"module_id"},
				},
				TargetInboxItem: profile.TargetInboxItem{Source: types.SourceAgentStartupBriefing},
			},
		},
	}

	okAdapter := llm.NewAdapter(llm.AdapterConfig{
		Provider: &fixedProvider{resp: &types.LLMResponse{
			Content: "finished the module",
			Usage:   &types.Usage{TotalTokens: 10},
		}},
	})
	failAdapter := llm.NewAdapter(llm.AdapterConfig{
		Provider: &fixedProvider{err: &llm.TransportError{
			Kind: llm.ErrKindAuth, StatusCode: 401, Message: "credentials rejected",
		}},
	})

	registry := tools.NewRegistry(snap.Protocol, nil)
	require.NoError(t, tools.RegisterBuiltins(registry))

	services := &agent.Services{
		Tools:     registry,
		Processor: inbox.NewProcessor(inbox.NewRegistry(), nil),
		Ingestors: inbox.NewRegistry(),
		Handover:  handover.NewService(snap.Protocol, nil),
		LLM: &routedLLM{adapters: map[string]*llm.Adapter{
			"ok-llm":   okAdapter,
			"fail-llm": failAdapter,
		}},
	}
	require.NoError(t, New(services, nil).Register(registry))

	rc := run.New(run.Options{Question: "dispatch fixture", Catalog: snap})
	principal := run.NewSubContext(rc, &profile.AgentProfile{
		Name: "principal", Type: profile.TypePrincipal, IsActive: true,
	}, run.SubMeta{})
	rc.SetPrincipal(principal)

	// A finalized dispatch turn to hang associates and the aggregation off.
	turn := rc.Runtime.Ledger.StartNewTurn(principal.AgentInfo(), "", "s1")
	rc.Runtime.Ledger.FinalizeCurrentTurn(turn.TurnID, "continue_with_tool", "r1", false)
	principal.State.LastTurnID = turn.TurnID

	return &fixture{
		registry:  registry,
		principal: principal,
		inv:       &tools.Invocation{Sub: principal, ToolCallID: "dispatch-call-1"},
	}
}

func (f *fixture) addModule(id string) {
	f.principal.Run.Team.WorkModules[id] = &types.WorkModule{
		ID:          id,
		Name:        "module " + id,
		Description: "d",
		Status:      types.ModulePending,
	}
}

func (f *fixture) dispatch(t *testing.T, assignments []any) *types.ToolResultEnvelope {
	t.Helper()
	return f.registry.Execute(context.Background(), ToolName,
		map[string]any{"assignments": assignments}, f.inv)
}

func resultByModule(t *testing.T, env *types.ToolResultEnvelope, moduleID string) assignmentResult {
	t.Helper()
	results, ok := env.Payload["results"].([]assignmentResult)
	require.True(t, ok)
	for _, r := range results {
		if r.ModuleID == moduleID {
			return r
		}
	}
	t.Fatalf("no result for module %s", moduleID)
	return assignmentResult{}
}

func TestDispatchMixedResults(t *testing.T) {
	f := newDispatchFixture(t)
	f.addModule("WM_1")
	f.addModule("WM_2")
	dispatchTurnID := f.principal.State.LastTurnID

	env := f.dispatch(t, []any{
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_1", "instructions": "go"},
		map[string]any{"agent_profile_logical_name": "assoc-fail", "module_id": "WM_2", "instructions": "go"},
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_404", "instructions": "go"},
	})
	require.False(t, env.IsError())
	assert.Equal(t, types.DispatchOverallPartial, env.Payload["overall_status"])

	ok := resultByModule(t, env, "WM_1")
	assert.Equal(t, StatusSuccess, ok.ExecutionStatus)
	assert.Equal(t, "done", ok.Deliverables["outcome"])
	assert.NotEmpty(t, ok.LastTurnID)

	failed := resultByModule(t, env, "WM_2")
	assert.Equal(t, StatusError, failed.ExecutionStatus)
	assert.Contains(t, failed.ErrorDetails, "credentials rejected")

	failures := env.Payload["failed_preparation_details"].([]prepFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "WM_404", failures[0].ModuleID)
	assert.Contains(t, failures[0].Reason, "does not exist")

	// Both launched modules ended in pending_review with a review record.
	team := f.principal.Run.Team
	m1 := team.WorkModules["WM_1"]
	assert.Equal(t, types.ModulePendingReview, m1.Status)
	assert.Equal(t, "associate_completed", m1.ReviewInfo.Trigger)
	assert.Equal(t, types.OutcomeSuccess, m1.AssigneeHistory[0].Outcome)
	require.Len(t, m1.ContextArchive, 1)

	m2 := team.WorkModules["WM_2"]
	assert.Equal(t, types.ModulePendingReview, m2.Status)
	assert.Equal(t, "associate_failed", m2.ReviewInfo.Trigger)
	assert.Equal(t, types.OutcomeError, m2.AssigneeHistory[0].Outcome)

	// The aggregation turn fans in from the associates' last turns and
	// becomes the Principal's new baton.
	aggID := env.Payload["aggregation_turn_id"].(string)
	assert.Equal(t, aggID, f.principal.State.LastTurnID)
	agg := team.FindTurn(aggID)
	require.NotNil(t, agg)
	assert.Equal(t, types.TurnTypeAggregation, agg.TurnType)
	assert.Equal(t, "dispatch-call-1", agg.SourceToolCallID)
	assert.Len(t, agg.SourceTurnIDs, 2)
	dispatchTurn := team.FindTurn(dispatchTurnID)
	assert.Equal(t, dispatchTurn.FlowID, agg.FlowID)

	// Dispatch history carries one record per launch.
	require.Len(t, team.DispatchHistory, 2)
	statuses := map[string]string{}
	for _, rec := range team.DispatchHistory {
		statuses[rec.ModuleID] = rec.Status
	}
	assert.Equal(t, types.DispatchCompleted, statuses["WM_1"])
	assert.Equal(t, types.DispatchFailed, statuses["WM_2"])
}

func TestDispatchNoAssignments(t *testing.T) {
	f := newDispatchFixture(t)
	turnsBefore := len(f.principal.Run.Team.Turns)

	env := f.dispatch(t, []any{})
	require.False(t, env.IsError())
	assert.Equal(t, types.DispatchOverallNoAssignments, env.Payload["overall_status"])
	assert.NotContains(t, env.Payload, "aggregation_turn_id")
	assert.Len(t, f.principal.Run.Team.Turns, turnsBefore, "no aggregation turn without launches")
}

func TestDispatchTotalPreparationFailure(t *testing.T) {
	f := newDispatchFixture(t)

	env := f.dispatch(t, []any{
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_404"},
	})
	require.False(t, env.IsError())
	assert.Equal(t, types.DispatchOverallTotalFailure, env.Payload["overall_status"])
	failures := env.Payload["failed_preparation_details"].([]prepFailure)
	require.Len(t, failures, 1)
}

func TestDispatchAllLaunchedFailed(t *testing.T) {
	f := newDispatchFixture(t)
	f.addModule("WM_1")

	env := f.dispatch(t, []any{
		map[string]any{"agent_profile_logical_name": "assoc-fail", "module_id": "WM_1"},
	})
	require.True(t, env.IsError(), "total execution failure is an error envelope")
	assert.Equal(t, types.DispatchOverallTotalFailure, env.Payload["overall_status"])
}

func TestDispatchHandoverFailureStillFansIn(t *testing.T) {
	f := newDispatchFixture(t)
	f.addModule("WM_1")
	dispatchTurnID := f.principal.State.LastTurnID

	// Break the handover protocol so the assignee fails before taking a
	// single turn.
	delete(f.principal.Run.Config.Protocols, profile.ProtocolPrincipalToAssociate)

	env := f.dispatch(t, []any{
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_1", "instructions": "go"},
	})
	require.True(t, env.IsError())

	failed := resultByModule(t, env, "WM_1")
	assert.Equal(t, StatusError, failed.ExecutionStatus)
	assert.Contains(t, failed.ErrorDetails, "handover failed")
	assert.Empty(t, failed.LastTurnID)

	// The aggregation turn still covers the launched assignment: with no
	// assignee turn to chain to, the dispatch turn stands in.
	aggID := env.Payload["aggregation_turn_id"].(string)
	agg := f.principal.Run.Team.FindTurn(aggID)
	require.NotNil(t, agg)
	assert.Equal(t, []string{dispatchTurnID}, agg.SourceTurnIDs)
}

func TestDispatchPrepareRejections(t *testing.T) {
	f := newDispatchFixture(t)
	f.addModule("WM_1")
	f.addModule("WM_2")
	f.addModule("WM_3")
	f.addModule("WM_4")

	// WM_2 already has a running assignee.
	m2 := f.principal.Run.Team.WorkModules["WM_2"]
	m2.Status = types.ModuleOngoing
	m2.AssigneeHistory = append(m2.AssigneeHistory, types.AssigneeRecord{
		DispatchID: "d0", AgentID: "someone", Outcome: types.OutcomeRunning,
	})

	env := f.dispatch(t, []any{
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_1"},
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_1"},
		map[string]any{"agent_profile_logical_name": "assoc-ok", "module_id": "WM_2"},
		map[string]any{"agent_profile_logical_name": "not-associate", "module_id": "WM_3"},
		map[string]any{"agent_profile_logical_name": "ghost", "module_id": "WM_4"},
	})
	require.False(t, env.IsError())

	failures := env.Payload["failed_preparation_details"].([]prepFailure)
	require.Len(t, failures, 4)
	assert.Contains(t, failures[0].Reason, "more than once")
	assert.Contains(t, failures[1].Reason, "running assignee")
	assert.Contains(t, failures[2].Reason, "not an associate")
	assert.Contains(t, failures[3].Reason, "not available")

	// WM_1's first assignment still ran.
	ok := resultByModule(t, env, "WM_1")
	assert.Equal(t, StatusSuccess, ok.ExecutionStatus)
}

func TestDispatchValidatesSchema(t *testing.T) {
	f := newDispatchFixture(t)

	// module_id comes from the merged handover protocol and is required.
	env := f.registry.Execute(context.Background(), ToolName, map[string]any{
		"assignments": []any{
			map[string]any{"agent_profile_logical_name": "assoc-ok"},
		},
	}, f.inv)
	require.True(t, env.IsError())
	assert.Contains(t, env.Payload["error_message"], "invalid parameters")
}
