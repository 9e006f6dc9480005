// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

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

// gateProvider blocks its first call until the context is cancelled and
// answers every later call with plain content.
type gateProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *gateProvider) Name() string { return "gate" }

func (p *gateProvider) Stream(ctx context.Context, _ *llm.Request, _ llm.ChunkHandler) (*types.LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n == 1 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &types.LLMResponse{
		Content: "principal reply",
		Usage:   &types.Usage{TotalTokens: 10},
	}, nil
}

func (p *gateProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// promptProvider always answers with content immediately.
type promptProvider struct{ gateProvider }

func (p *promptProvider) Stream(_ context.Context, req *llm.Request, _ llm.ChunkHandler) (*types.LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return &types.LLMResponse{
		Content: "principal reply",
		Usage:   &types.Usage{TotalTokens: 10},
	}, nil
}

type singleLLM struct{ adapter *llm.Adapter }

func (s *singleLLM) Adapter(*profile.LLMConfig) (*llm.Adapter, error) { return s.adapter, nil }
func (s *singleLLM) Estimator(*profile.LLMConfig) *llm.Estimator      { return llm.NewEstimator("") }

func testCatalog() *profile.Catalog {
	endRule := []profile.DeciderRule{
		{
			ID:        "end-immediately",
			Condition: "state.iteration_count >= 1",
			Action:    profile.DeciderAction{Type: profile.DecideEndAgentTurn, Outcome: "done"},
		},
	}
	c := profile.NewCatalog(nil)
	c.RegisterProfile(&profile.AgentProfile{
		Name: "partner-default", Type: profile.TypePartner,
		LLMConfigRef: "test-llm", IsActive: true,
	})
	c.RegisterProfile(&profile.AgentProfile{
		Name: "principal-default", Type: profile.TypePrincipal,
		LLMConfigRef: "test-llm", IsActive: true,
		FlowDecider: endRule,
	})
	c.RegisterProfile(&profile.AgentProfile{
		Name: "assoc-1", Type: profile.TypeAssociate,
		LLMConfigRef: "test-llm", IsActive: true, AvailableForStaffing: true,
	})
	c.RegisterLLMConfig(&profile.LLMConfig{Name: "test-llm", Model: "m"})
	c.RegisterProtocol(&profile.HandoverProtocol{
		Name: profile.ProtocolPartnerToPrincipal,
		ContextParameters: map[string]any{
			"properties": map[string]any{
				"instructions": map[string]any{"type": "string"},
			},
		},
		TargetInboxItem: profile.TargetInboxItem{Source: types.SourceAgentStartupBriefing},
	})
	return c
}

func newOrchestrator(t *testing.T, provider llm.Provider) (*Orchestrator, *tools.Registry) {
	t.Helper()
	catalog := testCatalog()
	registry := tools.NewRegistry(catalog.Protocol, nil)
	require.NoError(t, tools.RegisterBuiltins(registry))

	services := &agent.Services{
		Tools:     registry,
		Processor: inbox.NewProcessor(inbox.NewRegistry(), nil),
		Ingestors: inbox.NewRegistry(),
		Handover:  handover.NewService(catalog.Protocol, nil),
		LLM:       &singleLLM{adapter: llm.NewAdapter(llm.AdapterConfig{Provider: provider})},
	}
	orch := New(Options{Catalog: catalog, Services: services})
	require.NoError(t, orch.RegisterLaunchTool(registry))
	return orch, registry
}

func flowStopped(rc *run.RunContext) func() bool {
	return func() bool {
		rc.Lock.Lock()
		defer rc.Lock.Unlock()
		return !rc.Team.IsPrincipalFlowRunning
	}
}

func TestCreateRunValidation(t *testing.T) {
	orch, _ := newOrchestrator(t, &promptProvider{})

	rc, err := orch.CreateRun(CreateOptions{
		RunType:          run.RunTypePrincipalDirect,
		Question:         "q",
		PrincipalProfile: "principal-default",
		ProfileList:      []string{"assoc-1"},
	})
	require.NoError(t, err)
	assert.NotNil(t, rc.Principal())
	assert.Nil(t, rc.Partner())
	assert.Equal(t, []string{"assoc-1"}, rc.Team.ProfilesListInstanceIDs)

	got, ok := orch.Run(rc.Meta.RunID)
	require.True(t, ok)
	assert.Same(t, rc, got)

	_, err = orch.CreateRun(CreateOptions{
		RunType:          run.RunTypePrincipalDirect,
		PrincipalProfile: "partner-default",
	})
	assert.Error(t, err, "partner profile cannot staff a principal run")

	_, err = orch.CreateRun(CreateOptions{RunType: "weird"})
	assert.Error(t, err)
}

func TestCreateRunPartnerStaffing(t *testing.T) {
	orch, _ := newOrchestrator(t, &promptProvider{})

	rc, err := orch.CreateRun(CreateOptions{
		RunType:        run.RunTypePartnerInteraction,
		Question:       "q",
		PartnerProfile: "partner-default",
	})
	require.NoError(t, err)
	assert.NotNil(t, rc.Partner())
	assert.Equal(t, []string{"assoc-1"}, rc.Team.ProfilesListInstanceIDs,
		"partner runs staff every available_for_staffing associate")
}

func TestStartPrincipalDirect(t *testing.T) {
	provider := &promptProvider{}
	orch, _ := newOrchestrator(t, provider)

	rc, err := orch.CreateRun(CreateOptions{
		RunType:          run.RunTypePrincipalDirect,
		Question:         "summarize the report",
		PrincipalProfile: "principal-default",
	})
	require.NoError(t, err)

	done, err := orch.StartPrincipalDirect(rc.Meta.RunID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("principal flow did not finish")
	}

	assert.Equal(t, run.RunStatusCompleted, rc.Meta.Status)
	assert.False(t, rc.Team.IsPrincipalFlowRunning)
	require.Len(t, rc.Team.PrincipalExecutionSessions, 1)
	session := rc.Team.PrincipalExecutionSessions[0]
	assert.Equal(t, "completed", session.TerminationReason)
	assert.NotNil(t, session.EndedAt)

	// The question arrived as the first user message.
	principal := rc.Principal()
	require.NotEmpty(t, principal.State.Messages)
	assert.Equal(t, types.RoleUser, principal.State.Messages[0].Role)
	assert.Contains(t, principal.State.Messages[0].Content, "summarize the report")

	_, err = orch.StartPrincipalDirect("unknown")
	assert.Error(t, err)
}

func TestLaunchPrincipalLifecycle(t *testing.T) {
	provider := &gateProvider{}
	orch, registry := newOrchestrator(t, provider)

	rc, err := orch.CreateRun(CreateOptions{
		RunType:        run.RunTypePartnerInteraction,
		Question:       "q",
		PartnerProfile: "partner-default",
	})
	require.NoError(t, err)
	partner := rc.Partner()
	inv := &tools.Invocation{Sub: partner, ToolCallID: "launch-1"}

	// Fresh launch staffs the sole usable principal profile.
	env := registry.Execute(context.Background(), LaunchToolName, map[string]any{
		"mode":         ModeStartFresh,
		"instructions": "do the task",
	}, inv)
	require.False(t, env.IsError())
	assert.Equal(t, ModeStartFresh, env.Payload["mode"])
	assert.Equal(t, false, env.Payload["restarted"])
	require.NotNil(t, rc.Principal())

	// Wait until the flow is genuinely inside its first LLM call.
	require.Eventually(t, func() bool { return provider.callCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	// A second launch without force is refused.
	env = registry.Execute(context.Background(), LaunchToolName, map[string]any{
		"mode": ModeStartFresh,
	}, inv)
	require.True(t, env.IsError())
	assert.Contains(t, env.Payload["error_message"], "already running")

	// Force-relaunch continues the same principal behind a restart delimiter.
	env = registry.Execute(context.Background(), LaunchToolName, map[string]any{
		"mode":                         ModeContinueFromPrevious,
		"force_terminate_and_relaunch": true,
		"directive":                    "pick up where you left off",
	}, inv)
	require.False(t, env.IsError())
	assert.Equal(t, true, env.Payload["restarted"])

	require.Eventually(t, flowStopped(rc), 5*time.Second, 10*time.Millisecond)

	// The ledger shows the delimiter and no turn left running.
	var delimiter *types.Turn
	rc.Lock.Lock()
	for _, turn := range rc.Team.Turns {
		assert.NotEqual(t, types.TurnStatusRunning, turn.Status)
		if turn.TurnType == types.TurnTypeRestartDelimiter {
			delimiter = turn
		}
	}
	rc.Lock.Unlock()
	require.NotNil(t, delimiter)
	assert.Equal(t, "system", delimiter.AgentInfo.AgentID)

	// The relaunched flow chains to the delimiter under a fresh flow id;
	// the delimiter itself closes the interrupted flow.
	var firstAfterRestart *types.Turn
	rc.Lock.Lock()
	for _, turn := range rc.Team.Turns {
		if len(turn.SourceTurnIDs) == 1 && turn.SourceTurnIDs[0] == delimiter.TurnID {
			firstAfterRestart = turn
			break
		}
	}
	rc.Lock.Unlock()
	require.NotNil(t, firstAfterRestart)
	assert.NotEmpty(t, firstAfterRestart.FlowID)
	assert.NotEqual(t, delimiter.FlowID, firstAfterRestart.FlowID)

	// Both sessions closed: the cancelled one and the completed relaunch.
	require.Len(t, rc.Team.PrincipalExecutionSessions, 2)
	assert.Equal(t, "cancelled", rc.Team.PrincipalExecutionSessions[0].TerminationReason)
	assert.Equal(t, "completed", rc.Team.PrincipalExecutionSessions[1].TerminationReason)

	// The partner was notified after each flow ended.
	var completions []types.InboxItem
	for _, item := range partner.State.Inbox {
		if item.Source == types.SourcePrincipalCompleted {
			completions = append(completions, item)
		}
	}
	require.Len(t, completions, 2)
	first := completions[0].Payload.(map[string]any)
	assert.Equal(t, "cancelled", first["reason"])
	second := completions[1].Payload.(map[string]any)
	assert.Equal(t, "completed", second["reason"])
	assert.Equal(t, "done", second["status"])
}

func TestLaunchPrincipalContinueWithoutPrevious(t *testing.T) {
	orch, registry := newOrchestrator(t, &promptProvider{})
	rc, err := orch.CreateRun(CreateOptions{
		RunType:        run.RunTypePartnerInteraction,
		PartnerProfile: "partner-default",
	})
	require.NoError(t, err)

	env := registry.Execute(context.Background(), LaunchToolName, map[string]any{
		"mode": ModeContinueFromPrevious,
	}, &tools.Invocation{Sub: rc.Partner(), ToolCallID: "launch-1"})
	require.True(t, env.IsError())
	assert.Contains(t, env.Payload["error_message"], "no previous principal")
}

func TestStopRunCancelsPrincipal(t *testing.T) {
	provider := &gateProvider{}
	orch, _ := newOrchestrator(t, provider)

	rc, err := orch.CreateRun(CreateOptions{
		RunType:          run.RunTypePrincipalDirect,
		Question:         "q",
		PrincipalProfile: "principal-default",
	})
	require.NoError(t, err)

	_, err = orch.StartPrincipalDirect(rc.Meta.RunID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return provider.callCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	orch.StopRun(rc.Meta.RunID)

	assert.False(t, rc.Team.IsPrincipalFlowRunning)
	assert.Equal(t, run.RunStatusError, rc.Meta.Status,
		"a cancelled principal_direct run does not count as completed")
	require.Len(t, rc.Team.PrincipalExecutionSessions, 1)
	assert.Equal(t, "cancelled", rc.Team.PrincipalExecutionSessions[0].TerminationReason)
}

func TestSubmitUserMessage(t *testing.T) {
	orch, _ := newOrchestrator(t, &promptProvider{})
	rc, err := orch.CreateRun(CreateOptions{
		RunType:        run.RunTypePartnerInteraction,
		PartnerProfile: "partner-default",
	})
	require.NoError(t, err)

	require.NoError(t, orch.SubmitUserMessage(rc.Meta.RunID, "hello there"))
	partner := rc.Partner()
	require.Len(t, partner.State.Inbox, 1)
	assert.Equal(t, types.SourceUserPrompt, partner.State.Inbox[0].Source)

	select {
	case <-partner.UserInput:
	default:
		t.Fatal("expected a user input signal")
	}

	assert.Error(t, orch.SubmitUserMessage("unknown", "x"))
}
