// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package run

import (
	"testing"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func principalProfile() *profile.AgentProfile {
	return &profile.AgentProfile{Name: "principal-default", Type: profile.TypePrincipal, IsActive: true}
}

func TestNewRunContext(t *testing.T) {
	rc := New(Options{RunType: RunTypePrincipalDirect, Question: "q", ProjectID: "proj"})

	assert.NotEmpty(t, rc.Meta.RunID)
	assert.Equal(t, RunStatusCreated, rc.Meta.Status)
	assert.Equal(t, "proj", rc.Meta.ProjectID)
	assert.Equal(t, "q", rc.Team.Question)
	require.NotNil(t, rc.Runtime)
	assert.NotNil(t, rc.Runtime.KB)
	assert.NotNil(t, rc.Runtime.Ledger)
	assert.NotNil(t, rc.Runtime.Emitter)
}

func TestSubContextIdentity(t *testing.T) {
	rc := New(Options{})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})

	assert.Equal(t, rc.Meta.RunID, sub.Meta.RunID)
	assert.Equal(t, profile.TypePrincipal, sub.Meta.AgentType)
	assert.Equal(t, "principal-default", sub.Meta.ProfileName)
	assert.Contains(t, sub.Meta.AgentID, "principal-")

	info := sub.AgentInfo()
	assert.Equal(t, sub.Meta.AgentID, info.AgentID)
	assert.Equal(t, "principal-default", info.ProfileName)
}

func TestAssociateRegistry(t *testing.T) {
	rc := New(Options{})
	a := NewSubContext(rc, &profile.AgentProfile{Name: "a", Type: profile.TypeAssociate, IsActive: true}, SubMeta{})
	b := NewSubContext(rc, &profile.AgentProfile{Name: "b", Type: profile.TypeAssociate, IsActive: true}, SubMeta{})

	rc.AddAssociate(a)
	rc.AddAssociate(b)
	assert.Len(t, rc.Associates(), 2)

	rc.RemoveAssociate(a.Meta.AgentID)
	remaining := rc.Associates()
	require.Len(t, remaining, 1)
	assert.Equal(t, b.Meta.AgentID, remaining[0].Meta.AgentID)
}

func TestArchiveMessages(t *testing.T) {
	rc := New(Options{})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})

	sub.ArchiveMessages()
	assert.Empty(t, sub.State.ArchivedSessions, "archiving an empty transcript is a no-op")

	sub.State.Messages = []types.Message{{Role: types.RoleUser, Content: "one"}}
	sub.ArchiveMessages()
	assert.Empty(t, sub.State.Messages)
	require.Len(t, sub.State.ArchivedSessions, 1)
	assert.Equal(t, "one", sub.State.ArchivedSessions[0][0].Content)
}

func TestPushInboxStampsDefaults(t *testing.T) {
	rc := New(Options{})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})

	sub.PushInbox(types.InboxItem{Source: types.SourceUserPrompt, Payload: "hi"})
	require.Len(t, sub.State.Inbox, 1)
	item := sub.State.Inbox[0]
	assert.NotEmpty(t, item.ItemID)
	assert.Equal(t, types.ConsumeOnRead, item.ConsumptionPolicy)
	assert.False(t, item.Metadata.CreatedAt.IsZero())
}

func TestInboxDrainAndRequeueOrdering(t *testing.T) {
	rc := New(Options{})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})

	sub.PushInbox(types.InboxItem{Source: types.SourceInternalDirective, Payload: "kept"})
	drained := sub.DrainInbox()
	require.Len(t, drained, 1)
	assert.Empty(t, sub.InboxItems())

	// An item arriving mid-pass queues behind the requeued survivor.
	sub.PushInbox(types.InboxItem{Source: types.SourceUserPrompt, Payload: "late"})
	sub.RequeueInbox(drained)

	items := sub.InboxItems()
	require.Len(t, items, 2)
	assert.Equal(t, "kept", items[0].Payload)
	assert.Equal(t, "late", items[1].Payload)
}

func TestSignalUserInputIsNonBlocking(t *testing.T) {
	rc := New(Options{})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})

	// Repeated signals never block even with no receiver.
	sub.SignalUserInput()
	sub.SignalUserInput()
	sub.SignalUserInput()

	select {
	case <-sub.UserInput:
	default:
		t.Fatal("expected a buffered signal")
	}
}

func TestEnvResolvesVModelRoots(t *testing.T) {
	rc := New(Options{Question: "the question"})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})
	rc.SetPrincipal(sub)

	sub.State.Flags["phase"] = "review"
	sub.State.InitialParameters["budget"] = 5
	sub.State.IterationCount = 2

	env := sub.Env()
	cases := map[string]any{
		"team.question":             "the question",
		"flags.phase":               "review",
		"state.flags.phase":         "review",
		"initial_params.budget":     5,
		"state.iteration_count":     2,
		"iteration_count":           2,
		"meta.agent_id":             sub.Meta.AgentID,
		"run.run_type":              RunTypePartnerInteraction,
		"principal.iteration_count": 2,
	}
	for path, want := range cases {
		got, ok := env.Resolve(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}

	_, ok := env.Resolve("partner.anything")
	assert.False(t, ok, "no partner staffed")
	got, _ := env.Resolve("state.unknown_key")
	assert.Nil(t, got)
}

func TestApplyStateUpdate(t *testing.T) {
	rc := New(Options{})
	sub := NewSubContext(rc, principalProfile(), SubMeta{})

	require.NoError(t, sub.ApplyStateUpdate(OpSet, "flags.mode", "fast"))
	assert.Equal(t, "fast", sub.State.Flags["mode"])

	require.NoError(t, sub.ApplyStateUpdate(OpSet, "state.scratchpad.draft.title", "v1"))
	draft := sub.State.Scratchpad["draft"].(map[string]any)
	assert.Equal(t, "v1", draft["title"])

	require.NoError(t, sub.ApplyStateUpdate(OpIncrement, "scratchpad.counter", 2))
	require.NoError(t, sub.ApplyStateUpdate(OpIncrement, "scratchpad.counter", nil))
	assert.Equal(t, 3.0, sub.State.Scratchpad["counter"])

	require.NoError(t, sub.ApplyStateUpdate(OpIncrement, "iteration_count", nil))
	assert.Equal(t, 1, sub.State.IterationCount)
	require.NoError(t, sub.ApplyStateUpdate(OpSet, "iteration_count", 9))
	assert.Equal(t, 9, sub.State.IterationCount)

	assert.Error(t, sub.ApplyStateUpdate(OpSet, "messages.0", "nope"))
	assert.Error(t, sub.ApplyStateUpdate(OpSet, "flags", "needs a key"))
	assert.Error(t, sub.ApplyStateUpdate("multiply", "flags.x", 2))
}

func TestTokenUsageAccumulates(t *testing.T) {
	usage := &TokenUsage{}
	usage.Record(&types.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}, false)
	usage.Record(&types.Usage{PromptTokens: 50, CompletionTokens: 200, TotalTokens: 250}, false)
	usage.Record(nil, true)

	snap := usage.Snapshot()
	assert.Equal(t, 150, snap.PromptTokens)
	assert.Equal(t, 220, snap.CompletionTokens)
	assert.Equal(t, 370, snap.TotalTokens)
	assert.Equal(t, 250, snap.MaxSingleCall)
	assert.Equal(t, 3, snap.Calls)
	assert.Equal(t, 1, snap.Failures)
}
