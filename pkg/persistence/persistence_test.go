// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotRun(t *testing.T) *run.RunContext {
	t.Helper()
	rc := run.New(run.Options{
		ProjectID: "proj",
		RunType:   run.RunTypePrincipalDirect,
		Question:  "Summarize the quarterly report",
		Catalog: &profile.Snapshot{
			Profiles: map[string]*profile.AgentProfile{
				"principal-default": {
					Name: "principal-default", Type: profile.TypePrincipal, IsActive: true,
				},
			},
		},
	})
	prof, _ := rc.Config.Profile("principal-default")
	sub := run.NewSubContext(rc, prof, run.SubMeta{})
	rc.SetPrincipal(sub)
	sub.State.Flags["phase"] = "review"
	sub.State.Messages = []types.Message{{Role: types.RoleUser, Content: "hello"}}
	return rc
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "hello-world", Slugify("Hello, World!"))
	assert.Equal(t, "", Slugify("!!!"))
	assert.Equal(t, "a-b-c", Slugify("  a   b\tc "))
	long := Slugify("this is a very long question that keeps going and going and going forever")
	assert.LessOrEqual(t, len(long), 49)
	assert.NotEmpty(t, long)
}

func TestSnapshotRoundTrip(t *testing.T) {
	rc := snapshotRun(t)
	sub := rc.Principal()

	// Leave a turn, an LLM attempt and a tool interaction in flight, plus a
	// running assignee, to exercise the post-restore cleanup.
	turn := rc.Runtime.Ledger.StartNewTurn(sub.AgentInfo(), "", "s1")
	rc.Runtime.Ledger.AddToolInteraction(turn.TurnID, types.ToolCall{ID: "c1", Name: "echo"})
	rc.Team.IsPrincipalFlowRunning = true
	rc.Team.WorkModules["WM_1"] = &types.WorkModule{
		ID: "WM_1", Name: "m", Status: types.ModuleOngoing,
		AssigneeHistory: []types.AssigneeRecord{
			{DispatchID: "d1", AgentID: "associate-1", Outcome: types.OutcomeRunning},
		},
	}
	token, err := rc.Runtime.KB.StoreWithToken("knowledge payload", map[string]any{"item_type": "note"})
	require.NoError(t, err)

	data, err := Encode(rc)
	require.NoError(t, err)

	restored, knowledge, err := Restore(data, nil)
	require.NoError(t, err)
	assert.Equal(t, rc.Meta.RunID, restored.Meta.RunID)
	assert.Equal(t, "Summarize the quarterly report", restored.Team.Question)

	principal := restored.Principal()
	require.NotNil(t, principal)
	assert.Equal(t, "review", principal.State.Flags["phase"])
	require.Len(t, principal.State.Messages, 1)
	assert.Equal(t, "hello", principal.State.Messages[0].Content)

	// In-flight work was resolved.
	rturn := restored.Team.FindTurn(turn.TurnID)
	require.NotNil(t, rturn)
	assert.Equal(t, types.TurnStatusInterrupted, rturn.Status)
	assert.NotNil(t, rturn.EndTime)
	assert.Equal(t, types.InteractionError, rturn.LLMInteraction.Status)
	assert.Equal(t, types.InteractionInterrupted, rturn.ToolInteractions[0].Status)
	assert.False(t, restored.Team.IsPrincipalFlowRunning)
	module := restored.Team.WorkModules["WM_1"]
	assert.Equal(t, types.OutcomeCancelled, module.AssigneeHistory[0].Outcome)

	// The knowledge base survives with its tokens.
	require.NotNil(t, knowledge)
	item, ok := knowledge.GetByToken(token)
	require.True(t, ok)
	assert.Equal(t, "knowledge payload", item.Content)
}

func TestRestoreRejectsBadInput(t *testing.T) {
	_, _, err := Restore([]byte("not json"), nil)
	assert.Error(t, err)

	_, _, err = Restore([]byte(`{"version": 99}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported snapshot version")
}

func TestStoreSaveLoadList(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	rc := snapshotRun(t)
	require.NoError(t, store.SaveSnapshot(rc))

	runs, err := store.ListRuns("proj")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rc.Meta.RunID, runs[0].RunID)
	assert.Equal(t, run.RunTypePrincipalDirect, runs[0].RunType)

	restored, _, err := store.LoadSnapshot(rc.Meta.RunID)
	require.NoError(t, err)
	assert.Equal(t, rc.Meta.RunID, restored.Meta.RunID)
	assert.Equal(t, rc.Team.Question, restored.Team.Question)

	_, _, err = store.LoadSnapshot("missing-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the index")
}

func TestStoreSaveIsIdempotentPerRun(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	rc := snapshotRun(t)
	require.NoError(t, store.SaveSnapshot(rc))
	require.NoError(t, store.SaveSnapshot(rc))

	runs, err := store.ListRuns("proj")
	require.NoError(t, err)
	assert.Len(t, runs, 1, "re-saving upserts the same index row")
}

func TestStoreRename(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	rc := snapshotRun(t)
	require.NoError(t, store.SaveSnapshot(rc))

	require.NoError(t, store.Rename(rc.Meta.RunID, "proj", "Quarterly Report Summary"))

	newPath := filepath.Join(dir, "proj", "quarterly-report-summary"+snapshotSuffix)
	_, err = os.Stat(newPath)
	assert.NoError(t, err, "snapshot moved to the new slug")

	restored, _, err := store.LoadSnapshot(rc.Meta.RunID)
	require.NoError(t, err)
	assert.Equal(t, rc.Meta.RunID, restored.Meta.RunID)

	// An empty slug is rejected; an unknown run is a no-op.
	assert.Error(t, store.Rename(rc.Meta.RunID, "proj", "!!!"))
	assert.NoError(t, store.Rename("unknown", "proj", "whatever"))
}

func TestHookPersistsOnTurnCompleted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	rc := snapshotRun(t)
	resolve := func(runID string) (*run.RunContext, bool) {
		if runID == rc.Meta.RunID {
			return rc, true
		}
		return nil, false
	}
	hook := NewHook(store, resolve, nil, nil)
	detach := hook.Attach(rc.Runtime.Emitter)
	defer detach()

	rc.Runtime.Emitter.EmitType(events.TypeTurnCompleted, rc.Meta.RunID, "principal-1", nil)

	assert.Eventually(t, func() bool {
		runs, err := store.ListRuns("proj")
		return err == nil && len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Events for unknown runs are ignored.
	hook.persist("other-run")
	runs, err := store.ListRuns("")
	require.NoError(t, err)
	assert.Empty(t, runs)
}
