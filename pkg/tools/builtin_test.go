// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"testing"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltinFixture(t *testing.T) (*Registry, *Invocation) {
	t.Helper()
	r := NewRegistry(nil, nil)
	require.NoError(t, RegisterBuiltins(r))

	rc := run.New(run.Options{Question: "fixture question"})
	prof := &profile.AgentProfile{Name: "p", Type: profile.TypePrincipal, IsActive: true}
	sub := run.NewSubContext(rc, prof, run.SubMeta{})
	return r, &Invocation{Sub: sub, ToolCallID: "call-1"}
}

func TestEchoTool(t *testing.T) {
	r, inv := newBuiltinFixture(t)
	env := r.Execute(context.Background(), "echo", map[string]any{"text": "ping"}, inv)
	require.False(t, env.IsError())
	assert.Equal(t, "ping", env.Payload["text"])
}

func TestReportCompletionStoresDeliverables(t *testing.T) {
	r, inv := newBuiltinFixture(t)

	def, ok := r.Get("report_completion")
	require.True(t, ok)
	assert.True(t, def.EndsFlow)

	env := r.Execute(context.Background(), "report_completion", map[string]any{
		"summary": "all done",
		"status":  "partial",
	}, inv)
	require.False(t, env.IsError())

	state := inv.Sub.State
	assert.Equal(t, "all done", state.Deliverables["completion_summary"])
	assert.Equal(t, "partial", state.Deliverables["completion_status"])
}

func TestCreateWorkModulesAllocatesSequentialIDs(t *testing.T) {
	r, inv := newBuiltinFixture(t)

	env := r.Execute(context.Background(), "create_work_modules", map[string]any{
		"modules": []any{
			map[string]any{"name": "research", "description": "gather sources"},
			map[string]any{"name": "draft", "description": "write it", "notes": "after research"},
		},
	}, inv)
	require.False(t, env.IsError())

	team := inv.Sub.Run.Team
	require.Len(t, team.WorkModules, 2)
	assert.Equal(t, "research", team.WorkModules["WM_1"].Name)
	assert.Equal(t, types.ModulePending, team.WorkModules["WM_1"].Status)
	assert.Equal(t, "after research", team.WorkModules["WM_2"].Notes)
	assert.Equal(t, 3, team.WorkModuleNextID)

	created := env.Payload["created"].([]map[string]any)
	assert.Equal(t, "WM_1", created[0]["module_id"])
	assert.Equal(t, "WM_2", created[1]["module_id"])
}

func TestCreateWorkModulesRequiresEntries(t *testing.T) {
	r, inv := newBuiltinFixture(t)
	env := r.Execute(context.Background(), "create_work_modules", map[string]any{
		"modules": []any{},
	}, inv)
	assert.True(t, env.IsError())
}

func TestUpdateWorkModule(t *testing.T) {
	r, inv := newBuiltinFixture(t)
	r.Execute(context.Background(), "create_work_modules", map[string]any{
		"modules": []any{map[string]any{"name": "task", "description": "d"}},
	}, inv)

	env := r.Execute(context.Background(), "update_work_module", map[string]any{
		"module_id": "WM_1",
		"status":    "in_progress",
		"notes":     "underway",
	}, inv)
	require.False(t, env.IsError())

	module := inv.Sub.Run.Team.WorkModules["WM_1"]
	assert.Equal(t, types.ModuleInProgress, module.Status)
	assert.Equal(t, "underway", module.Notes)

	// Unknown module.
	env = r.Execute(context.Background(), "update_work_module", map[string]any{
		"module_id": "WM_99",
	}, inv)
	assert.True(t, env.IsError())
}

func TestUpdateWorkModuleBlockedWhileAssigneeRuns(t *testing.T) {
	r, inv := newBuiltinFixture(t)
	r.Execute(context.Background(), "create_work_modules", map[string]any{
		"modules": []any{map[string]any{"name": "task", "description": "d"}},
	}, inv)

	module := inv.Sub.Run.Team.WorkModules["WM_1"]
	module.Status = types.ModuleOngoing
	module.AssigneeHistory = append(module.AssigneeHistory, types.AssigneeRecord{
		DispatchID: "d1", AgentID: "associate-1", Outcome: types.OutcomeRunning,
	})

	env := r.Execute(context.Background(), "update_work_module", map[string]any{
		"module_id": "WM_1",
		"status":    "completed",
	}, inv)
	require.True(t, env.IsError())
	assert.Contains(t, env.Payload["error_message"], "running assignee")
	assert.Equal(t, types.ModuleOngoing, module.Status)
}

func TestGetTeamStatus(t *testing.T) {
	r, inv := newBuiltinFixture(t)
	r.Execute(context.Background(), "create_work_modules", map[string]any{
		"modules": []any{map[string]any{"name": "task", "description": "d"}},
	}, inv)

	env := r.Execute(context.Background(), "get_team_status", map[string]any{}, inv)
	require.False(t, env.IsError())
	assert.Equal(t, "fixture question", env.Payload["question"])
	modules := env.Payload["work_modules"].([]map[string]any)
	require.Len(t, modules, 1)
	assert.Equal(t, "WM_1", modules[0]["module_id"])
	assert.Equal(t, false, env.Payload["is_principal_flow_running"])
}

func TestRunningAssigneeInvariant(t *testing.T) {
	module := &types.WorkModule{ID: "WM_1", Status: types.ModuleOngoing}
	assert.Equal(t, -1, module.RunningAssignee())

	module.AssigneeHistory = append(module.AssigneeHistory,
		types.AssigneeRecord{DispatchID: "d1", Outcome: types.OutcomeError},
		types.AssigneeRecord{DispatchID: "d2", Outcome: types.OutcomeRunning},
	)
	assert.Equal(t, 1, module.RunningAssignee())
}
