// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/types"
)

// Builtin toolset names.
const (
	ToolsetCore        = "core"
	ToolsetWorkModules = "work_modules"
)

// RegisterBuiltins installs the internal tools every deployment carries:
// the flow terminator, the work-module management surface for the
// Principal, and the team status reader.
func RegisterBuiltins(r *Registry) error {
	defs := []*Definition{
		{
			Name:        "echo",
			Description: "Echo the given text back. Diagnostic tool.",
			Toolset:     ToolsetCore,
			Params: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []string{"text"},
			},
			Handler: HandlerFunc(echoTool),
		},
		{
			Name: "report_completion",
			Description: "End your flow. Call this exactly once, when your work is " +
				"finished or cannot proceed, with a summary of the outcome.",
			Toolset:  ToolsetCore,
			EndsFlow: true,
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{
						"type":        "string",
						"description": "Final outcome summary.",
					},
					"status": map[string]any{
						"type": "string",
						"enum": []any{"success", "partial", "failure"},
					},
				},
				"required": []string{"summary"},
			},
			Handler: HandlerFunc(reportCompletionTool),
		},
		{
			Name:        "create_work_modules",
			Description: "Create one or more work modules on the shared board.",
			Toolset:     ToolsetWorkModules,
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"modules": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name":        map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
								"notes":       map[string]any{"type": "string"},
							},
							"required": []string{"name", "description"},
						},
					},
				},
				"required": []string{"modules"},
			},
			Handler: HandlerFunc(createWorkModulesTool),
		},
		{
			Name: "update_work_module",
			Description: "Update a work module's notes or status. Completed and " +
				"deprecated modules leave the active board.",
			Toolset: ToolsetWorkModules,
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"module_id": map[string]any{"type": "string"},
					"status": map[string]any{
						"type": "string",
						"enum": []any{"pending", "in_progress", "pending_review", "completed", "deprecated"},
					},
					"notes": map[string]any{"type": "string"},
				},
				"required": []string{"module_id"},
			},
			Handler: HandlerFunc(updateWorkModuleTool),
		},
		{
			Name:        "get_team_status",
			Description: "Read the current work-module board and principal status.",
			Toolset:     ToolsetCore,
			Params: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: HandlerFunc(teamStatusTool),
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func echoTool(_ context.Context, params map[string]any, _ *Invocation) (*types.ToolResultEnvelope, error) {
	text, _ := params["text"].(string)
	return types.NewToolSuccess(map[string]any{"text": text}), nil
}

func reportCompletionTool(_ context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error) {
	summary, _ := params["summary"].(string)
	status, _ := params["status"].(string)
	if status == "" {
		status = "success"
	}
	if inv != nil && inv.Sub != nil {
		inv.Sub.Run.Lock.Lock()
		inv.Sub.State.Deliverables["completion_summary"] = summary
		inv.Sub.State.Deliverables["completion_status"] = status
		inv.Sub.Run.Lock.Unlock()
	}
	return types.NewToolSuccess(map[string]any{"acknowledged": true, "status": status}), nil
}

func createWorkModulesTool(_ context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error) {
	raw, _ := params["modules"].([]any)
	if len(raw) == 0 {
		return types.NewToolError("modules must be a non-empty array"), nil
	}
	team := inv.Sub.Run.Team
	inv.Sub.Run.Lock.Lock()
	var created []map[string]any
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		description, _ := m["description"].(string)
		notes, _ := m["notes"].(string)
		id := team.NextModuleID()
		team.WorkModules[id] = &types.WorkModule{
			ID:          id,
			Name:        name,
			Description: description,
			Notes:       notes,
			Status:      types.ModulePending,
		}
		created = append(created, map[string]any{"module_id": id, "name": name})
	}
	inv.Sub.Run.Lock.Unlock()

	for _, c := range created {
		emitModuleUpdate(inv, c["module_id"].(string))
	}
	return types.NewToolSuccess(map[string]any{"created": created}), nil
}

func updateWorkModuleTool(_ context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error) {
	moduleID, _ := params["module_id"].(string)
	team := inv.Sub.Run.Team

	inv.Sub.Run.Lock.Lock()
	module, ok := team.WorkModules[moduleID]
	if !ok {
		inv.Sub.Run.Lock.Unlock()
		return types.NewToolError(fmt.Sprintf("work module %q does not exist", moduleID)), nil
	}
	if notes, ok := params["notes"].(string); ok && notes != "" {
		module.Notes = notes
	}
	if status, ok := params["status"].(string); ok && status != "" {
		next := types.ModuleStatus(status)
		if module.RunningAssignee() >= 0 && next != types.ModuleOngoing {
			inv.Sub.Run.Lock.Unlock()
			return types.NewToolError(fmt.Sprintf(
				"work module %q has a running assignee; wait for the dispatch to finish", moduleID)), nil
		}
		module.Status = next
		if next == types.ModuleCompleted || next == types.ModulePendingReview {
			module.ReviewInfo = &types.ReviewInfo{
				Trigger:    "manual_update",
				Message:    module.Notes,
				ReviewedAt: time.Now().UTC(),
			}
		}
	}
	snapshot := map[string]any{
		"module_id": module.ID,
		"name":      module.Name,
		"status":    string(module.Status),
	}
	inv.Sub.Run.Lock.Unlock()

	emitModuleUpdate(inv, moduleID)
	return types.NewToolSuccess(snapshot), nil
}

func teamStatusTool(_ context.Context, _ map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error) {
	team := inv.Sub.Run.Team
	inv.Sub.Run.Lock.Lock()
	defer inv.Sub.Run.Lock.Unlock()

	ids := make([]string, 0, len(team.WorkModules))
	for id := range team.WorkModules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	modules := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		m := team.WorkModules[id]
		modules = append(modules, map[string]any{
			"module_id": m.ID,
			"name":      m.Name,
			"status":    string(m.Status),
			"notes":     m.Notes,
		})
	}
	return types.NewToolSuccess(map[string]any{
		"question":                  team.Question,
		"work_modules":              modules,
		"is_principal_flow_running": team.IsPrincipalFlowRunning,
		"dispatches":                len(team.DispatchHistory),
	}), nil
}

func emitModuleUpdate(inv *Invocation, moduleID string) {
	rt := inv.Sub.Run.Runtime
	if rt == nil || rt.Emitter == nil {
		return
	}
	rt.Emitter.EmitType(events.TypeWorkModuleUpdate, inv.Sub.Meta.RunID, inv.Sub.Meta.AgentID, map[string]any{
		"module_id": moduleID,
	})
}
