// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestration

import (
	"context"
	"fmt"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/atelier-ai/atelier/pkg/types"
)

// LaunchToolName is the registry name of the Partner's launch tool.
const LaunchToolName = "launch_principal"

// Launch modes.
const (
	ModeStartFresh           = "start_fresh"
	ModeContinueFromPrevious = "continue_from_previous"
)

// RegisterLaunchTool installs launch_principal. The partner-to-principal
// briefing protocol contributes the handover fields to the schema.
func (o *Orchestrator) RegisterLaunchTool(r *tools.Registry) error {
	return r.Register(&tools.Definition{
		Name: LaunchToolName,
		Description: "Start or restart the Principal's execution flow. Use start_fresh for a new " +
			"task briefing, continue_from_previous to resume with prior context.",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type": "string",
					"enum": []any{ModeStartFresh, ModeContinueFromPrevious},
				},
				"directive": map[string]any{
					"type":        "string",
					"description": "Optional directive delivered to a continued Principal.",
				},
				"force_terminate_and_relaunch": map[string]any{
					"type":        "boolean",
					"description": "Cancel a running Principal before launching.",
				},
				"principal_profile_logical_name": map[string]any{
					"type":        "string",
					"description": "Principal profile to staff on start_fresh; defaults to the current one.",
				},
			},
			"required": []any{"mode"},
		},
		Toolset:          tools.ToolsetCore,
		HandoverProtocol: ProtocolPartnerToPrincipal,
		Handler:          tools.HandlerFunc(o.launchPrincipal),
	})
}

func (o *Orchestrator) launchPrincipal(ctx context.Context, params map[string]any, inv *tools.Invocation) (*types.ToolResultEnvelope, error) {
	partner := inv.Sub
	rc := partner.Run
	mr, ok := o.managed(rc.Meta.RunID)
	if !ok {
		return nil, fmt.Errorf("run %s is not managed by this orchestrator", rc.Meta.RunID)
	}

	mode, _ := params["mode"].(string)
	force, _ := params["force_terminate_and_relaunch"].(bool)
	directive, _ := params["directive"].(string)

	rc.Lock.Lock()
	running := rc.Team.IsPrincipalFlowRunning
	rc.Lock.Unlock()

	newBaton := ""
	restarted := false
	if running {
		if !force {
			return types.NewToolError(
				"a principal flow is already running; set force_terminate_and_relaunch to replace it"), nil
		}
		current := rc.Principal()
		if current != nil {
			newBaton = o.forceTerminatePrincipal(mr, current)
			restarted = true
		}
	}

	var principal *run.SubContext
	switch mode {
	case ModeContinueFromPrevious:
		principal = rc.Principal()
		if principal == nil {
			return types.NewToolError("no previous principal to continue from"), nil
		}
		if !restarted {
			principal.ArchiveMessages()
		}
		principal.State.CurrentAction = nil
		principal.State.CurrentTurnID = ""
		if newBaton != "" {
			principal.State.LastTurnID = newBaton
		}
		if directive != "" {
			rc.Lock.Lock()
			principal.PushInbox(types.InboxItem{
				Source:  types.SourcePartnerDirective,
				Payload: map[string]any{"content": directive},
			})
			rc.Lock.Unlock()
		}

	case ModeStartFresh:
		prof, err := o.resolvePrincipalProfile(rc, params)
		if err != nil {
			return types.NewToolError(err.Error()), nil
		}
		briefing, err := o.services.Handover.Execute(ProtocolPartnerToPrincipal, params, partner.Env())
		if err != nil {
			return types.NewToolError(fmt.Sprintf("briefing handover failed: %v", err)), nil
		}
		principal = run.NewSubContext(rc, prof, run.SubMeta{
			ParentAgentID: partner.Meta.AgentID,
		})
		if newBaton != "" {
			principal.State.LastTurnID = newBaton
		} else {
			principal.State.LastTurnID = partner.State.LastTurnID
		}
		principal.PushInbox(briefing)
		rc.SetPrincipal(principal)

	default:
		return types.NewToolError(fmt.Sprintf("unknown launch mode %q", mode)), nil
	}

	if _, err := o.startPrincipal(mr, principal); err != nil {
		return types.NewToolError(err.Error()), nil
	}
	return types.NewToolSuccess(map[string]any{
		"principal_agent_id": principal.Meta.AgentID,
		"mode":               mode,
		"restarted":          restarted,
	}), nil
}

// resolvePrincipalProfile picks the profile for a fresh launch: the
// explicit parameter, then the current Principal's profile, then the sole
// usable principal profile in the snapshot.
func (o *Orchestrator) resolvePrincipalProfile(rc *run.RunContext, params map[string]any) (*profile.AgentProfile, error) {
	if name, ok := params["principal_profile_logical_name"].(string); ok && name != "" {
		prof, ok := rc.Config.Profile(name)
		if !ok || !prof.Usable() || prof.Type != profile.TypePrincipal {
			return nil, fmt.Errorf("principal profile %q is not usable", name)
		}
		return prof, nil
	}
	if current := rc.Principal(); current != nil && current.Profile != nil {
		return current.Profile, nil
	}
	var found *profile.AgentProfile
	for _, prof := range rc.Config.Profiles {
		if prof.Usable() && prof.Type == profile.TypePrincipal {
			if found != nil {
				return nil, fmt.Errorf("multiple principal profiles available; name one explicitly")
			}
			found = prof
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no usable principal profile in this run's catalog")
	}
	return found, nil
}
