// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package persistence snapshots runs to disk on turn completion and
// restores them later. Snapshots are gzip-compressed JSON written with
// atomic renames; a per-project SQLite index maps run ids to filenames.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/kb"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// snapshotVersion guards against future layout changes.
const snapshotVersion = 1

// AgentSnapshot is one serialized sub-context.
type AgentSnapshot struct {
	Meta  run.SubMeta `json:"meta"`
	State *run.State  `json:"state"`
}

// RunSnapshot is the full serializable form of a run.
type RunSnapshot struct {
	Version   int               `json:"version"`
	Meta      run.Meta          `json:"meta"`
	Config    *profile.Snapshot `json:"config"`
	Team      *types.TeamState  `json:"team_state"`
	Agents    []AgentSnapshot   `json:"agents"`
	Knowledge *kb.SnapshotData  `json:"knowledge_base"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Encode serializes a run under its lock. Sub-context states are captured
// as-is; agents own their state, so a snapshot taken mid-turn reflects the
// last consistent write.
func Encode(rc *run.RunContext) ([]byte, error) {
	snap := RunSnapshot{
		Version:   snapshotVersion,
		Config:    rc.Config,
		SavedAt:   time.Now().UTC(),
		Knowledge: rc.Runtime.KB.Snapshot(),
	}

	rc.Lock.Lock()
	snap.Meta = rc.Meta
	snap.Team = rc.Team
	if partner := rc.Partner(); partner != nil {
		snap.Agents = append(snap.Agents, AgentSnapshot{Meta: partner.Meta, State: partner.State})
	}
	if principal := rc.Principal(); principal != nil {
		snap.Agents = append(snap.Agents, AgentSnapshot{Meta: principal.Meta, State: principal.State})
	}
	for _, associate := range rc.Associates() {
		snap.Agents = append(snap.Agents, AgentSnapshot{Meta: associate.Meta, State: associate.State})
	}
	data, err := json.Marshal(&snap)
	rc.Lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to encode run %s: %w", snap.Meta.RunID, err)
	}
	return data, nil
}

// Restore rebuilds a run from snapshot bytes. Runtime singletons are not
// attached; the orchestrator adopts the run afterwards. Post-restore
// cleanup marks everything that was in flight as interrupted.
func Restore(data []byte, logger *zap.Logger) (*run.RunContext, *kb.KnowledgeBase, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var snap RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	rc := run.Restored(snap.Meta, snap.Config, snap.Team)
	cleanupAfterRestore(rc.Team)

	for _, a := range snap.Agents {
		state := a.State
		if state == nil {
			state = run.NewState()
		}
		prof, _ := lookupProfile(snap.Config, a.Meta.ProfileName)
		sub := run.NewSubContext(rc, prof, a.Meta)
		sub.State = state
		switch a.Meta.AgentType {
		case profile.TypePartner:
			rc.SetPartner(sub)
		case profile.TypePrincipal:
			rc.SetPrincipal(sub)
		default:
			// Associates are restored for inspection only; their flows do
			// not resume.
			rc.AddAssociate(sub)
		}
	}

	var knowledge *kb.KnowledgeBase
	if snap.Knowledge != nil {
		knowledge = kb.FromSnapshot(snap.Knowledge, logger)
	}
	return rc, knowledge, nil
}

// cleanupAfterRestore resolves everything that was in flight when the
// snapshot was taken: running turns become interrupted, running LLM
// attempts become errors, and no principal flow is running.
func cleanupAfterRestore(team *types.TeamState) {
	now := time.Now().UTC()
	for _, turn := range team.Turns {
		if turn.Status == types.TurnStatusRunning {
			turn.Status = types.TurnStatusInterrupted
			if turn.EndTime == nil {
				turn.EndTime = &now
			}
		}
		if turn.LLMInteraction != nil && turn.LLMInteraction.Status == types.InteractionRunning {
			turn.LLMInteraction.Status = types.InteractionError
			for i := range turn.LLMInteraction.Attempts {
				if turn.LLMInteraction.Attempts[i].Status == types.InteractionRunning {
					turn.LLMInteraction.Attempts[i].Status = types.InteractionError
					turn.LLMInteraction.Attempts[i].Error = "interrupted by restore"
				}
			}
		}
		for i := range turn.ToolInteractions {
			if turn.ToolInteractions[i].Status == types.InteractionRunning {
				turn.ToolInteractions[i].Status = types.InteractionInterrupted
				if turn.ToolInteractions[i].EndTime == nil {
					turn.ToolInteractions[i].EndTime = &now
				}
			}
		}
	}
	team.IsPrincipalFlowRunning = false
	for _, module := range team.WorkModules {
		if i := module.RunningAssignee(); i >= 0 {
			module.AssigneeHistory[i].Outcome = types.OutcomeCancelled
			if module.AssigneeHistory[i].EndedAt == nil {
				module.AssigneeHistory[i].EndedAt = &now
			}
		}
	}
}

func lookupProfile(config *profile.Snapshot, name string) (*profile.AgentProfile, bool) {
	if config == nil {
		return nil, false
	}
	return config.Profile(name)
}
