// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import (
	"fmt"
	"time"
)

// TeamState is the shared, serializable ledger visible to every agent in a
// run. It is plain data: all mutation goes through the owning run's ledger
// manager, the dispatcher, or specific tool nodes, serialized by the run
// lock. Code must never append to Turns directly.
type TeamState struct {
	// Question is the originating user query.
	Question string `json:"question"`

	// WorkModules maps module id to module. Ids come from the monotonic
	// counter below.
	WorkModules map[string]*WorkModule `json:"work_modules"`

	// WorkModuleNextID is the next module sequence number. Strictly
	// monotonic for the lifetime of a run.
	WorkModuleNextID int `json:"_work_module_next_id"`

	// Turns is the append-only causal ledger. Existing entries only ever
	// receive status/end-time updates.
	Turns []*Turn `json:"turns"`

	// DispatchHistory is the audit trail of every Associate launch.
	DispatchHistory []*DispatchRecord `json:"dispatch_history"`

	// ProfilesListInstanceIDs enumerates the Associate profiles staffed
	// for this run.
	ProfilesListInstanceIDs []string `json:"profiles_list_instance_ids"`

	// IsPrincipalFlowRunning is the authoritative runtime-status signal
	// for the Principal.
	IsPrincipalFlowRunning bool `json:"is_principal_flow_running"`

	// PrincipalExecutionSessions records each Principal session with its
	// termination reason.
	PrincipalExecutionSessions []*PrincipalSession `json:"principal_execution_sessions,omitempty"`
}

// PrincipalSession records one Principal execution session.
type PrincipalSession struct {
	SessionID         string     `json:"session_id"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// NewTeamState returns an empty ledger for a new run.
func NewTeamState(question string) *TeamState {
	return &TeamState{
		Question:         question,
		WorkModules:      make(map[string]*WorkModule),
		WorkModuleNextID: 1,
	}
}

// NextModuleID allocates the next WM_<n> module id. Callers must hold the
// run lock.
func (ts *TeamState) NextModuleID() string {
	id := fmt.Sprintf("WM_%d", ts.WorkModuleNextID)
	ts.WorkModuleNextID++
	return id
}

// FindTurn returns the turn with the given id, or nil.
func (ts *TeamState) FindTurn(turnID string) *Turn {
	for _, t := range ts.Turns {
		if t.TurnID == turnID {
			return t
		}
	}
	return nil
}
