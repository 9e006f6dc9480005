// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package run

import (
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/google/uuid"
)

// SubMeta is the serializable identity of one agent within a run.
type SubMeta struct {
	RunID              string `json:"run_id"`
	AgentID            string `json:"agent_id"`
	AgentType          string `json:"agent_type"`
	ProfileName        string `json:"profile_name"`
	ProfileInstanceID  string `json:"profile_instance_id,omitempty"`
	ParentAgentID      string `json:"parent_agent_id,omitempty"`
	ModuleID           string `json:"module_id,omitempty"`
	DispatchToolCallID string `json:"dispatch_tool_call_id,omitempty"`
}

// State is the private, serializable working memory of one agent.
type State struct {
	Messages          []types.Message   `json:"messages"`
	Inbox             []types.InboxItem `json:"inbox"`
	Flags             map[string]any    `json:"flags"`
	InitialParameters map[string]any    `json:"initial_params"`
	Deliverables      map[string]any    `json:"deliverables"`
	Scratchpad        map[string]any    `json:"scratchpad"`
	CurrentAction     *types.ToolCall   `json:"current_action,omitempty"`
	CurrentTurnID     string            `json:"current_turn_id,omitempty"`
	LastTurnID        string            `json:"last_turn_id,omitempty"`
	IterationCount    int               `json:"iteration_count"`

	// ArchivedSessions holds transcripts displaced by a soft restart with
	// context continuation.
	ArchivedSessions [][]types.Message `json:"archived_sessions,omitempty"`
}

// NewState returns an empty agent state with all maps allocated.
func NewState() *State {
	return &State{
		Flags:             make(map[string]any),
		InitialParameters: make(map[string]any),
		Deliverables:      make(map[string]any),
		Scratchpad:        make(map[string]any),
	}
}

// SubContext binds one agent's state to its profile and the owning run.
type SubContext struct {
	Meta    SubMeta               `json:"meta"`
	Profile *profile.AgentProfile `json:"-"`
	State   *State                `json:"state"`
	Run     *RunContext           `json:"-"`

	// UserInput is signalled when new user input lands in the inbox while
	// the loop is parked on await_user_input.
	UserInput chan struct{} `json:"-"`

	// Done is closed when the agent's flow finishes, whatever the outcome.
	Done chan struct{} `json:"-"`

	// inboxMu guards State.Inbox. It is a leaf lock: producers push from
	// outside the agent goroutine while the loop drains, and neither side
	// holds it across any other lock.
	inboxMu sync.Mutex
}

// NewSubContext creates an agent sub-context bound to a run.
func NewSubContext(rc *RunContext, prof *profile.AgentProfile, meta SubMeta) *SubContext {
	if meta.AgentID == "" {
		meta.AgentID = prof.Type + "-" + uuid.NewString()[:8]
	}
	meta.RunID = rc.Meta.RunID
	if meta.AgentType == "" {
		meta.AgentType = prof.Type
	}
	if meta.ProfileName == "" {
		meta.ProfileName = prof.Name
	}
	return &SubContext{
		Meta:      meta,
		Profile:   prof,
		State:     NewState(),
		Run:       rc,
		UserInput: make(chan struct{}, 1),
		Done:      make(chan struct{}),
	}
}

// AgentInfo returns the ledger identity for this agent.
func (sc *SubContext) AgentInfo() types.AgentInfo {
	return types.AgentInfo{
		AgentID:         sc.Meta.AgentID,
		AgentType:       sc.Meta.AgentType,
		ProfileName:     sc.Meta.ProfileName,
		ProfileInstance: sc.Meta.ProfileInstanceID,
	}
}

// ArchiveMessages moves the current transcript into the archive and clears
// the working message list. Used by soft restarts that continue from the
// previous session.
func (sc *SubContext) ArchiveMessages() {
	if len(sc.State.Messages) == 0 {
		return
	}
	archived := make([]types.Message, len(sc.State.Messages))
	copy(archived, sc.State.Messages)
	sc.State.ArchivedSessions = append(sc.State.ArchivedSessions, archived)
	sc.State.Messages = nil
}

// SignalUserInput wakes a loop parked on await_user_input. Non-blocking.
func (sc *SubContext) SignalUserInput() {
	select {
	case sc.UserInput <- struct{}{}:
	default:
	}
}

// PushInbox appends an item to the agent's inbox, stamping metadata
// defaults. Safe to call from any goroutine.
func (sc *SubContext) PushInbox(item types.InboxItem) {
	if item.ItemID == "" {
		item.ItemID = uuid.NewString()
	}
	if item.ConsumptionPolicy == "" {
		item.ConsumptionPolicy = types.ConsumeOnRead
	}
	if item.Metadata.CreatedAt.IsZero() {
		item.Metadata.CreatedAt = time.Now().UTC()
	}
	sc.inboxMu.Lock()
	sc.State.Inbox = append(sc.State.Inbox, item)
	sc.inboxMu.Unlock()
}

// DrainInbox removes and returns every queued item. The inbox processor
// works on the snapshot and requeues survivors, so items pushed while a
// pass runs are seen on the next one.
func (sc *SubContext) DrainInbox() []types.InboxItem {
	sc.inboxMu.Lock()
	defer sc.inboxMu.Unlock()
	items := sc.State.Inbox
	sc.State.Inbox = nil
	return items
}

// RequeueInbox puts retained items back at the front of the inbox, ahead
// of anything pushed since the drain.
func (sc *SubContext) RequeueInbox(items []types.InboxItem) {
	if len(items) == 0 {
		return
	}
	sc.inboxMu.Lock()
	sc.State.Inbox = append(items, sc.State.Inbox...)
	sc.inboxMu.Unlock()
}

// InboxItems returns a copy of the queued items for read-only inspection.
func (sc *SubContext) InboxItems() []types.InboxItem {
	sc.inboxMu.Lock()
	defer sc.inboxMu.Unlock()
	items := make([]types.InboxItem, len(sc.State.Inbox))
	copy(items, sc.State.Inbox)
	return items
}
