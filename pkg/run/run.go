// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package run holds the in-memory context of one orchestration run: the
// shared team state, the per-agent sub-contexts, and the process singletons
// every agent borrows. Serializable state and runtime-only objects are kept
// strictly apart so a run can be snapshotted and restored.
package run

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/kb"
	"github.com/atelier-ai/atelier/pkg/ledger"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run types.
const (
	RunTypePartnerInteraction = "partner_interaction"
	RunTypePrincipalDirect    = "principal_direct"
)

// Run statuses.
const (
	RunStatusCreated   = "created"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusError     = "error"
)

// Meta is the serializable identity of a run.
type Meta struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id,omitempty"`
	RunType   string    `json:"run_type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ExternalSession is one live connection to an external tool server.
type ExternalSession interface {
	// Call invokes a remote tool and returns its raw result payload.
	Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
	// Ping verifies liveness before reuse.
	Ping(ctx context.Context) error
	Close() error
}

// ExternalSessionPool hands out healthy external-tool sessions.
type ExternalSessionPool interface {
	Acquire(ctx context.Context, server string) (ExternalSession, error)
	Release(server string, s ExternalSession)
	Close() error
}

// Runtime bundles the non-serializable per-run singletons. It is rebuilt
// from scratch on restore.
type Runtime struct {
	Emitter  *events.Emitter
	KB       *kb.KnowledgeBase
	Ledger   *ledger.Manager
	Tokens   *TokenUsage
	Sessions ExternalSessionPool
	Logger   *zap.Logger
}

// RunContext is the root object of one run.
type RunContext struct {
	Meta   Meta              `json:"meta"`
	Config *profile.Snapshot `json:"config"`
	Team   *types.TeamState  `json:"team_state"`

	// Lock serializes all team-state writes. The ledger manager shares it.
	Lock sync.Mutex `json:"-"`

	Runtime *Runtime `json:"-"`

	mu         sync.RWMutex
	partner    *SubContext
	principal  *SubContext
	associates map[string]*SubContext
}

// Options configures run creation.
type Options struct {
	ProjectID string
	RunType   string
	Question  string
	Catalog   *profile.Snapshot
	Emitter   *events.Emitter
	Sessions  ExternalSessionPool
	Logger    *zap.Logger
}

// New creates a run with a fresh team state and knowledge base. The catalog
// snapshot is frozen into the run; later catalog edits do not affect it.
func New(opts Options) *RunContext {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runType := opts.RunType
	if runType == "" {
		runType = RunTypePartnerInteraction
	}
	rc := &RunContext{
		Meta: Meta{
			RunID:     uuid.NewString(),
			ProjectID: opts.ProjectID,
			RunType:   runType,
			Status:    RunStatusCreated,
			CreatedAt: time.Now().UTC(),
		},
		Config:     opts.Catalog,
		Team:       types.NewTeamState(opts.Question),
		associates: make(map[string]*SubContext),
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(logger)
	}
	rc.Runtime = &Runtime{
		Emitter:  emitter,
		KB:       kb.New(rc.Meta.RunID, logger),
		Ledger:   ledger.NewManager(rc.Meta.RunID, rc.Team, &rc.Lock, logger),
		Tokens:   &TokenUsage{},
		Sessions: opts.Sessions,
		Logger:   logger.With(zap.String("run_id", rc.Meta.RunID)),
	}
	return rc
}

// Restored rebuilds a run context from snapshotted parts. The caller
// attaches runtime singletons and sub-contexts afterwards.
func Restored(meta Meta, config *profile.Snapshot, team *types.TeamState) *RunContext {
	if team == nil {
		team = types.NewTeamState("")
	}
	return &RunContext{
		Meta:       meta,
		Config:     config,
		Team:       team,
		associates: make(map[string]*SubContext),
	}
}

// AttachRuntime rebuilds the runtime singletons after a restore.
func (rc *RunContext) AttachRuntime(emitter *events.Emitter, knowledge *kb.KnowledgeBase, sessions ExternalSessionPool, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.NewEmitter(logger)
	}
	if knowledge == nil {
		knowledge = kb.New(rc.Meta.RunID, logger)
	}
	rc.Runtime = &Runtime{
		Emitter:  emitter,
		KB:       knowledge,
		Ledger:   ledger.NewManager(rc.Meta.RunID, rc.Team, &rc.Lock, logger),
		Tokens:   &TokenUsage{},
		Sessions: sessions,
		Logger:   logger.With(zap.String("run_id", rc.Meta.RunID)),
	}
	if rc.associates == nil {
		rc.associates = make(map[string]*SubContext)
	}
}

// Partner returns the partner sub-context, or nil.
func (rc *RunContext) Partner() *SubContext {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.partner
}

// Principal returns the principal sub-context, or nil.
func (rc *RunContext) Principal() *SubContext {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.principal
}

// SetPartner installs the partner sub-context.
func (rc *RunContext) SetPartner(sub *SubContext) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.partner = sub
}

// SetPrincipal installs (or clears) the principal sub-context.
func (rc *RunContext) SetPrincipal(sub *SubContext) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.principal = sub
}

// AddAssociate registers a live associate sub-context by agent id.
func (rc *RunContext) AddAssociate(sub *SubContext) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.associates[sub.Meta.AgentID] = sub
}

// RemoveAssociate drops a finished associate sub-context.
func (rc *RunContext) RemoveAssociate(agentID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.associates, agentID)
}

// Associates returns a snapshot of the live associate sub-contexts.
func (rc *RunContext) Associates() []*SubContext {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]*SubContext, 0, len(rc.associates))
	for _, sub := range rc.associates {
		out = append(out, sub)
	}
	return out
}

// SetStatus updates the run status.
func (rc *RunContext) SetStatus(status string) {
	rc.Lock.Lock()
	rc.Meta.Status = status
	rc.Lock.Unlock()
}
