// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package persistence

import (
	"context"
	"sync"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/run"
	"go.uber.org/zap"
)

// Namer proposes a human-readable slug for a run's snapshot files. The
// default store slug is used until a namer answers.
type Namer interface {
	ProposeSlug(ctx context.Context, question string) (string, error)
}

// Hook subscribes to turn_completed events and snapshots the owning run.
// Saves per run are coalesced: while one save is in flight, further events
// only mark the run dirty and a single follow-up save runs afterwards.
type Hook struct {
	store   *Store
	resolve func(runID string) (*run.RunContext, bool)
	namer   Namer
	logger  *zap.Logger

	mu     sync.Mutex
	savers map[string]*saver
	named  map[string]bool
}

type saver struct {
	mu     sync.Mutex
	saving bool
	dirty  bool
}

// NewHook creates a persistence hook. resolve maps a run id to its live
// context; namer may be nil.
func NewHook(store *Store, resolve func(runID string) (*run.RunContext, bool), namer Namer, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		store:   store,
		resolve: resolve,
		namer:   namer,
		logger:  logger,
		savers:  make(map[string]*saver),
		named:   make(map[string]bool),
	}
}

// Attach subscribes the hook to an emitter; the returned func detaches it.
func (h *Hook) Attach(emitter *events.Emitter) func() {
	return emitter.OnEvent(func(event events.Event) {
		if event.Type != events.TypeTurnCompleted || event.RunID == "" {
			return
		}
		// Handlers must not block; persistence runs off the loop goroutine.
		go h.persist(event.RunID)
	})
}

func (h *Hook) saverFor(runID string) *saver {
	h.mu.Lock()
	defer h.mu.Unlock()
	sv, ok := h.savers[runID]
	if !ok {
		sv = &saver{}
		h.savers[runID] = sv
	}
	return sv
}

// persist snapshots a run, coalescing bursts of turn completions. Failures
// are logged and retried on the next turn.
func (h *Hook) persist(runID string) {
	sv := h.saverFor(runID)
	sv.mu.Lock()
	sv.dirty = true
	if sv.saving {
		sv.mu.Unlock()
		return
	}
	sv.saving = true
	sv.mu.Unlock()

	for {
		sv.mu.Lock()
		if !sv.dirty {
			sv.saving = false
			sv.mu.Unlock()
			return
		}
		sv.dirty = false
		sv.mu.Unlock()

		h.save(runID)
	}
}

func (h *Hook) save(runID string) {
	rc, ok := h.resolve(runID)
	if !ok {
		return
	}
	h.maybeScheduleNaming(rc)
	if err := h.store.SaveSnapshot(rc); err != nil {
		h.logger.Warn("run snapshot failed",
			zap.String("run_id", runID),
			zap.Error(err))
		return
	}
	rc.Runtime.Emitter.EmitType(events.TypeProjectStructure, runID, "", map[string]any{
		"project_id": rc.Meta.ProjectID,
	})
}

// maybeScheduleNaming runs the intelligent-naming pass once per run.
func (h *Hook) maybeScheduleNaming(rc *run.RunContext) {
	if h.namer == nil {
		return
	}
	h.mu.Lock()
	if h.named[rc.Meta.RunID] {
		h.mu.Unlock()
		return
	}
	h.named[rc.Meta.RunID] = true
	h.mu.Unlock()

	go func() {
		slug, err := h.namer.ProposeSlug(context.Background(), rc.Team.Question)
		if err != nil || slug == "" {
			h.logger.Debug("run naming skipped",
				zap.String("run_id", rc.Meta.RunID),
				zap.Error(err))
			return
		}
		if err := h.store.Rename(rc.Meta.RunID, rc.Meta.ProjectID, slug); err != nil {
			h.logger.Warn("run rename failed",
				zap.String("run_id", rc.Meta.RunID),
				zap.Error(err))
		}
	}()
}
