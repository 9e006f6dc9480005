// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package orchestration manages run lifecycles and the three agent flows:
// the long-lived Partner conversation, Principal execution sessions and
// Associate sub-flows launched by the dispatcher. It owns the
// launch_principal tool and the Principal post-task callback.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/kb"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// ProtocolPartnerToPrincipal is the handover protocol backing a fresh
// Principal launch.
const ProtocolPartnerToPrincipal = profile.ProtocolPartnerToPrincipal

// Orchestrator creates runs and supervises their agent flows.
type Orchestrator struct {
	catalog  *profile.Catalog
	services *agent.Services
	sessions run.ExternalSessionPool
	emitter  *events.Emitter
	logger   *zap.Logger

	mu   sync.Mutex
	runs map[string]*managedRun
}

// managedRun is the supervisor-side bookkeeping for one run.
type managedRun struct {
	rc *run.RunContext

	mu                 sync.Mutex
	cancelPrincipal    context.CancelFunc
	principalDone      chan struct{}
	principalCompleted chan struct{} // buffered wake-up for the Partner flow
	cancelPartner      context.CancelFunc
	partnerDone        chan struct{}
}

// Options configures an orchestrator.
type Options struct {
	Catalog  *profile.Catalog
	Services *agent.Services
	Sessions run.ExternalSessionPool
	Emitter  *events.Emitter
	Logger   *zap.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		catalog:  opts.Catalog,
		services: opts.Services,
		sessions: opts.Sessions,
		emitter:  opts.Emitter,
		logger:   logger,
		runs:     make(map[string]*managedRun),
	}
}

// CreateOptions configures a new run.
type CreateOptions struct {
	ProjectID string
	RunType   string
	Question  string

	// PartnerProfile / PrincipalProfile name the initial agent profile.
	PartnerProfile   string
	PrincipalProfile string

	// ProfileList overrides the staffable associate profiles for
	// principal_direct runs; partner_interaction runs enumerate every
	// available_for_staffing profile from the catalog.
	ProfileList []string
}

// CreateRun freezes the catalog into a new run and pre-creates the initial
// sub-context for its run type.
func (o *Orchestrator) CreateRun(opts CreateOptions) (*run.RunContext, error) {
	rc := run.New(run.Options{
		ProjectID: opts.ProjectID,
		RunType:   opts.RunType,
		Question:  opts.Question,
		Catalog:   o.catalog.Snapshot(),
		Emitter:   o.emitter,
		Sessions:  o.sessions,
		Logger:    o.logger,
	})

	staffing := opts.ProfileList
	if rc.Meta.RunType == run.RunTypePartnerInteraction {
		staffing = o.catalog.StaffableProfiles()
	}
	rc.Team.ProfilesListInstanceIDs = staffing

	switch rc.Meta.RunType {
	case run.RunTypePartnerInteraction:
		prof, ok := rc.Config.Profile(opts.PartnerProfile)
		if !ok || !prof.Usable() || prof.Type != profile.TypePartner {
			return nil, fmt.Errorf("partner profile %q is not usable", opts.PartnerProfile)
		}
		rc.SetPartner(run.NewSubContext(rc, prof, run.SubMeta{}))
	case run.RunTypePrincipalDirect:
		prof, ok := rc.Config.Profile(opts.PrincipalProfile)
		if !ok || !prof.Usable() || prof.Type != profile.TypePrincipal {
			return nil, fmt.Errorf("principal profile %q is not usable", opts.PrincipalProfile)
		}
		rc.SetPrincipal(run.NewSubContext(rc, prof, run.SubMeta{}))
	default:
		return nil, fmt.Errorf("unknown run type %q", rc.Meta.RunType)
	}

	mr := &managedRun{
		rc:                 rc,
		principalCompleted: make(chan struct{}, 1),
	}
	o.mu.Lock()
	o.runs[rc.Meta.RunID] = mr
	o.mu.Unlock()
	return rc, nil
}

// AdoptRun registers a restored run with the supervisor and rebuilds its
// runtime singletons around the restored knowledge base.
func (o *Orchestrator) AdoptRun(rc *run.RunContext, knowledge *kb.KnowledgeBase) {
	rc.AttachRuntime(o.emitter, knowledge, o.sessions, o.logger)
	o.rebindProfiles(rc)
	mr := &managedRun{
		rc:                 rc,
		principalCompleted: make(chan struct{}, 1),
	}
	o.mu.Lock()
	o.runs[rc.Meta.RunID] = mr
	o.mu.Unlock()
}

// rebindProfiles re-links restored sub-contexts to their frozen profiles.
func (o *Orchestrator) rebindProfiles(rc *run.RunContext) {
	for _, sub := range []*run.SubContext{rc.Partner(), rc.Principal()} {
		if sub == nil || sub.Profile != nil {
			continue
		}
		if prof, ok := rc.Config.Profile(sub.Meta.ProfileName); ok {
			sub.Profile = prof
		}
	}
}

// Run returns a managed run by id.
func (o *Orchestrator) Run(runID string) (*run.RunContext, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mr, ok := o.runs[runID]
	if !ok {
		return nil, false
	}
	return mr.rc, true
}

func (o *Orchestrator) managed(runID string) (*managedRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mr, ok := o.runs[runID]
	return mr, ok
}

// SubmitUserMessage places a user prompt on the Partner's inbox and wakes
// its flow.
func (o *Orchestrator) SubmitUserMessage(runID, text string) error {
	mr, ok := o.managed(runID)
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	partner := mr.rc.Partner()
	if partner == nil {
		return fmt.Errorf("run %s has no partner agent", runID)
	}
	mr.rc.Lock.Lock()
	partner.PushInbox(types.InboxItem{
		Source:  types.SourceUserPrompt,
		Payload: map[string]any{"content": text},
	})
	mr.rc.Lock.Unlock()
	partner.SignalUserInput()
	return nil
}

// StartPartner launches the long-lived Partner flow. Each agent-loop
// session parks on await_user_input inside the loop; when a session ends
// normally the supervisor waits for the next user input or Principal
// completion and starts another.
func (o *Orchestrator) StartPartner(ctx context.Context, runID string) error {
	mr, ok := o.managed(runID)
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	partner := mr.rc.Partner()
	if partner == nil {
		return fmt.Errorf("run %s has no partner agent", runID)
	}

	flowCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	mr.mu.Lock()
	if mr.partnerDone != nil {
		mr.mu.Unlock()
		cancel()
		return fmt.Errorf("run %s partner flow is already running", runID)
	}
	mr.cancelPartner = cancel
	mr.partnerDone = done
	mr.mu.Unlock()

	mr.rc.SetStatus(run.RunStatusRunning)
	go o.partnerFlow(flowCtx, mr, partner, done)
	return nil
}

func (o *Orchestrator) partnerFlow(ctx context.Context, mr *managedRun, partner *run.SubContext, done chan struct{}) {
	defer close(done)
	logger := o.logger.With(
		zap.String("run_id", mr.rc.Meta.RunID),
		zap.String("agent_id", partner.Meta.AgentID))

	for {
		outcome, err := agent.NewLoop(o.services, 0).Run(ctx, partner)
		if err != nil {
			logger.Error("partner flow failed", zap.Error(err))
			mr.rc.SetStatus(run.RunStatusError)
			return
		}
		if outcome.Termination == agent.TerminationCancelled || ctx.Err() != nil {
			return
		}
		logger.Info("partner session ended, awaiting next signal",
			zap.String("termination", outcome.Termination))

		select {
		case <-ctx.Done():
			return
		case <-partner.UserInput:
		case <-mr.principalCompleted:
		}
	}
}

// StopRun cancels every flow of a run.
func (o *Orchestrator) StopRun(runID string) {
	mr, ok := o.managed(runID)
	if !ok {
		return
	}
	mr.mu.Lock()
	cancelPartner := mr.cancelPartner
	cancelPrincipal := mr.cancelPrincipal
	partnerDone := mr.partnerDone
	principalDone := mr.principalDone
	mr.mu.Unlock()

	if cancelPrincipal != nil {
		cancelPrincipal()
	}
	if cancelPartner != nil {
		cancelPartner()
	}
	if principalDone != nil {
		<-principalDone
	}
	if partnerDone != nil {
		<-partnerDone
	}
}

// principalSummary extracts the completion fields reported to the Partner.
func principalSummary(principal *run.SubContext) (status, summary string, deliverables map[string]any) {
	status, _ = principal.State.Deliverables["completion_status"].(string)
	if status == "" {
		status, _ = principal.State.Deliverables["outcome"].(string)
	}
	summary, _ = principal.State.Deliverables["completion_summary"].(string)
	deliverables = make(map[string]any, len(principal.State.Deliverables))
	for k, v := range principal.State.Deliverables {
		deliverables[k] = v
	}
	return status, summary, deliverables
}

// newSessionID derives a readable session id from the wall clock.
func newSessionID() string {
	return "ps-" + time.Now().UTC().Format("20060102T150405.000")
}
