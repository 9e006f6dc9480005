// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package dispatch implements the parallel fan-out primitive: the
// dispatch_submodules tool validates work-module assignments, launches one
// Associate sub-flow per assignment and folds the results back into a
// single aggregation turn on the Principal's flow.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ToolName is the registry name of the dispatch tool.
const ToolName = "dispatch_submodules"

// ProtocolPrincipalToAssociate is the handover protocol merged into the
// dispatch tool's per-assignment schema.
const ProtocolPrincipalToAssociate = profile.ProtocolPrincipalToAssociate

// ToolsetDispatch groups the dispatch tool for access policies.
const ToolsetDispatch = "dispatch"

// Per-assignment execution statuses reported to the Principal.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Dispatcher runs Associate sub-flows for a Principal's dispatch call.
type Dispatcher struct {
	services *agent.Services
	logger   *zap.Logger
}

// New creates a dispatcher backed by the shared agent services.
func New(services *agent.Services, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{services: services, logger: logger}
}

// Register installs dispatch_submodules. The handover protocol's context
// parameters are merged into the per-assignment items schema at
// registration, so module_id and instructions surface to the LLM without
// being repeated here.
func (d *Dispatcher) Register(r *tools.Registry) error {
	return r.Register(&tools.Definition{
		Name: ToolName,
		Description: "Launch one Associate agent per assignment, in parallel. " +
			"Each assignment binds a staffable agent profile to a dispatchable work module.",
		Params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"assignments": map[string]any{
					"type":        "array",
					"description": "Work module assignments to execute concurrently.",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"agent_profile_logical_name": map[string]any{
								"type":        "string",
								"description": "Name of the Associate profile to staff.",
							},
							"assigned_role_name": map[string]any{
								"type":        "string",
								"description": "Human-readable role label for this assignment.",
							},
						},
						"required": []any{"agent_profile_logical_name"},
					},
				},
			},
			"required": []any{"assignments"},
		},
		Toolset:          ToolsetDispatch,
		HandoverProtocol: ProtocolPrincipalToAssociate,
		Handler:          tools.HandlerFunc(d.execute),
	})
}

// assignment is one parsed entry of the assignments array.
type assignment struct {
	ProfileName string
	RoleName    string
	ModuleID    string
	Params      map[string]any
}

// prepFailure records one assignment rejected during the prepare phase.
type prepFailure struct {
	ModuleID    string `json:"module_id,omitempty"`
	ProfileName string `json:"agent_profile_logical_name,omitempty"`
	Reason      string `json:"reason"`
}

// launchPackage is one validated, ready-to-run assignment.
type launchPackage struct {
	assignment
	Profile     *profile.AgentProfile
	AssociateID string
	DispatchID  string
}

// assignmentResult is the per-assignment outcome collected in post.
type assignmentResult struct {
	ModuleID        string         `json:"module_id"`
	AssociateID     string         `json:"associate_id"`
	ExecutionStatus string         `json:"execution_status"`
	Deliverables    map[string]any `json:"deliverables,omitempty"`
	ErrorDetails    string         `json:"error_details,omitempty"`
	LastTurnID      string         `json:"last_turn_id,omitempty"`
	NewMessages     int            `json:"new_messages_from_associate"`
}

func (d *Dispatcher) execute(ctx context.Context, params map[string]any, inv *tools.Invocation) (*types.ToolResultEnvelope, error) {
	principal := inv.Sub
	rc := principal.Run
	// Baton was already passed to the dispatch turn when the decider chose
	// this tool; Associates attach their first turn to it.
	dispatchTurnID := principal.State.LastTurnID

	assignments := parseAssignments(params)
	if len(assignments) == 0 {
		return types.NewToolSuccess(map[string]any{
			"overall_status": types.DispatchOverallNoAssignments,
			"results":        []assignmentResult{},
		}), nil
	}

	packages, failures := d.prepare(rc, assignments)
	if len(packages) == 0 {
		return types.NewToolSuccess(map[string]any{
			"overall_status":             types.DispatchOverallTotalFailure,
			"results":                    []assignmentResult{},
			"failed_preparation_details": failures,
		}), nil
	}

	results := make([]assignmentResult, len(packages))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, pkg := range packages {
		group.Go(func() error {
			results[i] = d.runAssignment(groupCtx, principal, pkg, inv.ToolCallID)
			return nil
		})
	}
	_ = group.Wait()

	return d.post(principal, dispatchTurnID, inv.ToolCallID, results, failures), nil
}

// parseAssignments extracts the assignment entries from validated params.
func parseAssignments(params map[string]any) []assignment {
	raw, _ := params["assignments"].([]any)
	out := make([]assignment, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		a := assignment{Params: m}
		a.ProfileName, _ = m["agent_profile_logical_name"].(string)
		a.RoleName, _ = m["assigned_role_name"].(string)
		a.ModuleID, _ = m["module_id"].(string)
		out = append(out, a)
	}
	return out
}

// prepare validates every assignment under the run lock. Failures never
// abort the batch; they are reported back per entry.
func (d *Dispatcher) prepare(rc *run.RunContext, assignments []assignment) ([]launchPackage, []prepFailure) {
	rc.Lock.Lock()
	defer rc.Lock.Unlock()

	var packages []launchPackage
	var failures []prepFailure
	seen := make(map[string]bool, len(assignments))

	for _, a := range assignments {
		fail := func(reason string) {
			failures = append(failures, prepFailure{
				ModuleID:    a.ModuleID,
				ProfileName: a.ProfileName,
				Reason:      reason,
			})
		}
		if a.ModuleID == "" {
			fail("assignment is missing module_id")
			continue
		}
		if seen[a.ModuleID] {
			fail("module appears more than once in this dispatch")
			continue
		}
		seen[a.ModuleID] = true

		module, ok := rc.Team.WorkModules[a.ModuleID]
		if !ok {
			fail(fmt.Sprintf("work module %s does not exist", a.ModuleID))
			continue
		}
		if !module.Status.IsDispatchable() {
			fail(fmt.Sprintf("work module %s is %s; only pending or pending_review modules can be dispatched", a.ModuleID, module.Status))
			continue
		}
		if module.RunningAssignee() >= 0 {
			fail(fmt.Sprintf("work module %s already has a running assignee", a.ModuleID))
			continue
		}
		prof, ok := rc.Config.Profile(a.ProfileName)
		if !ok || !prof.Usable() {
			fail(fmt.Sprintf("profile %q is not available", a.ProfileName))
			continue
		}
		if prof.Type != profile.TypeAssociate {
			fail(fmt.Sprintf("profile %q is a %s, not an associate", a.ProfileName, prof.Type))
			continue
		}

		packages = append(packages, launchPackage{
			assignment:  a,
			Profile:     prof,
			AssociateID: "associate-" + uuid.NewString()[:8],
			DispatchID:  uuid.NewString(),
		})
	}
	return packages, failures
}

// runAssignment executes one Associate sub-flow to termination and folds
// its outcome back onto the work module.
func (d *Dispatcher) runAssignment(ctx context.Context, principal *run.SubContext, pkg launchPackage, dispatchToolCallID string) assignmentResult {
	rc := principal.Run
	result := assignmentResult{ModuleID: pkg.ModuleID, AssociateID: pkg.AssociateID}

	rc.Lock.Lock()
	module := rc.Team.WorkModules[pkg.ModuleID]
	module.Status = types.ModuleOngoing
	module.AssigneeHistory = append(module.AssigneeHistory, types.AssigneeRecord{
		DispatchID: pkg.DispatchID,
		AgentID:    pkg.AssociateID,
		StartedAt:  time.Now().UTC(),
		Outcome:    types.OutcomeRunning,
	})
	rc.Team.DispatchHistory = append(rc.Team.DispatchHistory, &types.DispatchRecord{
		DispatchID:  pkg.DispatchID,
		ModuleID:    pkg.ModuleID,
		AssociateID: pkg.AssociateID,
		ProfileName: pkg.ProfileName,
		RoleName:    pkg.RoleName,
		ToolCallID:  dispatchToolCallID,
		Status:      types.DispatchLaunching,
		StartedAt:   time.Now().UTC(),
	})
	rc.Lock.Unlock()
	d.emitModuleUpdate(rc, pkg.AssociateID, pkg.ModuleID)

	briefing, err := d.services.Handover.Execute(ProtocolPrincipalToAssociate, pkg.Params, principal.Env())
	if err != nil {
		d.logger.Warn("handover failed for dispatch assignment",
			zap.String("module_id", pkg.ModuleID),
			zap.String("profile", pkg.ProfileName),
			zap.Error(err))
		result.ExecutionStatus = StatusError
		result.ErrorDetails = fmt.Sprintf("handover failed: %v", err)
		d.teardown(rc, pkg, nil, result)
		return result
	}

	sub := run.NewSubContext(rc, pkg.Profile, run.SubMeta{
		AgentID:            pkg.AssociateID,
		ModuleID:           pkg.ModuleID,
		ParentAgentID:      principal.Meta.AgentID,
		DispatchToolCallID: dispatchToolCallID,
	})
	sub.State.LastTurnID = principal.State.LastTurnID
	sub.PushInbox(briefing)
	rc.AddAssociate(sub)
	defer rc.RemoveAssociate(pkg.AssociateID)
	defer close(sub.Done)

	loop := agent.NewLoop(d.services, 0)
	outcome, err := loop.Run(ctx, sub)
	switch {
	case err != nil:
		result.ExecutionStatus = StatusError
		result.ErrorDetails = err.Error()
	case outcome.Termination == agent.TerminationCompleted:
		result.ExecutionStatus = StatusSuccess
	case outcome.Termination == agent.TerminationCancelled:
		result.ExecutionStatus = StatusCancelled
		result.ErrorDetails = "assignment was cancelled"
	default:
		result.ExecutionStatus = StatusError
		result.ErrorDetails = outcome.Reason
	}
	result.LastTurnID = sub.State.LastTurnID
	result.NewMessages = len(sub.State.Messages)
	result.Deliverables = copyMap(sub.State.Deliverables)

	d.teardown(rc, pkg, sub, result)
	d.emitModuleUpdate(rc, pkg.AssociateID, pkg.ModuleID)
	return result
}

// teardown archives the Associate's transcript and moves the module to
// pending_review, whatever the outcome.
func (d *Dispatcher) teardown(rc *run.RunContext, pkg launchPackage, sub *run.SubContext, result assignmentResult) {
	now := time.Now().UTC()
	rc.Lock.Lock()
	defer rc.Lock.Unlock()

	module := rc.Team.WorkModules[pkg.ModuleID]
	if sub != nil {
		messages := make([]types.Message, len(sub.State.Messages))
		copy(messages, sub.State.Messages)
		module.ContextArchive = append(module.ContextArchive, types.ContextArchiveEntry{
			DispatchID:   pkg.DispatchID,
			AgentID:      pkg.AssociateID,
			ArchivedAt:   now,
			Messages:     messages,
			Deliverables: copyMap(sub.State.Deliverables),
		})
	}

	for i := range module.AssigneeHistory {
		rec := &module.AssigneeHistory[i]
		if rec.DispatchID != pkg.DispatchID {
			continue
		}
		rec.EndedAt = &now
		rec.Outcome = assigneeOutcome(result.ExecutionStatus)
	}
	module.Status = types.ModulePendingReview
	module.ReviewInfo = &types.ReviewInfo{
		Trigger:      reviewTrigger(result.ExecutionStatus),
		Message:      reviewMessage(result),
		ErrorDetails: result.ErrorDetails,
		ReviewedAt:   now,
	}

	for _, rec := range rc.Team.DispatchHistory {
		if rec.DispatchID != pkg.DispatchID {
			continue
		}
		rec.EndedAt = &now
		rec.FailureDetails = result.ErrorDetails
		switch result.ExecutionStatus {
		case StatusSuccess:
			rec.Status = types.DispatchCompleted
		case StatusCancelled:
			rec.Status = types.DispatchCancelled
		default:
			rec.Status = types.DispatchFailed
		}
	}
}

// post computes the overall status, creates the aggregation turn and builds
// the envelope injected back on the Principal.
func (d *Dispatcher) post(principal *run.SubContext, dispatchTurnID, dispatchToolCallID string, results []assignmentResult, failures []prepFailure) *types.ToolResultEnvelope {
	rc := principal.Run
	launched := len(results)
	successful := 0
	for _, r := range results {
		if r.ExecutionStatus == StatusSuccess {
			successful++
		}
	}

	overall := types.DispatchOverallPartial
	switch {
	case launched == 0 && len(failures) == 0:
		overall = types.DispatchOverallNoAssignments
	case launched == 0:
		overall = types.DispatchOverallTotalFailure
	case successful == launched && len(failures) == 0:
		overall = types.DispatchOverallSuccess
	case successful == 0:
		overall = types.DispatchOverallTotalFailure
	}

	payload := map[string]any{
		"overall_status": overall,
		"results":        results,
	}
	if len(failures) > 0 {
		payload["failed_preparation_details"] = failures
	}

	if launched > 0 {
		summary := fmt.Sprintf("%d/%d assignments succeeded", successful, launched)
		sourceTurnIDs := make([]string, 0, launched)
		for _, r := range results {
			id := r.LastTurnID
			if id == "" {
				// The assignee never took a turn (handover failed); the
				// dispatch turn stands in so the fan-in covers every
				// launched assignment.
				id = dispatchTurnID
			}
			sourceTurnIDs = append(sourceTurnIDs, id)
		}
		agg := rc.Runtime.Ledger.CreateAggregationTurn(
			principal.AgentInfo(), dispatchTurnID, sourceTurnIDs, dispatchToolCallID, summary)
		// The aggregation turn becomes the Principal's baton so the
		// post-dispatch continuation fans back in.
		principal.State.LastTurnID = agg.TurnID
		payload["aggregation_turn_id"] = agg.TurnID
	}

	if overall == types.DispatchOverallTotalFailure {
		return &types.ToolResultEnvelope{Status: types.ToolStatusError, Payload: payload}
	}
	return types.NewToolSuccess(payload)
}

func (d *Dispatcher) emitModuleUpdate(rc *run.RunContext, agentID, moduleID string) {
	rc.Runtime.Emitter.EmitType(events.TypeWorkModuleUpdate, rc.Meta.RunID, agentID, map[string]any{
		"module_id": moduleID,
	})
}

func reviewTrigger(status string) string {
	switch status {
	case StatusSuccess:
		return "associate_completed"
	case StatusCancelled:
		return "associate_cancelled"
	}
	return "associate_failed"
}

func assigneeOutcome(status string) types.AssigneeOutcome {
	switch status {
	case StatusSuccess:
		return types.OutcomeSuccess
	case StatusCancelled:
		return types.OutcomeCancelled
	}
	return types.OutcomeError
}

func reviewMessage(result assignmentResult) string {
	if summary, ok := result.Deliverables["completion_summary"].(string); ok && summary != "" {
		return summary
	}
	if result.ExecutionStatus == StatusSuccess {
		return "associate finished without a completion summary"
	}
	return ""
}

func copyMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
