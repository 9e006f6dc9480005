// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "time"

// ModuleStatus is the lifecycle state of a work module.
type ModuleStatus string

const (
	ModulePending       ModuleStatus = "pending"
	ModuleInProgress    ModuleStatus = "in_progress"
	ModuleOngoing       ModuleStatus = "ongoing"
	ModulePendingReview ModuleStatus = "pending_review"
	ModuleCompleted     ModuleStatus = "completed"
	ModuleDeprecated    ModuleStatus = "deprecated"
)

// DispatchableStatuses are the module states a Dispatcher accepts.
var DispatchableStatuses = []ModuleStatus{ModulePending, ModulePendingReview}

// IsDispatchable reports whether a module in this state may be assigned.
func (s ModuleStatus) IsDispatchable() bool {
	return s == ModulePending || s == ModulePendingReview
}

// AssigneeOutcome describes how one assignment ended.
type AssigneeOutcome string

const (
	OutcomeRunning   AssigneeOutcome = "running"
	OutcomeSuccess   AssigneeOutcome = "success"
	OutcomeError     AssigneeOutcome = "error"
	OutcomeCancelled AssigneeOutcome = "cancelled"
)

// AssigneeRecord is one entry in a module's assignment history.
type AssigneeRecord struct {
	DispatchID string          `json:"dispatch_id"`
	AgentID    string          `json:"agent_id"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Outcome    AssigneeOutcome `json:"outcome"`
}

// ContextArchiveEntry preserves an Associate's full message history and
// deliverables after its flow ends.
type ContextArchiveEntry struct {
	DispatchID   string         `json:"dispatch_id"`
	AgentID      string         `json:"agent_id"`
	ArchivedAt   time.Time      `json:"archived_at"`
	Messages     []Message      `json:"messages"`
	Deliverables map[string]any `json:"deliverables,omitempty"`
}

// ReviewInfo is populated when an Associate finishes and the module moves
// to pending_review.
type ReviewInfo struct {
	Trigger      string    `json:"trigger"`
	Message      string    `json:"message,omitempty"`
	ErrorDetails string    `json:"error_details,omitempty"`
	ReviewedAt   time.Time `json:"reviewed_at"`
}

// WorkModule is a delegatable unit of work on the shared plan.
type WorkModule struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	Notes           string                `json:"notes,omitempty"`
	Status          ModuleStatus          `json:"status"`
	AssigneeHistory []AssigneeRecord      `json:"assignee_history,omitempty"`
	ContextArchive  []ContextArchiveEntry `json:"context_archive,omitempty"`
	ReviewInfo      *ReviewInfo           `json:"review_info,omitempty"`
}

// RunningAssignee returns the index of the assignment currently running,
// or -1. At most one assignee may be running at a time.
func (m *WorkModule) RunningAssignee() int {
	for i := range m.AssigneeHistory {
		if m.AssigneeHistory[i].Outcome == OutcomeRunning {
			return i
		}
	}
	return -1
}

// Dispatch history statuses.
const (
	DispatchLaunching = "LAUNCHING"
	DispatchCompleted = "COMPLETED"
	DispatchFailed    = "FAILED"
	DispatchCancelled = "CANCELLED"
)

// DispatchRecord is one audit entry for an Associate launch.
type DispatchRecord struct {
	DispatchID     string     `json:"dispatch_id"`
	ModuleID       string     `json:"module_id"`
	AssociateID    string     `json:"associate_id"`
	ProfileName    string     `json:"profile_name"`
	RoleName       string     `json:"role_name,omitempty"`
	ToolCallID     string     `json:"tool_call_id,omitempty"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FailureDetails string     `json:"failure_details,omitempty"`
}

// Overall dispatch batch statuses per the dispatcher truth table.
const (
	DispatchOverallSuccess       = "SUCCESS"
	DispatchOverallPartial       = "PARTIAL_SUCCESS_MIXED_RESULTS"
	DispatchOverallTotalFailure  = "TOTAL_FAILURE"
	DispatchOverallNoAssignments = "NO_ASSIGNMENTS_REQUESTED"
)
