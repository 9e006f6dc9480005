// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package views derives read-only UI projections from the shared team
// state: the causal flow graph, a chronological timeline and the work
// module kanban board. Views are computed on demand and pushed over the
// event bus after every turn.
package views

import (
	"sort"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/types"
)

// FlowNode is one turn on the causal graph.
type FlowNode struct {
	TurnID    string           `json:"turn_id"`
	FlowID    string           `json:"flow_id"`
	AgentID   string           `json:"agent_id"`
	AgentType string           `json:"agent_type,omitempty"`
	TurnType  types.TurnType   `json:"turn_type"`
	Status    types.TurnStatus `json:"status"`
	Label     string           `json:"label"`
	StartTime time.Time        `json:"start_time"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
}

// FlowEdge is one causal link between turns.
type FlowEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FlowView is the full causal graph of a run.
type FlowView struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

// TimelineEntry is one row of the chronological view.
type TimelineEntry struct {
	TurnID    string           `json:"turn_id"`
	AgentID   string           `json:"agent_id"`
	TurnType  types.TurnType   `json:"turn_type"`
	Status    types.TurnStatus `json:"status"`
	StartTime time.Time        `json:"start_time"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	Tools     []string         `json:"tools,omitempty"`
	Action    string           `json:"next_action,omitempty"`
}

// TimelineView lists turns in start order.
type TimelineView struct {
	Entries []TimelineEntry `json:"entries"`
}

// KanbanCard is one work module on the board.
type KanbanCard struct {
	ModuleID    string `json:"module_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Attempts    int    `json:"attempts"`
}

// KanbanView groups work modules by status column.
type KanbanView struct {
	Columns map[string][]KanbanCard `json:"columns"`
}

// BuildFlowView projects the turn ledger onto a node/edge graph. Edges
// follow source_turn_ids, so aggregation turns fan in naturally.
func BuildFlowView(team *types.TeamState) *FlowView {
	view := &FlowView{}
	known := make(map[string]bool, len(team.Turns))
	for _, turn := range team.Turns {
		known[turn.TurnID] = true
	}
	for _, turn := range team.Turns {
		view.Nodes = append(view.Nodes, FlowNode{
			TurnID:    turn.TurnID,
			FlowID:    turn.FlowID,
			AgentID:   turn.AgentInfo.AgentID,
			AgentType: turn.AgentInfo.AgentType,
			TurnType:  turn.TurnType,
			Status:    turn.Status,
			Label:     turnLabel(turn),
			StartTime: turn.StartTime,
			EndTime:   turn.EndTime,
		})
		for _, src := range turn.SourceTurnIDs {
			if !known[src] {
				continue
			}
			view.Edges = append(view.Edges, FlowEdge{From: src, To: turn.TurnID})
		}
	}
	return view
}

// turnLabel picks a short human label for a node.
func turnLabel(turn *types.Turn) string {
	switch turn.TurnType {
	case types.TurnTypeUser:
		return "user"
	case types.TurnTypeRestartDelimiter:
		return "restart"
	case types.TurnTypeAggregation:
		return "dispatch results"
	}
	if len(turn.ToolInteractions) > 0 {
		return turn.ToolInteractions[len(turn.ToolInteractions)-1].ToolName
	}
	if turn.Outputs.NextAction != "" {
		return turn.Outputs.NextAction
	}
	return string(turn.TurnType)
}

// BuildTimelineView lists turns sorted by start time, oldest first.
func BuildTimelineView(team *types.TeamState) *TimelineView {
	view := &TimelineView{Entries: make([]TimelineEntry, 0, len(team.Turns))}
	for _, turn := range team.Turns {
		entry := TimelineEntry{
			TurnID:    turn.TurnID,
			AgentID:   turn.AgentInfo.AgentID,
			TurnType:  turn.TurnType,
			Status:    turn.Status,
			StartTime: turn.StartTime,
			EndTime:   turn.EndTime,
			Action:    turn.Outputs.NextAction,
		}
		for _, ti := range turn.ToolInteractions {
			entry.Tools = append(entry.Tools, ti.ToolName)
		}
		view.Entries = append(view.Entries, entry)
	}
	sort.SliceStable(view.Entries, func(i, j int) bool {
		return view.Entries[i].StartTime.Before(view.Entries[j].StartTime)
	})
	return view
}

// BuildKanbanView groups the work modules into status columns, sorted by
// module id within each column.
func BuildKanbanView(team *types.TeamState) *KanbanView {
	view := &KanbanView{Columns: make(map[string][]KanbanCard)}
	ids := make([]string, 0, len(team.WorkModules))
	for id := range team.WorkModules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		module := team.WorkModules[id]
		card := KanbanCard{
			ModuleID:    module.ID,
			Name:        module.Name,
			Description: module.Description,
			Attempts:    len(module.AssigneeHistory),
		}
		if i := module.RunningAssignee(); i >= 0 {
			card.Assignee = module.AssigneeHistory[i].AgentID
		}
		status := string(module.Status)
		view.Columns[status] = append(view.Columns[status], card)
	}
	return view
}

// Publish recomputes all three views under the run lock and emits one
// view_model_update event per view.
func Publish(emitter *events.Emitter, runID string, team *types.TeamState, lock *sync.Mutex) {
	if emitter == nil || team == nil {
		return
	}
	lock.Lock()
	flow := BuildFlowView(team)
	timeline := BuildTimelineView(team)
	kanban := BuildKanbanView(team)
	lock.Unlock()

	emitter.EmitType(events.TypeViewModelUpdate, runID, "", map[string]any{
		"view": events.ViewFlow, "model": flow,
	})
	emitter.EmitType(events.TypeViewModelUpdate, runID, "", map[string]any{
		"view": events.ViewTimeline, "model": timeline,
	})
	emitter.EmitType(events.TypeViewModelUpdate, runID, "", map[string]any{
		"view": events.ViewKanban, "model": kanban,
	})
}
