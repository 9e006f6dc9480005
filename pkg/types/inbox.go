// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "time"

// Inbox item sources. The vocabulary is open: unknown sources fall back to
// the default priority and the markdown ingestor.
const (
	SourceToolResult            = "TOOL_RESULT"
	SourceUserPrompt            = "USER_PROMPT"
	SourcePartnerDirective      = "PARTNER_DIRECTIVE"
	SourceInternalDirective     = "INTERNAL_DIRECTIVE"
	SourceAgentStartupBriefing  = "AGENT_STARTUP_BRIEFING"
	SourceObserverFailure       = "OBSERVER_FAILURE"
	SourceSelfReflectionPrompt  = "SELF_REFLECTION_PROMPT"
	SourcePrincipalCompleted    = "PRINCIPAL_COMPLETED"
	SourceWorkModulesUpdate     = "WORK_MODULES_STATUS_UPDATE"
	SourcePrincipalActivityPing = "PRINCIPAL_ACTIVITY_UPDATE"
)

// SourceDefaultPriority is the ingestion priority for unknown sources.
const SourceDefaultPriority = 99

// sourcePriorities orders inbox ingestion. Lower runs first: tool results
// are always fed before new user input so tool_call symmetry holds.
var sourcePriorities = map[string]int{
	SourceToolResult:            0,
	SourceObserverFailure:       5,
	SourceAgentStartupBriefing:  8,
	SourcePartnerDirective:      10,
	SourcePrincipalCompleted:    10,
	SourceInternalDirective:     15,
	SourceSelfReflectionPrompt:  20,
	SourceWorkModulesUpdate:     90,
	SourcePrincipalActivityPing: 90,
	SourceUserPrompt:            100,
}

// SourcePriority returns the ingestion priority for an inbox source.
// Unknown sources sort just below user prompts.
func SourcePriority(source string) int {
	if p, ok := sourcePriorities[source]; ok {
		return p
	}
	return SourceDefaultPriority
}

// ConsumptionPolicy controls an inbox item's lifetime.
type ConsumptionPolicy string

const (
	// ConsumeOnRead items are removed after one ingestion.
	ConsumeOnRead ConsumptionPolicy = "consume_on_read"

	// PersistentUntilConsumed items survive across turns until their TTL
	// expires or an ingestor consumes them explicitly.
	PersistentUntilConsumed ConsumptionPolicy = "persistent_until_consumed"
)

// InboxItemMetadata carries bookkeeping for TTL garbage collection and
// observer provenance.
type InboxItemMetadata struct {
	CreatedAt            time.Time `json:"created_at"`
	MaxTurnsInInbox      int       `json:"max_turns_in_inbox,omitempty"`
	TurnCountInInbox     int       `json:"turn_count_in_inbox,omitempty"`
	TriggeringObserverID string    `json:"triggering_observer_id,omitempty"`
}

// InboxItem is a typed event awaiting ingestion into the agent's next prompt.
type InboxItem struct {
	ItemID            string            `json:"item_id"`
	Source            string            `json:"source"`
	Payload           any               `json:"payload"`
	ConsumptionPolicy ConsumptionPolicy `json:"consumption_policy"`
	Metadata          InboxItemMetadata `json:"metadata"`
}

// ToolResultPayload is the canonical payload shape for TOOL_RESULT items.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	IsError    bool   `json:"is_error"`
	Result     any    `json:"result"`
}
