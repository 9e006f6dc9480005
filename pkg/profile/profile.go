// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package profile defines the declarative configuration surface: agent
// profiles, LLM configs, handover protocols and the external tool catalog.
// Profiles are resolved flat at load time; a lineage field records the
// inheritance chain for debugging.
package profile

// Agent profile types.
const (
	TypePartner   = "partner"
	TypePrincipal = "principal"
	TypeAssociate = "associate"
)

// Prompt segment types.
const (
	SegmentStaticText      = "static_text"
	SegmentStateValue      = "state_value"
	SegmentToolDescription = "tool_description"
)

// Injection modes for rendered inbox items.
const (
	InjectAppendAsNewMessage = "append_as_new_message"
	InjectPrependToRole      = "prepend_to_role"
)

// Observer action types.
const (
	ObserverAddToInbox  = "add_to_inbox"
	ObserverUpdateState = "update_state"
)

// Flow decider action types.
const (
	DecideContinueWithTool  = "continue_with_tool"
	DecideEndAgentTurn      = "end_agent_turn"
	DecideLoopWithInboxItem = "loop_with_inbox_item"
	DecideAwaitUserInput    = "await_user_input"
)

// PromptSegment is one profile-declared system prompt building block.
type PromptSegment struct {
	ID              string         `yaml:"id" json:"id"`
	Order           int            `yaml:"order" json:"order"`
	Type            string         `yaml:"type" json:"type"`
	Condition       string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	ContentKey      string         `yaml:"content_key,omitempty" json:"content_key,omitempty"`
	SourceStatePath string         `yaml:"source_state_path,omitempty" json:"source_state_path,omitempty"`
	IngestorID      string         `yaml:"ingestor_id,omitempty" json:"ingestor_id,omitempty"`
	IngestorParams  map[string]any `yaml:"ingestor_params,omitempty" json:"ingestor_params,omitempty"`
}

// StateUpdate is one update_state operation.
type StateUpdate struct {
	Operation string `yaml:"operation" json:"operation"` // set | increment
	Path      string `yaml:"path" json:"path"`
	Value     any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// InboxItemTemplate describes an inbox item an observer or decider injects.
// Payload may be a literal or a "{{ path }}" reference resolved at runtime.
type InboxItemTemplate struct {
	Source            string `yaml:"source" json:"source"`
	Payload           any    `yaml:"payload,omitempty" json:"payload,omitempty"`
	ConsumptionPolicy string `yaml:"consumption_policy,omitempty" json:"consumption_policy,omitempty"`
	MaxTurnsInInbox   int    `yaml:"max_turns_in_inbox,omitempty" json:"max_turns_in_inbox,omitempty"`
}

// ObserverAction is the effect of a matched observer rule.
type ObserverAction struct {
	Type         string             `yaml:"type" json:"type"`
	InboxItem    *InboxItemTemplate `yaml:"inbox_item,omitempty" json:"inbox_item,omitempty"`
	StateUpdates []StateUpdate      `yaml:"state_updates,omitempty" json:"state_updates,omitempty"`
}

// ObserverRule is one declarative pre/post-turn rule.
type ObserverRule struct {
	ID        string         `yaml:"id" json:"id"`
	Condition string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action    ObserverAction `yaml:"action" json:"action"`
}

// DeciderAction is the effect of a matched flow-decider rule.
type DeciderAction struct {
	Type         string             `yaml:"type" json:"type"`
	Outcome      string             `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	ErrorMessage string             `yaml:"error_message,omitempty" json:"error_message,omitempty"`
	InboxItem    *InboxItemTemplate `yaml:"inbox_item,omitempty" json:"inbox_item,omitempty"`
}

// DeciderRule is one ordered flow-decider entry; the first rule whose
// condition holds wins.
type DeciderRule struct {
	ID        string        `yaml:"id" json:"id"`
	Condition string        `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action    DeciderAction `yaml:"action" json:"action"`
}

// IngestionStrategy binds an inbox source to an ingestor and injection
// parameters.
type IngestionStrategy struct {
	Ingestor      string         `yaml:"ingestor" json:"ingestor"`
	InjectionMode string         `yaml:"injection_mode,omitempty" json:"injection_mode,omitempty"`
	Role          string         `yaml:"role,omitempty" json:"role,omitempty"`
	Persistent    bool           `yaml:"persistent,omitempty" json:"persistent,omitempty"`
	Params        map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ToolAccessPolicy declares the toolsets and individual tools a profile may
// use. The effective tool set is the union of both.
type ToolAccessPolicy struct {
	AllowedToolsets []string `yaml:"allowed_toolsets,omitempty" json:"allowed_toolsets,omitempty"`
	AllowedTools    []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
}

// SystemPromptConstruction groups the prompt segments.
type SystemPromptConstruction struct {
	SystemPromptSegments []PromptSegment `yaml:"system_prompt_segments" json:"system_prompt_segments"`
}

// AgentProfile is one fully-resolved agent definition.
type AgentProfile struct {
	Name                     string                       `yaml:"name" json:"name"`
	Type                     string                       `yaml:"type" json:"type"`
	LLMConfigRef             string                       `yaml:"llm_config_ref" json:"llm_config_ref"`
	SystemPromptConstruction SystemPromptConstruction     `yaml:"system_prompt_construction" json:"system_prompt_construction"`
	TextDefinitions          map[string]string            `yaml:"text_definitions,omitempty" json:"text_definitions,omitempty"`
	ToolAccessPolicy         ToolAccessPolicy             `yaml:"tool_access_policy,omitempty" json:"tool_access_policy,omitempty"`
	InboxHandlingStrategies  map[string]IngestionStrategy `yaml:"inbox_handling_strategies,omitempty" json:"inbox_handling_strategies,omitempty"`
	PreTurnObservers         []ObserverRule               `yaml:"pre_turn_observers,omitempty" json:"pre_turn_observers,omitempty"`
	PostTurnObservers        []ObserverRule               `yaml:"post_turn_observers,omitempty" json:"post_turn_observers,omitempty"`
	FlowDecider              []DeciderRule                `yaml:"flow_decider,omitempty" json:"flow_decider,omitempty"`
	AvailableForStaffing     bool                         `yaml:"available_for_staffing,omitempty" json:"available_for_staffing,omitempty"`
	IsActive                 bool                         `yaml:"is_active" json:"is_active"`
	IsDeleted                bool                         `yaml:"is_deleted,omitempty" json:"is_deleted,omitempty"`
	Rev                      int                          `yaml:"rev,omitempty" json:"rev,omitempty"`
	Lineage                  []string                     `yaml:"lineage,omitempty" json:"lineage,omitempty"`
}

// Usable reports whether the profile can be bound to an agent.
func (p *AgentProfile) Usable() bool {
	return p != nil && p.IsActive && !p.IsDeleted
}
