// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package profile

// FromSource locates the data an inheritance rule transfers. Exactly one of
// Path or PathToIterate is set. Replace substitutes placeholders inside Path
// with values resolved from the parent context; IterateOn binds a
// placeholder to a list path and produces one resolved entry per element.
type FromSource struct {
	Path          string            `yaml:"path,omitempty" json:"path,omitempty"`
	Replace       map[string]string `yaml:"replace,omitempty" json:"replace,omitempty"`
	PathToIterate string            `yaml:"path_to_iterate,omitempty" json:"path_to_iterate,omitempty"`
	IterateOn     map[string]string `yaml:"iterate_on,omitempty" json:"iterate_on,omitempty"`
}

// InheritanceRule transfers one piece of parent context into the child's
// briefing payload.
type InheritanceRule struct {
	Condition    string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	FromSource   FromSource     `yaml:"from_source" json:"from_source"`
	AsPayloadKey string         `yaml:"as_payload_key" json:"as_payload_key"`
	Title        string         `yaml:"x-handover-title,omitempty" json:"x-handover-title,omitempty"`
	Schema       map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// TargetInboxItem declares the inbox source name for the generated item.
type TargetInboxItem struct {
	Source string `yaml:"source" json:"source"`
}

// HandoverProtocol is a named, declarative parent-to-child context
// transfer. ContextParameters is a JSON-schema fragment merged into the
// triggering tool's schema at registration so the LLM sees one unified
// parameter surface.
type HandoverProtocol struct {
	Name              string            `yaml:"name" json:"name"`
	ContextParameters map[string]any    `yaml:"context_parameters,omitempty" json:"context_parameters,omitempty"`
	Inheritance       []InheritanceRule `yaml:"inheritance,omitempty" json:"inheritance,omitempty"`
	TargetInboxItem   TargetInboxItem   `yaml:"target_inbox_item" json:"target_inbox_item"`
}

// Well-known protocol names.
const (
	ProtocolPartnerToPrincipal   = "partner_to_principal_initial_briefing"
	ProtocolPrincipalToAssociate = "principal_to_associate_briefing"
)

// ExternalToolDecl declares one tool a remote server exposes.
type ExternalToolDecl struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Toolset     string         `yaml:"toolset,omitempty" json:"toolset,omitempty"`
}

// ExternalToolServer describes one remote tool server in the catalog.
type ExternalToolServer struct {
	Name       string             `yaml:"name" json:"name"`
	Transport  string             `yaml:"transport" json:"transport"` // stdio | http
	Connection map[string]any     `yaml:"connection,omitempty" json:"connection,omitempty"`
	Tools      []ExternalToolDecl `yaml:"tools,omitempty" json:"tools,omitempty"`
	Enabled    bool               `yaml:"enabled" json:"enabled"`
}
