// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

// Tool envelope statuses.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// KnowledgeItemSpec describes a knowledge item a tool wants committed to
// the run's knowledge base alongside its result.
type KnowledgeItemSpec struct {
	ItemType  string         `json:"item_type"`
	Content   any            `json:"content"`
	SourceURI string         `json:"source_uri,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolResultEnvelope is the uniform tool response contract. The framework
// converts it to a TOOL_RESULT inbox item and commits any knowledge items.
type ToolResultEnvelope struct {
	Status         string              `json:"status"`
	Payload        map[string]any      `json:"payload,omitempty"`
	KnowledgeItems []KnowledgeItemSpec `json:"_knowledge_items_to_add,omitempty"`
}

// NewToolSuccess builds a success envelope.
func NewToolSuccess(payload map[string]any) *ToolResultEnvelope {
	return &ToolResultEnvelope{Status: ToolStatusSuccess, Payload: payload}
}

// NewToolError builds an error envelope with the standard error_message key.
func NewToolError(message string) *ToolResultEnvelope {
	return &ToolResultEnvelope{
		Status:  ToolStatusError,
		Payload: map[string]any{"error_message": message},
	}
}

// IsError reports whether the envelope carries an error status.
func (e *ToolResultEnvelope) IsError() bool {
	return e != nil && e.Status == ToolStatusError
}
