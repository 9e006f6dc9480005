// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package inbox implements the inbox processing pipeline: priority-ordered
// ingestion of queued items into an agent's message stream, the ingestor
// registry that renders payloads to text, and the tool-call safenet.
package inbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atelier-ai/atelier/pkg/expr"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
)

// Context is passed to every ingestor invocation.
type Context struct {
	Sub *run.SubContext
	// Env resolves V-Model paths plus the current item's payload under the
	// "payload" root.
	Env expr.Resolver
}

// Ingestor renders one inbox payload to text.
type Ingestor func(payload any, params map[string]any, ictx *Context) (string, error)

// Registry maps ingestor names to implementations and inbox sources to
// default strategies. Profile-level inbox_handling_strategies override the
// defaults; unknown sources fall back to the markdown formatter.
type Registry struct {
	mu        sync.RWMutex
	ingestors map[string]Ingestor
	defaults  map[string]profile.IngestionStrategy
}

// NewRegistry creates a registry with the builtin ingestors and default
// per-source strategies installed.
func NewRegistry() *Registry {
	r := &Registry{
		ingestors: make(map[string]Ingestor),
		defaults:  make(map[string]profile.IngestionStrategy),
	}
	r.Register("templated_content", ingestTemplatedContent)
	r.Register("markdown_formatter", ingestMarkdownFormatter)
	r.Register("tool_result", ingestToolResult)
	r.Register("generic_message", ingestGenericMessage)
	r.Register("tagged_content", ingestTaggedContent)
	r.Register("json_history", ingestJSONHistory)
	r.Register("protocol_aware", ingestProtocolAware)
	r.Register("principal_history_summary", ingestPrincipalHistorySummary)
	r.Register("work_modules", ingestWorkModules)
	r.Register("observer_failure", ingestObserverFailure)
	r.Register("user_prompt", ingestUserPrompt)
	r.Register("dispatch_result", ingestDispatchResult)

	r.SetDefault(types.SourceToolResult, profile.IngestionStrategy{
		Ingestor: "tool_result", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleTool, Persistent: true,
	})
	r.SetDefault(types.SourceUserPrompt, profile.IngestionStrategy{
		Ingestor: "user_prompt", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser, Persistent: true,
	})
	r.SetDefault(types.SourceObserverFailure, profile.IngestionStrategy{
		Ingestor: "observer_failure", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser,
	})
	r.SetDefault(types.SourceAgentStartupBriefing, profile.IngestionStrategy{
		Ingestor: "protocol_aware", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser, Persistent: true,
	})
	r.SetDefault(types.SourcePartnerDirective, profile.IngestionStrategy{
		Ingestor: "generic_message", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser, Persistent: true,
	})
	r.SetDefault(types.SourceInternalDirective, profile.IngestionStrategy{
		Ingestor: "generic_message", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser,
	})
	r.SetDefault(types.SourceSelfReflectionPrompt, profile.IngestionStrategy{
		Ingestor: "generic_message", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser,
	})
	r.SetDefault(types.SourcePrincipalCompleted, profile.IngestionStrategy{
		Ingestor: "markdown_formatter", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser, Persistent: true,
		Params: map[string]any{"title": "Principal run completed"},
	})
	r.SetDefault(types.SourceWorkModulesUpdate, profile.IngestionStrategy{
		Ingestor: "work_modules", InjectionMode: profile.InjectAppendAsNewMessage,
		Role: types.RoleUser,
	})
	r.SetDefault(types.SourcePrincipalActivityPing, profile.IngestionStrategy{
		Ingestor: "markdown_formatter", InjectionMode: profile.InjectAppendAsNewMessage,
		Role:   types.RoleUser,
		Params: map[string]any{"title": "Principal activity"},
	})
	return r
}

// Register installs an ingestor under a name.
func (r *Registry) Register(name string, ingestor Ingestor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingestors[name] = ingestor
}

// SetDefault installs the global strategy for a source.
func (r *Registry) SetDefault(source string, strategy profile.IngestionStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[source] = strategy
}

// Ingestor returns a named ingestor.
func (r *Registry) Ingestor(name string) (Ingestor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ing, ok := r.ingestors[name]
	return ing, ok
}

// Strategy resolves the handling strategy for a source: profile override
// first, then the global default, then the markdown fallback.
func (r *Registry) Strategy(prof *profile.AgentProfile, source string) profile.IngestionStrategy {
	if prof != nil {
		if s, ok := prof.InboxHandlingStrategies[source]; ok {
			return withStrategyDefaults(s)
		}
	}
	r.mu.RLock()
	s, ok := r.defaults[source]
	r.mu.RUnlock()
	if ok {
		return withStrategyDefaults(s)
	}
	return profile.IngestionStrategy{
		Ingestor:      "markdown_formatter",
		InjectionMode: profile.InjectAppendAsNewMessage,
		Role:          types.RoleUser,
	}
}

func withStrategyDefaults(s profile.IngestionStrategy) profile.IngestionStrategy {
	if s.InjectionMode == "" {
		s.InjectionMode = profile.InjectAppendAsNewMessage
	}
	if s.Role == "" {
		s.Role = types.RoleUser
	}
	if s.Ingestor == "" {
		s.Ingestor = "markdown_formatter"
	}
	return s
}

// payloadEnv wraps an agent env so "payload" paths resolve into the
// current item's payload.
func payloadEnv(base expr.Resolver, payload any) expr.Resolver {
	return expr.ResolverFunc(func(path string) (any, bool) {
		if path == "payload" {
			return payload, true
		}
		if strings.HasPrefix(path, "payload.") {
			return expr.Walk(payload, strings.TrimPrefix(path, "payload."))
		}
		if base != nil {
			return base.Resolve(path)
		}
		return nil, false
	})
}

func ingestTemplatedContent(payload any, params map[string]any, ictx *Context) (string, error) {
	key, _ := params["content_key"].(string)
	if key == "" {
		return "", fmt.Errorf("templated_content requires content_key")
	}
	var template string
	if ictx.Sub != nil && ictx.Sub.Profile != nil {
		template = ictx.Sub.Profile.TextDefinitions[key]
	}
	if template == "" {
		return "", fmt.Errorf("text definition %q not found", key)
	}
	return expr.Interpolate(template, payloadEnv(ictx.Env, payload)), nil
}

func ingestMarkdownFormatter(payload any, params map[string]any, _ *Context) (string, error) {
	var sb strings.Builder
	if title, _ := params["title"].(string); title != "" {
		sb.WriteString("### " + title + "\n")
	}
	renames := map[string]string{}
	if raw, ok := params["renames"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				renames[k] = s
			}
		}
	}
	renderMarkdown(&sb, payload, renames, 0)
	return strings.TrimRight(sb.String(), "\n"), nil
}

func ingestToolResult(payload any, _ map[string]any, _ *Context) (string, error) {
	m := asMap(payload)
	if m == nil {
		return expr.Stringify(payload), nil
	}
	isError, _ := m["is_error"].(bool)
	result := m["result"]
	if isError {
		return renderJSON(m), nil
	}
	if rm := asMap(result); rm != nil {
		if main, ok := rm["main_content_for_llm"].(string); ok && main != "" {
			return main, nil
		}
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return renderJSON(result), nil
}

func ingestGenericMessage(payload any, params map[string]any, ictx *Context) (string, error) {
	if template, _ := params["template"].(string); template != "" {
		return expr.Interpolate(template, payloadEnv(ictx.Env, payload)), nil
	}
	return expr.Stringify(payload), nil
}

func ingestTaggedContent(payload any, params map[string]any, _ *Context) (string, error) {
	begin, _ := params["begin_tag"].(string)
	end, _ := params["end_tag"].(string)
	return begin + "\n" + expr.Stringify(payload) + "\n" + end, nil
}

func ingestJSONHistory(payload any, params map[string]any, _ *Context) (string, error) {
	title, _ := params["title"].(string)
	if title == "" {
		title = "Message history"
	}
	return fmt.Sprintf("%s:\n```json\n%s\n```", title, renderJSON(payload)), nil
}

// ingestProtocolAware renders a Handover Service payload using its
// companion schema: one titled section per payload key.
func ingestProtocolAware(payload any, _ map[string]any, _ *Context) (string, error) {
	m := asMap(payload)
	if m == nil {
		return expr.Stringify(payload), nil
	}
	data := asMap(m["data"])
	schema := asMap(m["schema_for_rendering"])
	if data == nil {
		return renderJSON(m), nil
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		title := key
		if entry := asMap(schema[key]); entry != nil {
			if t, ok := entry["title"].(string); ok && t != "" {
				title = t
			}
		}
		sb.WriteString("## " + title + "\n")
		renderMarkdown(&sb, data[key], nil, 0)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func ingestPrincipalHistorySummary(payload any, params map[string]any, _ *Context) (string, error) {
	items, _ := payload.([]any)
	limit := 200
	if n, ok := params["max_chars_per_message"].(int); ok && n > 0 {
		limit = n
	}
	var sb strings.Builder
	sb.WriteString("Previous session summary:\n")
	for _, item := range items {
		m := asMap(item)
		if m == nil {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if len(content) > limit {
			content = content[:limit] + "…"
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", role, content)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func ingestWorkModules(payload any, _ map[string]any, _ *Context) (string, error) {
	var sb strings.Builder
	sb.WriteString("### Work modules\n")
	switch v := payload.(type) {
	case []any:
		for _, entry := range v {
			writeModuleLine(&sb, asMap(entry))
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeModuleLine(&sb, asMap(v[k]))
		}
	default:
		renderMarkdown(&sb, payload, nil, 0)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func writeModuleLine(sb *strings.Builder, m map[string]any) {
	if m == nil {
		return
	}
	id, _ := m["id"].(string)
	if id == "" {
		id, _ = m["module_id"].(string)
	}
	name, _ := m["name"].(string)
	status, _ := m["status"].(string)
	fmt.Fprintf(sb, "- **%s** %s (status: %s)\n", id, name, status)
	if notes, _ := m["notes"].(string); notes != "" {
		fmt.Fprintf(sb, "  - notes: %s\n", notes)
	}
}

func ingestObserverFailure(payload any, _ map[string]any, _ *Context) (string, error) {
	m := asMap(payload)
	observerID, _ := m["observer_id"].(string)
	errMsg, _ := m["error"].(string)
	return fmt.Sprintf(
		"System advisory: observer %q failed (%s). Continue your work, but mention this "+
			"issue to the user in your next reply.", observerID, errMsg), nil
}

func ingestUserPrompt(payload any, _ map[string]any, _ *Context) (string, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	if m := asMap(payload); m != nil {
		if text, ok := m["text"].(string); ok {
			return text, nil
		}
		if text, ok := m["content"].(string); ok {
			return text, nil
		}
	}
	return expr.Stringify(payload), nil
}

func ingestDispatchResult(payload any, _ map[string]any, _ *Context) (string, error) {
	m := asMap(payload)
	if m == nil {
		return expr.Stringify(payload), nil
	}
	var sb strings.Builder
	if status, ok := m["overall_status"].(string); ok {
		fmt.Fprintf(&sb, "Dispatch finished with overall status **%s**.\n", status)
	}
	if results, ok := m["results"].([]any); ok {
		for _, entry := range results {
			rm := asMap(entry)
			if rm == nil {
				continue
			}
			moduleID, _ := rm["module_id"].(string)
			execStatus, _ := rm["execution_status"].(string)
			fmt.Fprintf(&sb, "- %s: %s\n", moduleID, execStatus)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// renderMarkdown writes a value as a nested bullet tree.
func renderMarkdown(sb *strings.Builder, value any, renames map[string]string, depth int) {
	indent := strings.Repeat("  ", depth)
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			label := k
			if renamed, ok := renames[k]; ok {
				label = renamed
			}
			child := v[k]
			if isScalar(child) {
				fmt.Fprintf(sb, "%s- **%s**: %s\n", indent, label, expr.Stringify(child))
			} else {
				fmt.Fprintf(sb, "%s- **%s**:\n", indent, label)
				renderMarkdown(sb, child, renames, depth+1)
			}
		}
	case []any:
		for _, item := range v {
			if isScalar(item) {
				fmt.Fprintf(sb, "%s- %s\n", indent, expr.Stringify(item))
			} else {
				fmt.Fprintf(sb, "%s-\n", indent)
				renderMarkdown(sb, item, renames, depth+1)
			}
		}
	default:
		fmt.Fprintf(sb, "%s- %s\n", indent, expr.Stringify(value))
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case types.ToolResultPayload:
		return map[string]any{
			"tool_call_id": m.ToolCallID,
			"tool_name":    m.ToolName,
			"is_error":     m.IsError,
			"result":       m.Result,
		}
	}
	// Round-trip structs through JSON so ingestors see plain maps.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func renderJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return expr.Stringify(v)
	}
	return string(raw)
}
