// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package tools implements the tool registry and the unified invocation
// contract shared by internal tools and external proxies.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Implementation kinds.
const (
	KindInternal      = "internal"
	KindExternalProxy = "external_proxy"
)

// Invocation carries the caller's context into a tool execution.
type Invocation struct {
	Sub        *run.SubContext
	ToolCallID string
}

// Handler executes a tool. Errors returned here are transport-level;
// domain failures travel inside the envelope.
type Handler interface {
	Execute(ctx context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error) {
	return f(ctx, params, inv)
}

// Definition describes one registered tool.
type Definition struct {
	Name             string
	Description      string
	Params           map[string]any
	Kind             string
	EndsFlow         bool
	Toolset          string
	HandoverProtocol string
	KBItemType       string
	Handler          Handler

	// published is the LLM-facing schema: handover parameters merged in,
	// x-* annotations stripped.
	published map[string]any
}

// PublishedSchema returns the sanitized schema shown to LLMs.
func (d *Definition) PublishedSchema() map[string]any {
	if d.published != nil {
		return d.published
	}
	return d.Params
}

// Registry is the per-runtime tool catalog.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Definition
	protocols func(name string) (*profile.HandoverProtocol, bool)
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. protocols resolves handover
// protocol names at registration; nil disables schema merging.
func NewRegistry(protocols func(name string) (*profile.HandoverProtocol, bool), logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:     make(map[string]*Definition),
		protocols: protocols,
		logger:    logger,
	}
}

// Register installs a tool, merging any referenced handover protocol's
// context parameters into its schema and preparing the sanitized copy.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool registration requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s registration requires a handler", def.Name)
	}
	if def.Kind == "" {
		def.Kind = KindInternal
	}
	if def.Params == nil {
		def.Params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema := deepCopyMap(def.Params)
	if def.HandoverProtocol != "" && r.protocols != nil {
		proto, ok := r.protocols(def.HandoverProtocol)
		if !ok {
			return fmt.Errorf("tool %s references unknown handover protocol %q", def.Name, def.HandoverProtocol)
		}
		mergeContextParameters(schema, proto.ContextParameters)
	}
	def.Params = schema
	def.published = sanitizeSchema(deepCopyMap(schema))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	r.tools[def.Name] = def
	r.logger.Debug("tool registered",
		zap.String("tool", def.Name),
		zap.String("kind", def.Kind),
		zap.String("toolset", def.Toolset))
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Effective computes the tool set visible to an agent this turn: the union
// of tools whose toolset the policy allows and individually allowed tools.
// overrideToolsets, when non-nil, replaces the policy's toolset list
// (Associate staffing override).
func (r *Registry) Effective(policy profile.ToolAccessPolicy, overrideToolsets []string) []*Definition {
	toolsets := policy.AllowedToolsets
	if overrideToolsets != nil {
		toolsets = overrideToolsets
	}
	allowedSet := make(map[string]bool, len(toolsets))
	for _, ts := range toolsets {
		allowedSet[ts] = true
	}
	allowedTool := make(map[string]bool, len(policy.AllowedTools))
	for _, t := range policy.AllowedTools {
		allowedTool[t] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*Definition
	for _, def := range r.tools {
		if allowedSet[def.Toolset] || allowedTool[def.Name] {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks params against the tool's full schema.
func (r *Registry) Validate(name string, params map[string]any) error {
	def, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.Params),
		gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("schema validation for %s: %w", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid parameters for %s: %v", name, msgs)
	}
	return nil
}

// Execute validates and runs a tool, always returning an envelope. Unknown
// tools and validation failures come back as tool-error envelopes so the
// LLM can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, inv *Invocation) *types.ToolResultEnvelope {
	def, ok := r.Get(name)
	if !ok {
		return types.NewToolError(fmt.Sprintf("unknown tool %q", name))
	}
	if err := r.Validate(name, params); err != nil {
		return types.NewToolError(err.Error())
	}
	env, err := def.Handler.Execute(ctx, params, inv)
	if err != nil {
		r.logger.Warn("tool execution failed",
			zap.String("tool", name),
			zap.Error(err))
		return types.NewToolError(err.Error())
	}
	if env == nil {
		return types.NewToolError(fmt.Sprintf("tool %s returned no result", name))
	}
	return env
}
