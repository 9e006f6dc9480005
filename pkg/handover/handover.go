// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package handover executes the declarative parent-to-child context
// transfer protocols. A protocol run produces one inbox item for the child
// agent; the protocol_aware ingestor renders it using the companion
// schema_for_rendering object built here.
package handover

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/atelier/pkg/expr"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// Service executes handover protocols.
type Service struct {
	protocols func(name string) (*profile.HandoverProtocol, bool)
	logger    *zap.Logger
}

// NewService creates a handover service backed by a protocol lookup.
func NewService(protocols func(name string) (*profile.HandoverProtocol, bool), logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{protocols: protocols, logger: logger}
}

// Execute runs a protocol for one child. toolParams are the triggering tool
// call's parameters (already validated); parentEnv resolves paths in the
// parent's context. The returned inbox item carries the briefing payload
// with its rendering schema.
func (s *Service) Execute(protocolName string, toolParams map[string]any, parentEnv expr.Resolver) (types.InboxItem, error) {
	proto, ok := s.protocols(protocolName)
	if !ok {
		return types.InboxItem{}, fmt.Errorf("unknown handover protocol %q", protocolName)
	}

	data := make(map[string]any)
	schemaForRendering := make(map[string]any)

	// Direct parameters declared by the protocol travel verbatim from the
	// triggering tool call.
	if props, ok := proto.ContextParameters["properties"].(map[string]any); ok {
		for key := range props {
			if value, present := toolParams[key]; present {
				data[key] = value
			}
		}
	}

	for _, rule := range proto.Inheritance {
		matched, err := expr.EvalBool(rule.Condition, parentEnv)
		if err != nil {
			s.logger.Warn("handover rule condition failed",
				zap.String("protocol", protocolName),
				zap.String("payload_key", rule.AsPayloadKey),
				zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		value, err := resolveSource(rule.FromSource, toolParams, parentEnv)
		if err != nil {
			s.logger.Warn("handover rule source failed",
				zap.String("protocol", protocolName),
				zap.String("payload_key", rule.AsPayloadKey),
				zap.Error(err))
			continue
		}
		if value == nil {
			continue
		}
		data[rule.AsPayloadKey] = value
		entry := map[string]any{}
		if rule.Title != "" {
			entry["title"] = rule.Title
		}
		if rule.Schema != nil {
			entry["schema"] = rule.Schema
		}
		schemaForRendering[rule.AsPayloadKey] = entry
	}

	source := proto.TargetInboxItem.Source
	if source == "" {
		return types.InboxItem{}, fmt.Errorf("protocol %q declares no target inbox source", protocolName)
	}
	return types.InboxItem{
		Source: source,
		Payload: map[string]any{
			"data":                 data,
			"schema_for_rendering": schemaForRendering,
		},
	}, nil
}

// resolveSource materializes one inheritance rule's data: either a single
// path with placeholder substitution, or an iteration producing a list.
func resolveSource(src profile.FromSource, toolParams map[string]any, parentEnv expr.Resolver) (any, error) {
	lookup := func(path string) (any, bool) {
		if v, ok := parentEnv.Resolve(path); ok && v != nil {
			return v, true
		}
		if v, ok := toolParams[path]; ok {
			return v, true
		}
		return nil, false
	}

	switch {
	case src.PathToIterate != "":
		if len(src.IterateOn) != 1 {
			return nil, fmt.Errorf("iterate_on requires exactly one placeholder binding")
		}
		var placeholder, listPath string
		for k, v := range src.IterateOn {
			placeholder, listPath = k, v
		}
		listValue, ok := lookup(listPath)
		if !ok {
			return nil, nil
		}
		elements, ok := listValue.([]any)
		if !ok {
			return nil, fmt.Errorf("iterate_on path %q is not a list", listPath)
		}
		var out []any
		for _, element := range elements {
			path := substitutePlaceholder(src.PathToIterate, placeholder, element)
			if value, ok := parentEnv.Resolve(path); ok && value != nil {
				out = append(out, value)
			}
		}
		return out, nil

	case src.Path != "":
		path := src.Path
		for placeholder, sourcePath := range src.Replace {
			value, ok := lookup(sourcePath)
			if !ok {
				return nil, fmt.Errorf("replace source %q is unresolved", sourcePath)
			}
			path = substitutePlaceholder(path, placeholder, value)
		}
		value, ok := parentEnv.Resolve(path)
		if !ok {
			return nil, nil
		}
		return value, nil
	}
	return nil, fmt.Errorf("from_source declares neither path nor path_to_iterate")
}

func substitutePlaceholder(path, placeholder string, value any) string {
	rendered := fmt.Sprintf("%v", value)
	path = strings.ReplaceAll(path, "{"+placeholder+"}", rendered)
	return strings.ReplaceAll(path, "<"+placeholder+">", rendered)
}
