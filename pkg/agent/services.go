// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package agent implements the agent loop: prepare, invoke the LLM, and
// post-process until a terminal action, plus the declarative observer
// engine and the profile-driven system prompt builder.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/handover"
	"github.com/atelier-ai/atelier/pkg/inbox"
	"github.com/atelier-ai/atelier/pkg/llm"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/tools"
	"go.uber.org/zap"
)

// LLMFactory resolves an agent profile's LLM config to a transport.
type LLMFactory interface {
	Adapter(cfg *profile.LLMConfig) (*llm.Adapter, error)
	Estimator(cfg *profile.LLMConfig) *llm.Estimator
}

// Services bundles the process singletons an agent loop borrows.
type Services struct {
	Tools     *tools.Registry
	Processor *inbox.Processor
	Ingestors *inbox.Registry
	Handover  *handover.Service
	LLM       LLMFactory
	Logger    *zap.Logger
}

// factory is the default LLMFactory, building raw HTTP clients from the
// catalog's self-describing configs. Adapters are cached per config name.
type factory struct {
	mu         sync.Mutex
	emitter    *events.Emitter
	logger     *zap.Logger
	adapters   map[string]*llm.Adapter
	estimators map[string]*llm.Estimator
}

// NewLLMFactory creates the default transport factory.
func NewLLMFactory(emitter *events.Emitter, logger *zap.Logger) LLMFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &factory{
		emitter:    emitter,
		logger:     logger,
		adapters:   make(map[string]*llm.Adapter),
		estimators: make(map[string]*llm.Estimator),
	}
}

func (f *factory) Adapter(cfg *profile.LLMConfig) (*llm.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if adapter, ok := f.adapters[cfg.Name]; ok {
		return adapter, nil
	}

	apiKey, err := cfg.StringOption("api_key")
	if err != nil {
		return nil, err
	}
	endpoint, err := cfg.StringOption("endpoint")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(0)
	if raw, err := cfg.StringOption("timeout"); err == nil && raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	var provider llm.Provider
	switch cfg.Provider {
	case "anthropic":
		provider = llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:   apiKey,
			Model:    cfg.Model,
			Endpoint: endpoint,
			Timeout:  timeout,
		})
	case "openai_compatible", "":
		provider = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:   apiKey,
			Model:    cfg.Model,
			Endpoint: endpoint,
			Timeout:  timeout,
		})
	default:
		return nil, fmt.Errorf("llm config %q: unknown provider %q", cfg.Name, cfg.Provider)
	}

	adapter := llm.NewAdapter(llm.AdapterConfig{
		Provider: provider,
		Emitter:  f.emitter,
		Logger:   f.logger.With(zap.String("llm_config", cfg.Name)),
	})
	f.adapters[cfg.Name] = adapter
	return adapter, nil
}

func (f *factory) Estimator(cfg *profile.LLMConfig) *llm.Estimator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if est, ok := f.estimators[cfg.Name]; ok {
		return est
	}
	model := cfg.TokenCounterModel
	if model == "" {
		model = cfg.Model
	}
	est := llm.NewEstimator(model)
	f.estimators[cfg.Name] = est
	return est
}
