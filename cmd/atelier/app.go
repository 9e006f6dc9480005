// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/dispatch"
	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/handover"
	"github.com/atelier-ai/atelier/pkg/inbox"
	"github.com/atelier-ai/atelier/pkg/orchestration"
	"github.com/atelier-ai/atelier/pkg/persistence"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app wires the process singletons: catalog, event bus, tool registry,
// agent services, orchestrator and persistence.
type app struct {
	logger  *zap.Logger
	catalog *profile.Catalog
	emitter *events.Emitter
	tools   *tools.Registry
	pool    *tools.Pool
	orch    *orchestration.Orchestrator
	store   *persistence.Store
	detach  func()
}

func buildApp(watchCatalog bool) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	catalog := profile.NewCatalog(logger)
	catalogPath := viper.GetString("catalog")
	if err := catalog.LoadFile(catalogPath); err != nil {
		return nil, err
	}
	if watchCatalog {
		if err := catalog.Watch(catalogPath); err != nil {
			logger.Warn("catalog watch disabled", zap.Error(err))
		}
	}

	emitter := events.NewEmitter(logger)
	registry := tools.NewRegistry(catalog.Protocol, logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	servers := catalog.Snapshot().Servers
	pool := tools.NewPool(servers, logger)
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		for _, decl := range server.Tools {
			if err := tools.RegisterExternal(registry, pool, server.Name, decl.Name, decl.Description, decl.Parameters); err != nil {
				return nil, fmt.Errorf("failed to register %s.%s: %w", server.Name, decl.Name, err)
			}
		}
	}

	ingestors := inbox.NewRegistry()
	services := &agent.Services{
		Tools:     registry,
		Processor: inbox.NewProcessor(ingestors, logger),
		Ingestors: ingestors,
		Handover:  handover.NewService(catalog.Protocol, logger),
		LLM:       agent.NewLLMFactory(emitter, logger),
		Logger:    logger,
	}

	orch := orchestration.New(orchestration.Options{
		Catalog:  catalog,
		Services: services,
		Sessions: pool,
		Emitter:  emitter,
		Logger:   logger,
	})
	if err := orch.RegisterLaunchTool(registry); err != nil {
		return nil, err
	}
	if err := dispatch.New(services, logger).Register(registry); err != nil {
		return nil, err
	}

	store, err := persistence.NewStore(viper.GetString("data"), logger)
	if err != nil {
		return nil, err
	}
	hook := persistence.NewHook(store, orch.Run, nil, logger)
	detach := hook.Attach(emitter)

	return &app{
		logger:  logger,
		catalog: catalog,
		emitter: emitter,
		tools:   registry,
		pool:    pool,
		orch:    orch,
		store:   store,
		detach:  detach,
	}, nil
}

func (a *app) close() {
	a.detach()
	_ = a.store.Close()
	_ = a.pool.Close()
	_ = a.catalog.Close()
	_ = a.logger.Sync()
}
