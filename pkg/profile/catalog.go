// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package profile

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Catalog is the loaded configuration surface: profiles, LLM configs,
// handover protocols and external tool servers. Runs snapshot the catalog
// at creation; the live catalog may be hot-reloaded afterwards without
// affecting in-flight runs.
type Catalog struct {
	mu        sync.RWMutex
	profiles  map[string]*AgentProfile
	llms      map[string]*LLMConfig
	protocols map[string]*HandoverProtocol
	servers   map[string]*ExternalToolServer
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
}

// catalogFile is the on-disk YAML layout.
type catalogFile struct {
	Profiles          []*AgentProfile       `yaml:"profiles"`
	LLMConfigs        []*LLMConfig          `yaml:"llm_configs"`
	HandoverProtocols []*HandoverProtocol   `yaml:"handover_protocols"`
	ExternalServers   []*ExternalToolServer `yaml:"external_tool_servers"`
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		profiles:  make(map[string]*AgentProfile),
		llms:      make(map[string]*LLMConfig),
		protocols: make(map[string]*HandoverProtocol),
		servers:   make(map[string]*ExternalToolServer),
		logger:    logger,
	}
}

// LoadFile reads one catalog YAML file and merges its entries.
func (c *Catalog) LoadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	// Catalog structs carry yaml tags; point the decoder at them so
	// snake_case keys land on the right fields.
	var file catalogFile
	if err := v.Unmarshal(&file, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range file.Profiles {
		c.profiles[p.Name] = p
	}
	for _, l := range file.LLMConfigs {
		c.llms[l.Name] = l
	}
	for _, h := range file.HandoverProtocols {
		c.protocols[h.Name] = h
	}
	for _, s := range file.ExternalServers {
		c.servers[s.Name] = s
	}
	c.logger.Info("catalog loaded",
		zap.String("path", path),
		zap.Int("profiles", len(file.Profiles)),
		zap.Int("llm_configs", len(file.LLMConfigs)),
		zap.Int("handover_protocols", len(file.HandoverProtocols)))
	return nil
}

// Watch hot-reloads the catalog when the file changes. Call Close to stop.
func (c *Catalog) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if err := c.LoadFile(path); err != nil {
					c.logger.Warn("catalog reload failed", zap.String("path", path), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// RegisterProfile adds or replaces a profile.
func (c *Catalog) RegisterProfile(p *AgentProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.Name] = p
}

// RegisterLLMConfig adds or replaces an LLM config.
func (c *Catalog) RegisterLLMConfig(l *LLMConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.llms[l.Name] = l
}

// RegisterProtocol adds or replaces a handover protocol.
func (c *Catalog) RegisterProtocol(h *HandoverProtocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocols[h.Name] = h
}

// Profile returns a profile by name.
func (c *Catalog) Profile(name string) (*AgentProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[name]
	return p, ok
}

// LLMConfig returns an LLM config by name.
func (c *Catalog) LLMConfig(name string) (*LLMConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.llms[name]
	return l, ok
}

// Protocol returns a handover protocol by name.
func (c *Catalog) Protocol(name string) (*HandoverProtocol, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.protocols[name]
	return h, ok
}

// StaffableProfiles returns the active associate profiles available for
// staffing, by name.
func (c *Catalog) StaffableProfiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for name, p := range c.profiles {
		if p.Usable() && p.AvailableForStaffing && p.Type == TypeAssociate {
			names = append(names, name)
		}
	}
	return names
}

// Snapshot returns an immutable copy of the catalog maps for freezing into
// a run's config.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := &Snapshot{
		Profiles:  make(map[string]*AgentProfile, len(c.profiles)),
		LLMs:      make(map[string]*LLMConfig, len(c.llms)),
		Protocols: make(map[string]*HandoverProtocol, len(c.protocols)),
		Servers:   make(map[string]*ExternalToolServer, len(c.servers)),
	}
	for k, v := range c.profiles {
		snap.Profiles[k] = v
	}
	for k, v := range c.llms {
		snap.LLMs[k] = v
	}
	for k, v := range c.protocols {
		snap.Protocols[k] = v
	}
	for k, v := range c.servers {
		snap.Servers[k] = v
	}
	return snap
}

// Snapshot is the frozen catalog bound to a run at creation time.
type Snapshot struct {
	Profiles  map[string]*AgentProfile       `json:"profiles"`
	LLMs      map[string]*LLMConfig          `json:"llm_configs"`
	Protocols map[string]*HandoverProtocol   `json:"handover_protocols"`
	Servers   map[string]*ExternalToolServer `json:"external_tool_servers"`
}

// Profile looks a profile up in the frozen snapshot.
func (s *Snapshot) Profile(name string) (*AgentProfile, bool) {
	p, ok := s.Profiles[name]
	return p, ok
}

// LLMConfig looks an LLM config up in the frozen snapshot.
func (s *Snapshot) LLMConfig(name string) (*LLMConfig, bool) {
	l, ok := s.LLMs[name]
	return l, ok
}

// Protocol looks a handover protocol up in the frozen snapshot.
func (s *Snapshot) Protocol(name string) (*HandoverProtocol, bool) {
	h, ok := s.Protocols[name]
	return h, ok
}
