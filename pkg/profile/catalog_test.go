// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
profiles:
  - name: principal-default
    type: principal
    llm_config_ref: main-llm
    is_active: true
    flow_decider:
      - id: end
        condition: "state.iteration_count >= 1"
        action:
          type: end_agent_turn
          outcome: done
  - name: assoc-1
    type: associate
    llm_config_ref: main-llm
    is_active: true
    available_for_staffing: true
llm_configs:
  - name: main-llm
    provider: openai_compatible
    model: gpt-test
    options:
      api_key:
        _type: from_env
        var: ATELIER_TEST_API_KEY
handover_protocols:
  - name: partner_to_principal_initial_briefing
    context_parameters:
      properties:
        instructions:
          type: string
    target_inbox_item:
      source: AGENT_STARTUP_BRIEFING
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	c := NewCatalog(nil)
	require.NoError(t, c.LoadFile(writeCatalog(t, catalogYAML)))

	prof, ok := c.Profile("principal-default")
	require.True(t, ok)
	assert.Equal(t, TypePrincipal, prof.Type)
	assert.Equal(t, "main-llm", prof.LLMConfigRef)
	assert.True(t, prof.Usable())
	require.Len(t, prof.FlowDecider, 1)
	assert.Equal(t, "end", prof.FlowDecider[0].ID)
	assert.Equal(t, DecideEndAgentTurn, prof.FlowDecider[0].Action.Type)
	assert.Equal(t, "done", prof.FlowDecider[0].Action.Outcome)

	cfg, ok := c.LLMConfig("main-llm")
	require.True(t, ok)
	assert.Equal(t, "gpt-test", cfg.Model)
	assert.Equal(t, "openai_compatible", cfg.Provider)

	proto, ok := c.Protocol(ProtocolPartnerToPrincipal)
	require.True(t, ok)
	assert.Equal(t, "AGENT_STARTUP_BRIEFING", proto.TargetInboxItem.Source)

	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestStaffableProfiles(t *testing.T) {
	c := NewCatalog(nil)
	c.RegisterProfile(&AgentProfile{Name: "a1", Type: TypeAssociate, IsActive: true, AvailableForStaffing: true})
	c.RegisterProfile(&AgentProfile{Name: "a2", Type: TypeAssociate, IsActive: false, AvailableForStaffing: true})
	c.RegisterProfile(&AgentProfile{Name: "a3", Type: TypeAssociate, IsActive: true, AvailableForStaffing: true, IsDeleted: true})
	c.RegisterProfile(&AgentProfile{Name: "a4", Type: TypeAssociate, IsActive: true})
	c.RegisterProfile(&AgentProfile{Name: "p1", Type: TypePrincipal, IsActive: true, AvailableForStaffing: true})

	assert.Equal(t, []string{"a1"}, c.StaffableProfiles())
}

func TestSnapshotIsFrozen(t *testing.T) {
	c := NewCatalog(nil)
	c.RegisterProfile(&AgentProfile{Name: "p1", Type: TypePrincipal, IsActive: true})
	snap := c.Snapshot()

	// Later registrations never reach an existing snapshot.
	c.RegisterProfile(&AgentProfile{Name: "p2", Type: TypePrincipal, IsActive: true})
	c.RegisterLLMConfig(&LLMConfig{Name: "late"})

	_, ok := snap.Profile("p1")
	assert.True(t, ok)
	_, ok = snap.Profile("p2")
	assert.False(t, ok)
	_, ok = snap.LLMConfig("late")
	assert.False(t, ok)
}

func TestWatchReloads(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	c := NewCatalog(nil)
	require.NoError(t, c.LoadFile(path))
	require.NoError(t, c.Watch(path))
	defer c.Close()

	updated := catalogYAML + `
  - name: partner_to_associate
    target_inbox_item:
      source: AGENT_STARTUP_BRIEFING
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := c.Protocol("partner_to_associate")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUsable(t *testing.T) {
	assert.False(t, (*AgentProfile)(nil).Usable())
	assert.False(t, (&AgentProfile{IsActive: false}).Usable())
	assert.False(t, (&AgentProfile{IsActive: true, IsDeleted: true}).Usable())
	assert.True(t, (&AgentProfile{IsActive: true}).Usable())
}

func TestResolveOptions(t *testing.T) {
	t.Setenv("ATELIER_TEST_API_KEY", "sk-123")
	secrets := filepath.Join(t.TempDir(), "extra.json")
	require.NoError(t, os.WriteFile(secrets, []byte(`{"region": "eu"}`), 0o644))

	cfg := &LLMConfig{
		Name: "main-llm",
		Options: map[string]any{
			"api_key":     map[string]any{"_type": "from_env", "var": "ATELIER_TEST_API_KEY"},
			"temperature": 0.2,
			"extra":       map[string]any{"_type": "json_from_file", "path": secrets},
			"nested":      map[string]any{"timeout": 30},
		},
	}

	out, err := cfg.ResolveOptions()
	require.NoError(t, err)
	assert.Equal(t, "sk-123", out["api_key"])
	assert.Equal(t, 0.2, out["temperature"])
	assert.Equal(t, map[string]any{"region": "eu"}, out["extra"])
	assert.Equal(t, map[string]any{"timeout": 30}, out["nested"])
}

func TestResolveOptionsFromEnvFallbacks(t *testing.T) {
	cfg := &LLMConfig{
		Name: "c",
		Options: map[string]any{
			"with_default": map[string]any{"_type": "from_env", "var": "ATELIER_UNSET_VAR", "default": "fallback"},
			"optional":     map[string]any{"_type": "from_env", "var": "ATELIER_UNSET_VAR"},
		},
	}
	out, err := cfg.ResolveOptions()
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["with_default"])
	assert.Nil(t, out["optional"])

	cfg.Options = map[string]any{
		"required": map[string]any{"_type": "from_env", "var": "ATELIER_UNSET_VAR", "required": true},
	}
	_, err = cfg.ResolveOptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATELIER_UNSET_VAR")
}

func TestResolveOptionsRejectsUnknownIndirection(t *testing.T) {
	cfg := &LLMConfig{
		Name:    "c",
		Options: map[string]any{"bad": map[string]any{"_type": "from_vault", "path": "x"}},
	}
	_, err := cfg.ResolveOptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown indirection")
}

func TestStringOption(t *testing.T) {
	t.Setenv("ATELIER_TEST_BASE_URL", "https://llm.example.com")
	cfg := &LLMConfig{
		Name: "c",
		Options: map[string]any{
			"base_url":    map[string]any{"_type": "from_env", "var": "ATELIER_TEST_BASE_URL"},
			"max_retries": 4,
		},
	}

	s, err := cfg.StringOption("base_url")
	require.NoError(t, err)
	assert.Equal(t, "https://llm.example.com", s)

	s, err = cfg.StringOption("max_retries")
	require.NoError(t, err)
	assert.Equal(t, "4", s)

	s, err = cfg.StringOption("absent")
	require.NoError(t, err)
	assert.Empty(t, s)
}
