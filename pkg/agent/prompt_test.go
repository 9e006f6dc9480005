// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"testing"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptSub(prof *profile.AgentProfile) *run.SubContext {
	rc := run.New(run.Options{Question: "the mission"})
	return run.NewSubContext(rc, prof, run.SubMeta{})
}

func TestBuildSystemPromptOrdersAndInterpolates(t *testing.T) {
	prof := &profile.AgentProfile{
		Name:     "prompter",
		Type:     profile.TypePrincipal,
		IsActive: true,
		TextDefinitions: map[string]string{
			"persona": "You work on: {{ team.question }}",
			"closing": "Stay focused.",
		},
		SystemPromptConstruction: profile.SystemPromptConstruction{
			SystemPromptSegments: []profile.PromptSegment{
				{ID: "closing", Order: 20, Type: profile.SegmentStaticText, ContentKey: "closing"},
				{ID: "persona", Order: 10, Type: profile.SegmentStaticText, ContentKey: "persona"},
			},
		},
	}
	sub := promptSub(prof)

	prompt, logs := buildSystemPrompt(sub, nil)
	assert.Equal(t, "You work on: the mission\n\nStay focused.", prompt)

	require.Len(t, logs, 2)
	assert.Equal(t, "persona", logs[0].SegmentID)
	assert.True(t, logs[0].Included)
	assert.Equal(t, len("You work on: the mission"), logs[0].Chars)
}

func TestBuildSystemPromptConditionGating(t *testing.T) {
	prof := &profile.AgentProfile{
		Name:     "prompter",
		Type:     profile.TypePrincipal,
		IsActive: true,
		TextDefinitions: map[string]string{
			"review_hint": "Review mode is on.",
		},
		SystemPromptConstruction: profile.SystemPromptConstruction{
			SystemPromptSegments: []profile.PromptSegment{
				{ID: "hint", Order: 1, Type: profile.SegmentStaticText, ContentKey: "review_hint",
					Condition: "flags.review"},
			},
		},
	}
	sub := promptSub(prof)

	prompt, logs := buildSystemPrompt(sub, nil)
	assert.Empty(t, prompt)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Included)

	sub.State.Flags["review"] = true
	prompt, _ = buildSystemPrompt(sub, nil)
	assert.Equal(t, "Review mode is on.", prompt)
}

func TestBuildSystemPromptFailedSegmentBecomesAdvisory(t *testing.T) {
	prof := &profile.AgentProfile{
		Name:     "prompter",
		Type:     profile.TypePrincipal,
		IsActive: true,
		SystemPromptConstruction: profile.SystemPromptConstruction{
			SystemPromptSegments: []profile.PromptSegment{
				{ID: "missing-text", Order: 1, Type: profile.SegmentStaticText, ContentKey: "ghost"},
				{ID: "missing-state", Order: 2, Type: profile.SegmentStateValue, SourceStatePath: "state.absent"},
			},
		},
	}
	sub := promptSub(prof)

	prompt, logs := buildSystemPrompt(sub, nil)
	assert.Contains(t, prompt, `prompt section "missing-text" could not be built`)
	assert.Contains(t, prompt, `prompt section "missing-state" could not be built`)
	assert.Contains(t, prompt, "Warn the user about degraded context")

	require.Len(t, logs, 2)
	assert.NotEmpty(t, logs[0].Error)
	assert.True(t, logs[0].Included, "the advisory itself is included")
}

func TestBuildSystemPromptBrokenConditionBecomesAdvisory(t *testing.T) {
	prof := &profile.AgentProfile{
		Name:     "prompter",
		Type:     profile.TypePrincipal,
		IsActive: true,
		TextDefinitions: map[string]string{
			"body": "Section body.",
		},
		SystemPromptConstruction: profile.SystemPromptConstruction{
			SystemPromptSegments: []profile.PromptSegment{
				{ID: "guarded", Order: 1, Type: profile.SegmentStaticText, ContentKey: "body",
					Condition: "flags.review == 1 extra"},
			},
		},
	}
	sub := promptSub(prof)

	// A condition that fails to evaluate degrades to an in-band advisory
	// instead of silently dropping the section.
	prompt, logs := buildSystemPrompt(sub, nil)
	assert.Contains(t, prompt, "System advisory")
	assert.Contains(t, prompt, `"guarded"`)
	assert.Contains(t, prompt, "condition error")
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Included)
	assert.NotEmpty(t, logs[0].Error)
}

func TestBuildSystemPromptStateValueSegment(t *testing.T) {
	prof := &profile.AgentProfile{
		Name:     "prompter",
		Type:     profile.TypePrincipal,
		IsActive: true,
		SystemPromptConstruction: profile.SystemPromptConstruction{
			SystemPromptSegments: []profile.PromptSegment{
				{ID: "plan", Order: 1, Type: profile.SegmentStateValue, SourceStatePath: "scratchpad.plan"},
			},
		},
	}
	sub := promptSub(prof)
	sub.State.Scratchpad["plan"] = map[string]any{"step": 1}

	prompt, _ := buildSystemPrompt(sub, nil)
	assert.Equal(t, `{"step":1}`, prompt)
}

func TestRenderToolDescriptions(t *testing.T) {
	assert.Equal(t, "No tools are available this turn.", renderToolDescriptions(nil))

	defs := []*tools.Definition{
		{Name: "echo", Description: "repeats input"},
		{Name: "report_completion", Description: "finishes the flow", EndsFlow: true},
	}
	out := renderToolDescriptions(defs)
	assert.Contains(t, out, "- echo: repeats input")
	assert.Contains(t, out, "- report_completion: finishes the flow (ends the flow)")
}
