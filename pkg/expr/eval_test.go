// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() Resolver {
	data := map[string]any{
		"state": map[string]any{
			"current_action": map[string]any{
				"name": "dispatch_submodules",
			},
			"iteration_count": 3,
			"flags": map[string]any{
				"ready":   true,
				"tags":    []any{"alpha", "beta"},
				"empty":   "",
				"profile": "researcher",
			},
		},
		"team": map[string]any{
			"question": "what is up",
		},
	}
	return ResolverFunc(func(path string) (any, bool) {
		return Walk(data, path)
	})
}

func TestEvalComparisons(t *testing.T) {
	env := testEnv()
	tests := []struct {
		expr string
		want bool
	}{
		{"state.current_action.name == 'dispatch_submodules'", true},
		{"state.current_action.name != 'other_tool'", true},
		{"state.iteration_count > 2", true},
		{"state.iteration_count >= 3", true},
		{"state.iteration_count < 3", false},
		{"state.iteration_count <= 2", false},
		{"state.iteration_count == 3.0", true},
		{"'alpha' in state.flags.tags", true},
		{"'gamma' not in state.flags.tags", true},
		{"'up' in team.question", true},
		{"'ready' in state.flags", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalBool(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalBooleanCombinations(t *testing.T) {
	env := testEnv()
	tests := []struct {
		expr string
		want bool
	}{
		{"state.flags.ready and state.iteration_count > 1", true},
		{"state.flags.ready && state.iteration_count > 10", false},
		{"state.flags.empty or state.flags.ready", true},
		{"not state.flags.empty", true},
		{"!state.flags.ready", false},
		{"(state.iteration_count > 10 or state.flags.ready) and true", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalBool(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalMissingPathsAreNil(t *testing.T) {
	env := testEnv()

	got, err := Eval("state.does.not.exist", env)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := EvalBool("state.does.not.exist == none", env)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalBool("not state.does.not.exist", env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalBuiltins(t *testing.T) {
	env := testEnv()

	got, err := Eval("len(state.flags.tags)", env)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	got, err = Eval("len(team.question)", env)
	require.NoError(t, err)
	assert.Equal(t, len("what is up"), got)

	ok, err := EvalBool("any(state.flags.tags)", env)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = Eval("str(state.iteration_count)", env)
	require.NoError(t, err)
	assert.Equal(t, "3", got)

	got, err = Eval("int('42')", env)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestEvalBoolEmptyExpressionIsTrue(t *testing.T) {
	ok, err := EvalBool("   ", testEnv())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalErrors(t *testing.T) {
	env := testEnv()
	for _, bad := range []string{
		"state.flags.ready ==",
		"'unterminated",
		"len(1, 2)",
		"state.iteration_count == 1 extra",
	} {
		_, err := Eval(bad, env)
		assert.Error(t, err, bad)
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy([]any{1}))
}

func TestInterpolate(t *testing.T) {
	env := testEnv()

	out := Interpolate("tool is {{ state.current_action.name }}, round {{state.iteration_count}}", env)
	assert.Equal(t, "tool is dispatch_submodules, round 3", out)

	out = Interpolate("missing: [{{ state.nope }}]", env)
	assert.Equal(t, "missing: []", out)

	out = Interpolate("tags: {{ state.flags.tags }}", env)
	assert.Equal(t, `tags: ["alpha","beta"]`, out)
}

func TestInterpolateValue(t *testing.T) {
	env := testEnv()

	// A pure reference preserves structure.
	got := InterpolateValue("{{ state.flags.tags }}", env)
	assert.Equal(t, []any{"alpha", "beta"}, got)

	// Mixed text interpolates to a string.
	got = InterpolateValue("profile={{ state.flags.profile }}", env)
	assert.Equal(t, "profile=researcher", got)

	// Maps and slices recurse.
	got = InterpolateValue(map[string]any{
		"name":  "{{ state.current_action.name }}",
		"count": 7,
		"list":  []any{"{{ state.flags.profile }}"},
	}, env)
	assert.Equal(t, map[string]any{
		"name":  "dispatch_submodules",
		"count": 7,
		"list":  []any{"researcher"},
	}, got)

	// An unresolved pure reference becomes nil.
	assert.Nil(t, InterpolateValue("{{ state.nope }}", env))
}
