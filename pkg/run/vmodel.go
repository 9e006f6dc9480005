// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package run

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/atelier/pkg/expr"
)

// Env returns the resolver for profile expressions evaluated from this
// agent's point of view. Recognized roots: state, meta, team, run, config,
// initial_params, flags, principal, partner. Unprefixed paths resolve
// against the agent's own state. Unknown paths resolve to nil, never error.
func (sc *SubContext) Env() expr.Resolver {
	return expr.ResolverFunc(func(path string) (any, bool) {
		root, rest := splitRoot(path)
		switch root {
		case "state":
			return expr.Walk(sc.State, rest)
		case "meta":
			return expr.Walk(sc.Meta, rest)
		case "team":
			return expr.Walk(sc.Run.Team, rest)
		case "run":
			return expr.Walk(sc.Run.Meta, rest)
		case "config":
			return expr.Walk(sc.Run.Config, rest)
		case "initial_params":
			return expr.Walk(sc.State.InitialParameters, rest)
		case "flags":
			return expr.Walk(sc.State.Flags, rest)
		case "principal":
			if p := sc.Run.Principal(); p != nil {
				return expr.Walk(p.State, rest)
			}
			return nil, false
		case "partner":
			if p := sc.Run.Partner(); p != nil {
				return expr.Walk(p.State, rest)
			}
			return nil, false
		default:
			return expr.Walk(sc.State, path)
		}
	})
}

func splitRoot(path string) (root, rest string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// State update operations.
const (
	OpSet       = "set"
	OpIncrement = "increment"
)

// ApplyStateUpdate mutates the agent's state at a dotted path. Only the
// map-backed areas (flags, initial_params, deliverables, scratchpad) and
// iteration_count accept writes; intermediate maps are created on demand.
// Callers must hold the run lock when the agent is live.
func (sc *SubContext) ApplyStateUpdate(operation, path string, value any) error {
	root, rest := splitRoot(path)
	if root == "state" {
		root, rest = splitRoot(rest)
	}

	if root == "iteration_count" && rest == "" {
		switch operation {
		case OpSet:
			n, ok := toInt(value)
			if !ok {
				return fmt.Errorf("iteration_count: non-numeric value %v", value)
			}
			sc.State.IterationCount = n
		case OpIncrement:
			n, ok := toInt(value)
			if !ok {
				n = 1
			}
			sc.State.IterationCount += n
		default:
			return fmt.Errorf("unknown state operation %q", operation)
		}
		return nil
	}

	var target map[string]any
	switch root {
	case "flags":
		if sc.State.Flags == nil {
			sc.State.Flags = make(map[string]any)
		}
		target = sc.State.Flags
	case "initial_params":
		if sc.State.InitialParameters == nil {
			sc.State.InitialParameters = make(map[string]any)
		}
		target = sc.State.InitialParameters
	case "deliverables":
		if sc.State.Deliverables == nil {
			sc.State.Deliverables = make(map[string]any)
		}
		target = sc.State.Deliverables
	case "scratchpad":
		if sc.State.Scratchpad == nil {
			sc.State.Scratchpad = make(map[string]any)
		}
		target = sc.State.Scratchpad
	default:
		return fmt.Errorf("state path %q is not writable", path)
	}
	if rest == "" {
		return fmt.Errorf("state path %q needs a key", path)
	}

	segments := strings.Split(rest, ".")
	for _, seg := range segments[:len(segments)-1] {
		child, ok := target[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			target[seg] = child
		}
		target = child
	}
	key := segments[len(segments)-1]

	switch operation {
	case OpSet:
		target[key] = value
	case OpIncrement:
		delta, ok := toFloat(value)
		if !ok {
			delta = 1
		}
		current, _ := toFloat(target[key])
		target[key] = current + delta
	default:
		return fmt.Errorf("unknown state operation %q", operation)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case nil:
		return 0, false
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
