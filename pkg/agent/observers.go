// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package agent

import (
	"fmt"

	"github.com/atelier-ai/atelier/pkg/expr"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// Observer phases.
const (
	PhasePreTurn  = "pre_turn"
	PhasePostTurn = "post_turn"
)

// runObservers evaluates one phase's observer rules. A failing rule never
// aborts the loop: the failure becomes an OBSERVER_FAILURE inbox item for
// the next turn's prompt.
func runObservers(sub *run.SubContext, phase string, logger *zap.Logger) {
	var rules []profile.ObserverRule
	if sub.Profile != nil {
		if phase == PhasePreTurn {
			rules = sub.Profile.PreTurnObservers
		} else {
			rules = sub.Profile.PostTurnObservers
		}
	}
	env := sub.Env()

	for _, rule := range rules {
		if err := applyObserver(sub, rule, env); err != nil {
			logger.Warn("observer failed",
				zap.String("observer_id", rule.ID),
				zap.String("phase", phase),
				zap.Error(err))
			sub.PushInbox(types.InboxItem{
				Source: types.SourceObserverFailure,
				Payload: map[string]any{
					"observer_id": rule.ID,
					"phase":       phase,
					"error":       err.Error(),
				},
				Metadata: types.InboxItemMetadata{TriggeringObserverID: rule.ID},
			})
		}
	}
}

func applyObserver(sub *run.SubContext, rule profile.ObserverRule, env expr.Resolver) error {
	matched, err := expr.EvalBool(rule.Condition, env)
	if err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	if !matched {
		return nil
	}

	switch rule.Action.Type {
	case profile.ObserverAddToInbox:
		tmpl := rule.Action.InboxItem
		if tmpl == nil {
			return fmt.Errorf("add_to_inbox action has no inbox_item")
		}
		item := types.InboxItem{
			Source:            tmpl.Source,
			Payload:           expr.InterpolateValue(tmpl.Payload, env),
			ConsumptionPolicy: types.ConsumptionPolicy(tmpl.ConsumptionPolicy),
			Metadata: types.InboxItemMetadata{
				MaxTurnsInInbox:      tmpl.MaxTurnsInInbox,
				TriggeringObserverID: rule.ID,
			},
		}
		sub.PushInbox(item)
		return nil

	case profile.ObserverUpdateState:
		for _, update := range rule.Action.StateUpdates {
			value := expr.InterpolateValue(update.Value, env)
			if err := sub.ApplyStateUpdate(update.Operation, update.Path, value); err != nil {
				return fmt.Errorf("state update %s %s: %w", update.Operation, update.Path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown observer action %q", rule.Action.Type)
}
