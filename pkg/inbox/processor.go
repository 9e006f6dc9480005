// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package inbox

import (
	"fmt"
	"sort"
	"time"

	"github.com/atelier-ai/atelier/pkg/ledger"
	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// Processor drains an agent's inbox into its message stream once per turn.
type Processor struct {
	registry *Registry
	logger   *zap.Logger
}

// NewProcessor creates an inbox processor.
func NewProcessor(registry *Registry, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{registry: registry, logger: logger}
}

// Result is the outcome of one processing pass.
type Result struct {
	// Messages is the message list for this turn's LLM call: the persistent
	// history plus transient injections.
	Messages []types.Message
	// Logs records how each item was handled, for the turn's inputs audit.
	Logs []types.ProcessedItemLog
}

// Process garbage-collects, sorts and ingests the inbox. Persistent
// renderings are appended to the agent's durable message history; transient
// ones only appear in the returned call messages. Tool results are
// propagated to the ledger. The inbox is drained up front and survivors are
// requeued at the end, so concurrent PushInbox calls land on the next pass
// without racing this one.
func (p *Processor) Process(ictx *Context, manager *ledger.Manager) *Result {
	sub := ictx.Sub
	state := sub.State
	drained := sub.DrainInbox()

	survivors := drained[:0:0]
	for i := range drained {
		item := &drained[i]
		if item.ConsumptionPolicy == types.PersistentUntilConsumed && item.Metadata.MaxTurnsInInbox > 0 {
			item.Metadata.TurnCountInInbox++
			if item.Metadata.TurnCountInInbox > item.Metadata.MaxTurnsInInbox {
				p.logger.Debug("inbox item expired",
					zap.String("item_id", item.ItemID),
					zap.String("source", item.Source))
				continue
			}
		}
		survivors = append(survivors, *item)
	}

	// Stable sort keeps insertion order within a priority class.
	sort.SliceStable(survivors, func(i, j int) bool {
		return types.SourcePriority(survivors[i].Source) < types.SourcePriority(survivors[j].Source)
	})

	result := &Result{Messages: append([]types.Message{}, state.Messages...)}
	var kept []types.InboxItem

	for _, item := range survivors {
		strategy := p.registry.Strategy(sub.Profile, item.Source)
		log := types.ProcessedItemLog{
			ItemID:        item.ItemID,
			Source:        item.Source,
			IngestorID:    strategy.Ingestor,
			InjectionMode: strategy.InjectionMode,
			Role:          strategy.Role,
		}

		if item.Source == types.SourceUserPrompt && manager != nil {
			userTurn := manager.CreateUserTurn(sub.AgentInfo(), state.LastTurnID, item.Payload)
			state.LastTurnID = userTurn.TurnID
		}

		rendered, ingestErr := p.render(&item, strategy, ictx)
		if ingestErr != nil {
			// In-band advisory: the agent warns the user instead of dying.
			rendered = fmt.Sprintf(
				"System error while processing an inbox item from %s: %v. "+
					"Mention this problem to the user, then continue.", item.Source, ingestErr)
			log.IsError = true
			p.logger.Warn("ingestor failed",
				zap.String("source", item.Source),
				zap.String("ingestor", strategy.Ingestor),
				zap.Error(ingestErr))
		}
		log.RenderedText = rendered

		msg := types.Message{Role: strategy.Role, Content: rendered, Timestamp: time.Now().UTC()}
		if strategy.Role == types.RoleTool {
			if tr := toolResultOf(item.Payload); tr != nil {
				msg.ToolCallID = tr.ToolCallID
				msg.Name = tr.ToolName
				log.ToolCallID = tr.ToolCallID
			}
		}

		inject(&result.Messages, msg, strategy.InjectionMode)
		if strategy.Persistent {
			inject(&state.Messages, msg, strategy.InjectionMode)
		}

		if item.Source == types.SourceToolResult && manager != nil {
			if tr := toolResultOf(item.Payload); tr != nil {
				manager.UpdateToolInteractionResult(tr.ToolCallID, tr.Result, tr.IsError)
				log.IsError = tr.IsError
			}
		}
		if item.Source == types.SourceAgentStartupBriefing {
			state.Flags["initial_briefing_delivered"] = true
		}

		if item.ConsumptionPolicy != types.ConsumeOnRead {
			kept = append(kept, item)
		}
		result.Logs = append(result.Logs, log)
	}

	sub.RequeueInbox(kept)
	return result
}

func (p *Processor) render(item *types.InboxItem, strategy profile.IngestionStrategy, ictx *Context) (string, error) {
	ingestor, ok := p.registry.Ingestor(strategy.Ingestor)
	if !ok {
		return "", fmt.Errorf("unknown ingestor %q", strategy.Ingestor)
	}
	return ingestor(item.Payload, strategy.Params, ictx)
}

// inject places a rendered message per the injection mode.
func inject(messages *[]types.Message, msg types.Message, mode string) {
	if mode == profile.InjectPrependToRole {
		for i := range *messages {
			if (*messages)[i].Role == msg.Role {
				(*messages)[i].Content = msg.Content + "\n\n---\n\n" + (*messages)[i].Content
				return
			}
		}
	}
	*messages = append(*messages, msg)
}

// toolResultOf extracts the tool-result payload from an inbox item.
func toolResultOf(payload any) *types.ToolResultPayload {
	switch v := payload.(type) {
	case types.ToolResultPayload:
		return &v
	case *types.ToolResultPayload:
		return v
	case map[string]any:
		tr := &types.ToolResultPayload{Result: v["result"]}
		tr.ToolCallID, _ = v["tool_call_id"].(string)
		tr.ToolName, _ = v["tool_name"].(string)
		tr.IsError, _ = v["is_error"].(bool)
		if tr.ToolCallID == "" {
			return nil
		}
		return tr
	}
	return nil
}
