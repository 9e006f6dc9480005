// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package events provides the in-process event bus that carries streaming
// LLM chunks, turn lifecycle notifications and view-model updates from the
// agent runtime to downstream consumers (persistence hook, SSE bridge,
// tests). Emission order matches local production order per run.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types produced by the runtime.
const (
	TypeLLMStreamStarted = "llm_stream_started"
	TypeLLMChunk         = "llm_chunk"
	TypeLLMStreamEnded   = "llm_stream_ended"
	TypeLLMStreamFailed  = "llm_stream_failed"
	TypeTurnCompleted    = "turn_completed"
	TypeTurnsSync        = "turns_sync"
	TypeViewModelUpdate  = "view_model_update"
	TypeTokenUsageUpdate = "token_usage_update"
	TypeWorkModuleUpdate = "work_module_updated"
	TypeProjectStructure = "project_structure_update"
	TypeError            = "error"
)

// LLM chunk sub-types carried in the payload "chunk_type" field.
const (
	ChunkContent   = "content"
	ChunkReasoning = "reasoning_content"
	ChunkToolName  = "tool_name"
	ChunkToolArgs  = "tool_args"
)

// View names for view_model_update events.
const (
	ViewFlow     = "flow_view"
	ViewTimeline = "timeline_view"
	ViewKanban   = "kanban_view"
)

// Event is one typed notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	StreamID  string         `json:"stream_id,omitempty"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler receives events synchronously on the emitting goroutine. It must
// not block; slow consumers should subscribe with a channel instead.
type Handler func(Event)

// subscriber is one channel-based consumer.
type subscriber struct {
	id uint64
	ch chan Event
}

// Emitter fans events out to handlers and channel subscribers. Channel
// subscribers get a buffered channel; when a buffer is full the oldest
// event is dropped so the runtime never stalls on a slow consumer.
type Emitter struct {
	mu          sync.RWMutex
	handlers    map[uint64]Handler
	subscribers map[uint64]*subscriber
	nextID      uint64
	seq         atomic.Uint64
	logger      *zap.Logger
	dropped     atomic.Uint64
}

// NewEmitter creates an event emitter.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		handlers:    make(map[uint64]Handler),
		subscribers: make(map[uint64]*subscriber),
		logger:      logger,
	}
}

// OnEvent registers a synchronous handler and returns an unsubscribe func.
func (e *Emitter) OnEvent(handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// Subscribe returns a buffered event channel and an unsubscribe func.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	sub := &subscriber{id: id, ch: make(chan Event, buffer)}
	e.subscribers[id] = sub
	return sub.ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if s, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(s.ch)
		}
	}
}

// Emit publishes an event to every consumer. Safe for concurrent use.
func (e *Emitter) Emit(event Event) {
	event.Seq = e.seq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, handler := range e.handlers {
		handler(event)
	}
	for _, sub := range e.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest event to make room.
			select {
			case <-sub.ch:
				e.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				e.dropped.Add(1)
			}
		}
	}
}

// EmitType is a convenience wrapper for the common fields.
func (e *Emitter) EmitType(eventType, runID, agentID string, payload map[string]any) {
	e.Emit(Event{Type: eventType, RunID: runID, AgentID: agentID, Payload: payload})
}

// Dropped returns how many events were discarded due to full buffers.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }
