// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterHandlers(t *testing.T) {
	e := NewEmitter(nil)

	var got []Event
	off := e.OnEvent(func(ev Event) { got = append(got, ev) })

	e.EmitType(TypeTurnCompleted, "run-1", "agent-1", map[string]any{"turn_id": "t1"})
	e.EmitType(TypeError, "run-1", "agent-1", nil)

	require.Len(t, got, 2)
	assert.Equal(t, TypeTurnCompleted, got[0].Type)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, "t1", got[0].Payload["turn_id"])
	assert.False(t, got[0].Timestamp.IsZero())

	// Sequence numbers are strictly increasing.
	assert.Greater(t, got[1].Seq, got[0].Seq)

	off()
	e.EmitType(TypeError, "run-1", "agent-1", nil)
	assert.Len(t, got, 2, "detached handlers receive nothing")
}

func TestEmitterSubscribe(t *testing.T) {
	e := NewEmitter(nil)
	ch, cancel := e.Subscribe(4)

	e.EmitType(TypeLLMChunk, "run-1", "agent-1", map[string]any{"text": "a"})
	ev := <-ch
	assert.Equal(t, TypeLLMChunk, ev.Type)

	cancel()
	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestEmitterDropsWhenBufferFull(t *testing.T) {
	e := NewEmitter(nil)
	ch, cancel := e.Subscribe(1)
	defer cancel()

	e.EmitType(TypeLLMChunk, "r", "a", map[string]any{"n": 1})
	e.EmitType(TypeLLMChunk, "r", "a", map[string]any{"n": 2})
	e.EmitType(TypeLLMChunk, "r", "a", map[string]any{"n": 3})

	// The newest event survives; older ones were dropped to make room.
	ev := <-ch
	assert.Equal(t, 3, ev.Payload["n"])
	assert.Equal(t, uint64(2), e.Dropped())
}
