// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package events

import (
	"encoding/json"
	"net/http"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// SSEBridge republishes emitter events on a Server-Sent Events stream, one
// SSE stream per run id plus a firehose stream carrying everything.
type SSEBridge struct {
	server *sse.Server
	logger *zap.Logger
	stop   func()
}

// FirehoseStream carries every event regardless of run.
const FirehoseStream = "events"

// NewSSEBridge subscribes to the emitter and starts forwarding. Close the
// bridge to detach it.
func NewSSEBridge(emitter *Emitter, logger *zap.Logger) *SSEBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(FirehoseStream)

	ch, unsubscribe := emitter.Subscribe(1024)
	bridge := &SSEBridge{server: server, logger: logger, stop: unsubscribe}

	go func() {
		for event := range ch {
			raw, err := json.Marshal(event)
			if err != nil {
				logger.Error("failed to marshal event for SSE", zap.Error(err))
				continue
			}
			msg := &sse.Event{Event: []byte(event.Type), Data: raw}
			server.Publish(FirehoseStream, msg)
			if event.RunID != "" {
				if !server.StreamExists(event.RunID) {
					server.CreateStream(event.RunID)
				}
				server.Publish(event.RunID, msg)
			}
		}
	}()
	return bridge
}

// Handler returns the HTTP handler serving the SSE streams. Clients select
// a stream with the ?stream=<run_id> query parameter.
func (b *SSEBridge) Handler() http.Handler {
	return http.HandlerFunc(b.server.ServeHTTP)
}

// Close detaches the bridge from the emitter and shuts the SSE server down.
func (b *SSEBridge) Close() {
	b.stop()
	b.server.Close()
}
