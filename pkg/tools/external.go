// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/profile"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// CriticalConnectionFailure marks a tool error caused by a lost external
// session. The payload instructs the LLM to stop using that server.
const CriticalConnectionFailure = "CRITICAL_CONNECTION_FAILURE"

// connectionFailureEnvelope builds the structured error the model receives
// when an external server becomes unreachable mid-flow.
func connectionFailureEnvelope(server string, err error) *types.ToolResultEnvelope {
	return &types.ToolResultEnvelope{
		Status: types.ToolStatusError,
		Payload: map[string]any{
			"error_type":    CriticalConnectionFailure,
			"server":        server,
			"error_message": err.Error(),
			"instruction": fmt.Sprintf(
				"The connection to server %q is lost and cannot be recovered. "+
					"Do not call any more tools from this server. Wrap up with the "+
					"information you already have and end the flow.", server),
		},
	}
}

// RegisterExternal installs a proxy entry for one remote tool under the
// composite server.tool name.
func RegisterExternal(r *Registry, pool run.ExternalSessionPool, server, tool, description string, schema map[string]any) error {
	return r.Register(&Definition{
		Name:        server + "." + tool,
		Description: description,
		Params:      schema,
		Kind:        KindExternalProxy,
		Toolset:     server,
		Handler: HandlerFunc(func(ctx context.Context, params map[string]any, inv *Invocation) (*types.ToolResultEnvelope, error) {
			session, err := pool.Acquire(ctx, server)
			if err != nil {
				return connectionFailureEnvelope(server, err), nil
			}
			result, err := session.Call(ctx, tool, params)
			if err != nil {
				_ = session.Close()
				return connectionFailureEnvelope(server, err), nil
			}
			pool.Release(server, session)
			return types.NewToolSuccess(result), nil
		}),
	})
}

// Pool implements run.ExternalSessionPool over the catalog's external tool
// servers. Idle sessions are health-checked before reuse; unhealthy ones
// are discarded and replaced.
type Pool struct {
	mu      sync.Mutex
	servers map[string]*profile.ExternalToolServer
	idle    map[string][]run.ExternalSession
	logger  *zap.Logger
	closed  bool
}

// NewPool builds a pool from the frozen catalog servers.
func NewPool(servers map[string]*profile.ExternalToolServer, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		servers: servers,
		idle:    make(map[string][]run.ExternalSession),
		logger:  logger,
	}
}

// Acquire returns a healthy session for the server, reusing an idle one
// when its ping succeeds.
func (p *Pool) Acquire(ctx context.Context, server string) (run.ExternalSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("session pool is closed")
	}
	idle := p.idle[server]
	var candidate run.ExternalSession
	if n := len(idle); n > 0 {
		candidate = idle[n-1]
		p.idle[server] = idle[:n-1]
	}
	p.mu.Unlock()

	if candidate != nil {
		if err := candidate.Ping(ctx); err == nil {
			return candidate, nil
		}
		p.logger.Warn("discarding unhealthy external session", zap.String("server", server))
		_ = candidate.Close()
	}
	return p.dial(ctx, server)
}

// Release returns a session to the idle list.
func (p *Pool) Release(server string, s run.ExternalSession) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = s.Close()
		return
	}
	p.idle[server] = append(p.idle[server], s)
}

// Close shuts down every idle session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, sessions := range p.idle {
		for _, s := range sessions {
			_ = s.Close()
		}
	}
	p.idle = make(map[string][]run.ExternalSession)
	return nil
}

func (p *Pool) dial(ctx context.Context, server string) (run.ExternalSession, error) {
	p.mu.Lock()
	cfg, ok := p.servers[server]
	p.mu.Unlock()
	if !ok || !cfg.Enabled {
		return nil, fmt.Errorf("external server %q is not configured", server)
	}
	switch cfg.Transport {
	case "http":
		url, _ := cfg.Connection["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("external server %q has no url", server)
		}
		s := &httpSession{base: url, client: &http.Client{Timeout: 60 * time.Second}}
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to %q: %w", server, err)
		}
		return s, nil
	case "stdio":
		command, _ := cfg.Connection["command"].(string)
		if command == "" {
			return nil, fmt.Errorf("external server %q has no command", server)
		}
		args := stringSlice(cfg.Connection["args"])
		return newStdioSession(command, args)
	default:
		return nil, fmt.Errorf("external server %q has unsupported transport %q", server, cfg.Transport)
	}
}

// httpSession talks to an HTTP tool server: POST /invoke, GET /health.
type httpSession struct {
	base   string
	client *http.Client
}

func (s *httpSession) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"tool": tool, "arguments": args})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned %d: %s", resp.StatusCode, string(raw))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid tool server response: %w", err)
	}
	return out, nil
}

func (s *httpSession) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (s *httpSession) Close() error { return nil }

// stdioSession speaks newline-delimited JSON to a subprocess.
type stdioSession struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func newStdioSession(command string, args []string) (*stdioSession, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	return &stdioSession{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

func (s *stdioSession) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := json.Marshal(map[string]any{"tool": tool, "arguments": args})
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(body, '\n')); err != nil {
		return nil, fmt.Errorf("session write failed: %w", err)
	}
	line, err := s.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("session read failed: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(line, &out); err != nil {
		return nil, fmt.Errorf("invalid session response: %w", err)
	}
	return out, nil
}

func (s *stdioSession) Ping(ctx context.Context) error {
	if s.cmd.ProcessState != nil {
		return fmt.Errorf("session process exited")
	}
	return nil
}

func (s *stdioSession) Close() error {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
