// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/atelier-ai/atelier/pkg/events"
	"github.com/atelier-ai/atelier/pkg/orchestration"
	"github.com/atelier-ai/atelier/pkg/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8720", "HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	bridge := events.NewSSEBridge(a.emitter, a.logger)
	defer bridge.Close()

	api := &apiServer{app: a}
	mux := http.NewServeMux()
	mux.Handle("GET /events", bridge.Handler())
	mux.HandleFunc("POST /api/runs", api.createRun)
	mux.HandleFunc("GET /api/runs/{id}", api.getRun)
	mux.HandleFunc("POST /api/runs/{id}/messages", api.postMessage)
	mux.HandleFunc("POST /api/runs/{id}/stop", api.stopRun)

	server := &http.Server{
		Addr:              flagListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	api.ctx = ctx

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	a.logger.Info("atelier listening", zap.String("addr", flagListen))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type apiServer struct {
	app *app
	ctx context.Context
}

type createRunRequest struct {
	ProjectID      string `json:"project_id"`
	Question       string `json:"question"`
	PartnerProfile string `json:"partner_profile"`
}

func (s *apiServer) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rc, err := s.app.orch.CreateRun(orchestration.CreateOptions{
		ProjectID:      req.ProjectID,
		RunType:        run.RunTypePartnerInteraction,
		Question:       req.Question,
		PartnerProfile: req.PartnerProfile,
	})
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.orch.StartPartner(s.ctx, rc.Meta.RunID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Question != "" {
		if err := s.app.orch.SubmitUserMessage(rc.Meta.RunID, req.Question); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":   rc.Meta.RunID,
		"run_type": rc.Meta.RunType,
	})
}

func (s *apiServer) getRun(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.app.orch.Run(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "unknown run")
		return
	}
	rc.Lock.Lock()
	resp := map[string]any{
		"meta":                      rc.Meta,
		"turns":                     len(rc.Team.Turns),
		"work_modules":              len(rc.Team.WorkModules),
		"is_principal_flow_running": rc.Team.IsPrincipalFlowRunning,
	}
	rc.Lock.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) postMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		httpError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := s.app.orch.SubmitUserMessage(r.PathValue("id"), req.Content); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *apiServer) stopRun(w http.ResponseWriter, r *http.Request) {
	s.app.orch.StopRun(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
