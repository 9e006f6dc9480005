// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/atelier-ai/atelier/pkg/types"
	"go.uber.org/zap"
)

// RetryConfig controls transport-level retries for transient failures.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay randomized, 0..1
}

// DefaultRetryConfig returns the standard backoff settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   4,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// streamWithRetry runs one provider stream with exponential backoff on
// transient errors. Unrecoverable errors fail immediately. Every failed
// try is recorded on the attempt log; the caller records the outcome of a
// successful stream after inspecting the response.
func streamWithRetry(ctx context.Context, provider Provider, cfg RetryConfig, logger *zap.Logger, req *Request, onChunk ChunkHandler, log *attemptLog) (*types.LLMResponse, error) {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		response, err := provider.Stream(ctx, req, onChunk)
		if err == nil {
			if attempt > 0 {
				logger.Info("llm retry succeeded", zap.Int("attempt", attempt+1))
			}
			return response, nil
		}
		lastErr = err
		log.record(types.InteractionError, err.Error())

		// Don't retry on context cancellation or deadline exceeded.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm call failed (attempt %d/%d): %w (context cancelled)",
				attempt+1, cfg.MaxRetries+1, err)
		}

		var transportErr *TransportError
		if errors.As(err, &transportErr) && !transportErr.Retryable() {
			return nil, err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		sleep := withJitter(delay, cfg.Jitter)
		logger.Warn("llm call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("delay", sleep),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llm call failed (attempt %d/%d): %w (context cancelled during retry)",
				attempt+1, cfg.MaxRetries+1, ctx.Err())
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// withJitter randomizes a delay by ±fraction/2 to spread synchronized
// retries apart.
func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}
