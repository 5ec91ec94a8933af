// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clauselight/clauselight/services/analysis/config"
	"github.com/clauselight/clauselight/services/analysis/contentstore"
	"github.com/clauselight/clauselight/services/analysis/registry"
)

// retentionSweeper periodically removes old terminal task entries and,
// when a minimum agent version is configured, artifacts produced by
// superseded algorithm versions.
type retentionSweeper struct {
	registry  *registry.Registry
	artifacts *contentstore.Store
	mu        sync.RWMutex
	cfg       config.RetentionConfig
	logger    *slog.Logger
	cron      *cron.Cron
}

func newRetentionSweeper(reg *registry.Registry, artifacts *contentstore.Store, cfg config.RetentionConfig, logger *slog.Logger) *retentionSweeper {
	return &retentionSweeper{registry: reg, artifacts: artifacts, cfg: cfg, logger: logger}
}

func (s *retentionSweeper) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.SweepEvery)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *retentionSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// UpdateConfig applies a hot-reloaded retention policy. The sweep cadence
// itself changes on restart only.
func (s *retentionSweeper) UpdateConfig(cfg config.RetentionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.TaskHistory = cfg.TaskHistory
	s.cfg.MinAgentVersion = cfg.MinAgentVersion
}

func (s *retentionSweeper) sweep() {
	ctx := context.Background()

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-cfg.TaskHistory)
	removed, err := s.registry.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("task retention sweep failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.logger.Info("task retention sweep", slog.Int("removed", removed))
	}

	if cfg.MinAgentVersion == "" {
		return
	}
	deleted, err := s.artifacts.DeleteVersionsBelow(ctx, cfg.MinAgentVersion)
	if err != nil {
		s.logger.Error("artifact retention sweep failed", slog.String("error", err.Error()))
	} else if deleted > 0 {
		s.logger.Info("artifact retention sweep",
			slog.Int("deleted", deleted),
			slog.String("min_version", cfg.MinAgentVersion))
	}
}
