// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"

	"github.com/clauselight/clauselight/pkg/logging"
	analysis "github.com/clauselight/clauselight/services/analysis"
	"github.com/clauselight/clauselight/services/analysis/blob"
	"github.com/clauselight/clauselight/services/analysis/cache"
	"github.com/clauselight/clauselight/services/analysis/checkpoint"
	"github.com/clauselight/clauselight/services/analysis/config"
	"github.com/clauselight/clauselight/services/analysis/contentstore"
	"github.com/clauselight/clauselight/services/analysis/gateway"
	"github.com/clauselight/clauselight/services/analysis/ingest"
	"github.com/clauselight/clauselight/services/analysis/possession"
	"github.com/clauselight/clauselight/services/analysis/recovery"
	"github.com/clauselight/clauselight/services/analysis/registry"
	badgerstore "github.com/clauselight/clauselight/services/analysis/storage/badger"
	"github.com/clauselight/clauselight/services/analysis/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis cache service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "clauselight-analysis",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slogger := logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slogger.Warn("telemetry shutdown", "error", err.Error())
		}
	}()

	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = cfg.Storage.Dir
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.Logger = slogger
	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer db.Close()

	var blobs blob.Store
	switch cfg.Blob.Backend {
	case "gcs":
		client, cerr := gcs.NewClient(ctx)
		if cerr != nil {
			return fmt.Errorf("create gcs client: %w", cerr)
		}
		defer client.Close()
		blobs, err = blob.NewGCSStore(client, cfg.Blob.Bucket, "artifacts")
	default:
		blobs, err = blob.NewFSStore(cfg.Blob.Root)
	}
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	artifacts, err := contentstore.New(db, blobs, slogger)
	if err != nil {
		return err
	}
	ledger, err := possession.NewLedger(db, slogger)
	if err != nil {
		return err
	}
	gate, err := possession.NewGate(ledger)
	if err != nil {
		return err
	}
	analysisCache, err := cache.New(db, slogger)
	if err != nil {
		return err
	}
	reg, err := registry.New(db, slogger)
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.New(db, slogger)
	if err != nil {
		return err
	}

	orch, err := recovery.New(db, reg, checkpoints, analysisCache, recovery.NewRequeueRunner(reg, slogger), recovery.Config{
		HeartbeatInterval:  cfg.Recovery.HeartbeatInterval,
		StalenessThreshold: cfg.Recovery.StalenessThreshold,
		SweepEvery:         cfg.Recovery.SweepEvery,
		ProcessEvery:       cfg.Recovery.ProcessEvery,
		MaxAttempts:        cfg.Recovery.MaxAttempts,
		RetryBackoff:       cfg.Recovery.RetryBackoff,
	}, slogger)
	if err != nil {
		return err
	}
	if err := orch.Start(); err != nil {
		return err
	}
	defer orch.Stop()

	retention := newRetentionSweeper(reg, artifacts, cfg.Retention, slogger)
	if err := retention.Start(); err != nil {
		return err
	}
	defer retention.Stop()

	// Hot-reload the retention policy on config edits; everything else
	// applies on restart.
	go func() {
		err := config.Watch(ctx, configPath, slogger, func(newCfg config.Config) {
			retention.UpdateConfig(newCfg.Retention)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slogger.Warn("config watcher stopped", "error", err.Error())
		}
	}()

	svc, err := analysis.NewService(ledger, gate, analysisCache, reg, slogger)
	if err != nil {
		return err
	}

	var hasher *ingest.Hasher
	if os.Getenv("CLAUSELIGHT_CONTENT_KEY") != "" {
		hasher, err = ingest.NewHasherFromEnv(slogger)
		if err != nil {
			return fmt.Errorf("content hashing key: %w", err)
		}
		defer hasher.Destroy()
	} else {
		slogger.Warn("CLAUSELIGHT_CONTENT_KEY is not set; direct content uploads disabled")
	}

	hub := gateway.NewHub(reg, slogger)
	gw, err := gateway.New(svc, reg, orch, hub, gateway.Config{
		Hasher:        hasher,
		OperatorToken: cfg.Server.OperatorToken,
	}, slogger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: gw.Router(),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slogger.Info("analysis service listening", "addr", cfg.Server.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
