// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis composes the shared analysis cache, the possession
// ledger, and the task registry into the service's entry points.
//
// RequestAnalysis is the write path: it grants the caller possession of
// the content hash, reuses a completed analysis when one exists, and
// otherwise schedules exactly one task per (content_hash, agent_version).
// GetResult is the read path: every read passes the possession gate, and
// a denied read is indistinguishable from a missing record so callers can
// never probe which hashes exist in the shared cache.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clauselight/clauselight/services/analysis/cache"
	"github.com/clauselight/clauselight/services/analysis/possession"
	"github.com/clauselight/clauselight/services/analysis/registry"
)

var tracer = otel.Tracer("clauselight.analysis")

var (
	// ErrAccessDenied is returned when the possession gate rejects a read.
	// Deliberately identical for "no possession" and "no such content".
	ErrAccessDenied = errors.New("access denied")

	// ErrNotReady is returned when the analysis exists but has not
	// completed. Callers should poll progress events instead of retrying.
	ErrNotReady = errors.New("analysis not ready")
)

// Outcome is the result of a RequestAnalysis call.
type Outcome struct {
	// CacheHit is true when a completed analysis was reused.
	CacheHit bool `json:"cache_hit"`

	// AnalysisID identifies the shared analysis record.
	AnalysisID string `json:"analysis_id"`

	// TaskID is set only when this call scheduled a new task.
	TaskID string `json:"task_id,omitempty"`

	// Result is the completed payload on a cache hit.
	Result json.RawMessage `json:"result,omitempty"`
}

// Service is the composition root for analysis requests.
type Service struct {
	ledger   *possession.Ledger
	gate     *possession.Gate
	cache    *cache.Cache
	registry *registry.Registry
	logger   *slog.Logger
}

// NewService wires the service from its collaborators.
func NewService(ledger *possession.Ledger, gate *possession.Gate, analysisCache *cache.Cache, reg *registry.Registry, logger *slog.Logger) (*Service, error) {
	if ledger == nil || gate == nil || analysisCache == nil || reg == nil {
		return nil, errors.New("ledger, gate, cache, and registry are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		gate:     gate,
		cache:    analysisCache,
		registry: reg,
		logger:   logger,
	}, nil
}

// taskIDFor derives the registry task id for an analysis attempt. The
// record id is stable across retries, so the attempt counter keeps each
// rerun's task entry distinct in the audit trail.
func taskIDFor(record cache.Record) string {
	return fmt.Sprintf("%s.%d", record.ID, record.Attempts)
}

// RequestAnalysis is the primary entry point for a user submitting
// content.
//
// Description:
//
//	The caller has already proven possession of the bytes by uploading
//	them (the ingestion pipeline hands us the keyed content hash), so
//	this grants a possession record: origin_upload on a miss, cache_hit
//	when a completed analysis is reused. On a hit the completed result is
//	returned directly and no task is created. On a miss the analysis
//	record is upserted; if this call won the record (rather than
//	adopting another caller's in-flight one) a task is registered for
//	the worker pool. A per-user tracking record is written either way,
//	clearing any earlier cancellation by this user.
//
// Outputs:
//
//	Outcome - Cache-hit flag, analysis id, task id when scheduled.
//	error - Validation or storage error.
//
// Thread Safety: Safe for concurrent use. Racing callers for the same
// (content_hash, agent_version) converge on one record and one task.
func (s *Service) RequestAnalysis(ctx context.Context, userID, contentHash, agentVersion string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "analysis.request",
		trace.WithAttributes(attribute.String("analysis.agent_version", agentVersion)),
	)
	defer span.End()

	record, err := s.cache.Get(ctx, contentHash, agentVersion)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	if err == nil && record.Status == cache.StatusCompleted {
		if _, err := s.ledger.Grant(ctx, userID, contentHash, possession.SourceCacheHit); err != nil {
			return Outcome{}, err
		}
		if _, err := s.cache.Track(ctx, userID, contentHash, record.ID, agentVersion); err != nil {
			return Outcome{}, err
		}
		span.SetAttributes(attribute.Bool("analysis.cache_hit", true))
		return Outcome{CacheHit: true, AnalysisID: record.ID, Result: record.Result}, nil
	}

	record, scheduled, err := s.cache.UpsertPending(ctx, contentHash, agentVersion)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	if _, err := s.ledger.Grant(ctx, userID, contentHash, possession.SourceOriginUpload); err != nil {
		return Outcome{}, err
	}
	if _, err := s.cache.Track(ctx, userID, contentHash, record.ID, agentVersion); err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{AnalysisID: record.ID}
	if scheduled {
		taskID := taskIDFor(record)
		_, err := s.registry.Register(ctx, registry.Registration{
			TaskID:       taskID,
			TaskName:     "document_analysis",
			ContentHash:  contentHash,
			AgentVersion: agentVersion,
			MaxRetries:   3,
			AutoRecovery: true,
		})
		if err != nil && !errors.Is(err, registry.ErrTaskExists) {
			return Outcome{}, err
		}
		outcome.TaskID = taskID

		s.logger.Info("analysis scheduled",
			slog.String("analysis_id", record.ID),
			slog.String("task_id", taskID),
			slog.String("agent_version", agentVersion),
		)
	}
	span.SetAttributes(attribute.Bool("analysis.cache_hit", false))
	return outcome, nil
}

// GetResult returns the completed analysis for a content hash.
//
// Description:
//
//	The possession gate is consulted first; a caller without a
//	possession record gets ErrAccessDenied whether or not the content
//	exists. A caller who cancelled their own request gets ErrNotReady:
//	the shared record is untouched by per-user cancellation, only this
//	user's view of it is suppressed. Otherwise the newest completed
//	analysis across agent versions is returned and the possessor's
//	viewed_at is refreshed.
//
// Outputs:
//
//	json.RawMessage - The completed result payload.
//	error - ErrAccessDenied, ErrNotReady, or a storage error.
func (s *Service) GetResult(ctx context.Context, identity possession.Identity, contentHash string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "analysis.get_result")
	defer span.End()

	allowed, err := s.gate.CanRead(ctx, identity, contentHash)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !allowed {
		return nil, ErrAccessDenied
	}

	if identity.UserID != "" {
		tracking, err := s.cache.GetTracking(ctx, identity.UserID, contentHash)
		if err != nil && !errors.Is(err, cache.ErrNotTracked) {
			return nil, err
		}
		if err == nil && tracking.Cancelled() {
			return nil, ErrNotReady
		}
	}

	record, err := s.cache.LatestCompleted(ctx, contentHash)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, err
	}

	if identity.UserID != "" {
		if err := s.ledger.Touch(ctx, identity.UserID, contentHash); err != nil {
			s.logger.Warn("viewed_at refresh failed",
				slog.String("content_hash", contentHash),
				slog.String("error", err.Error()))
		}
	}
	return record.Result, nil
}

// Progress returns the task entry behind the user's in-flight analysis,
// for polling UIs. Gated the same way as GetResult.
func (s *Service) Progress(ctx context.Context, identity possession.Identity, contentHash, agentVersion string) (registry.Entry, error) {
	allowed, err := s.gate.CanRead(ctx, identity, contentHash)
	if err != nil {
		return registry.Entry{}, err
	}
	if !allowed {
		return registry.Entry{}, ErrAccessDenied
	}

	record, err := s.cache.Get(ctx, contentHash, agentVersion)
	if errors.Is(err, cache.ErrNotFound) {
		return registry.Entry{}, ErrNotReady
	}
	if err != nil {
		return registry.Entry{}, err
	}

	entry, err := s.registry.Get(ctx, taskIDFor(record))
	if errors.Is(err, registry.ErrUnknownTask) {
		return registry.Entry{}, ErrNotReady
	}
	return entry, err
}

// Cancel suppresses this user's view of an in-flight analysis. The shared
// record and any running worker are untouched; other possessors are
// unaffected.
func (s *Service) Cancel(ctx context.Context, userID, contentHash string) error {
	_, err := s.cache.CancelForUser(ctx, userID, contentHash)
	return err
}
