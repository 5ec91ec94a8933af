// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache holds the single authoritative analysis result per content.
//
// One AnalysisRecord exists per (content_hash, agent_version); the record IS
// the uniqueness constraint, so at-most-one-in-flight holds by construction
// rather than by locking. Records move through
//
//	pending → processing → completed | failed
//
// with cancelled reachable from pending and processing. Completed records
// are never reset: UpsertPending on a completed record is a no-op returning
// the existing id, which is what lets strangers share one expensive
// computation and protects readers of the shared result.
//
// Per-user cancellation lives in tracking.go and never mutates the shared
// record.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

var (
	// ErrNotFound is returned when no analysis record exists.
	ErrNotFound = errors.New("analysis record not found")

	// ErrInvalidTransition is returned when a mutation is attempted from a
	// state that does not permit it. Always fatal to the call; never
	// coerced into a different transition.
	ErrInvalidTransition = errors.New("invalid analysis state transition")

	// ErrInvalidInput is returned for malformed identifiers.
	ErrInvalidInput = errors.New("invalid analysis input")
)

const analysisPrefix = "ana/"

// Status is the analysis record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is the shared analysis result for one (content_hash, agent_version).
type Record struct {
	// ID is stable across retry resets, so racing callers and recovering
	// workers always converge on the same identifier.
	ID           string          `json:"id"`
	ContentHash  string          `json:"content_hash"`
	AgentVersion string          `json:"agent_version"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Observer is a post-commit hook invoked after a record mutation lands.
// Hooks run synchronously on the mutating goroutine, after the transaction
// commits, so ordering and idempotence are visible in code rather than
// buried in storage triggers.
type Observer func(Record)

// Cache is the analysis cache.
type Cache struct {
	db        *badger.DB
	logger    *slog.Logger
	observers []Observer
}

// New creates a Cache over the given database.
func New(db *badger.DB, logger *slog.Logger) (*Cache, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("init cache metrics: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// OnChange registers a post-commit observer. Not safe to call concurrently
// with mutations; register during wiring.
func (c *Cache) OnChange(fn Observer) {
	c.observers = append(c.observers, fn)
}

func (c *Cache) notify(record Record) {
	for _, fn := range c.observers {
		fn(record)
	}
}

func validateKey(contentHash, agentVersion string) error {
	if contentHash == "" || strings.ContainsRune(contentHash, '/') {
		return fmt.Errorf("%w: content hash %q", ErrInvalidInput, contentHash)
	}
	if !semver.IsValid(agentVersion) {
		return fmt.Errorf("%w: agent version %q is not valid semver", ErrInvalidInput, agentVersion)
	}
	return nil
}

func recordKey(contentHash, agentVersion string) []byte {
	return []byte(analysisPrefix + contentHash + "/" + agentVersion)
}

func readRecord(txn *dgbadger.Txn, key []byte) (Record, error) {
	item, err := txn.Get(key)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &record) }); err != nil {
		return Record{}, fmt.Errorf("decode analysis record: %w", err)
	}
	return record, nil
}

func writeRecord(txn *dgbadger.Txn, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode analysis record: %w", err)
	}
	return txn.Set(recordKey(record.ContentHash, record.AgentVersion), data)
}

// UpsertPending ensures a schedulable record exists.
//
// Description:
//
//	Creates a pending record if none exists. If the record is completed,
//	this is a no-op returning the existing record: completed analyses are
//	never silently reset. If the record is failed or cancelled, it is
//	reset to pending for a retry (same id, attempts incremented, error
//	cleared). If the record is already pending or processing, the caller
//	adopts it.
//
//	Two callers racing to create the record resolve via conflict-retry:
//	the loser re-reads and adopts the winner's id rather than erroring.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	contentHash - The content hash. Must be non-empty.
//	agentVersion - Analysis agent semver.
//
// Outputs:
//
//	Record - The authoritative record.
//	bool - True when the caller must schedule work (record was created or
//	reset to pending by this call); false when existing work is adopted
//	or the analysis is already terminal-completed.
//	error - ErrInvalidInput or a storage error.
//
// Thread Safety: Safe for concurrent use across processes.
func (c *Cache) UpsertPending(ctx context.Context, contentHash, agentVersion string) (Record, bool, error) {
	ctx, span := tracer.Start(ctx, "cache.upsert_pending",
		trace.WithAttributes(attribute.String("analysis.agent_version", agentVersion)),
	)
	defer span.End()

	if err := validateKey(contentHash, agentVersion); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Record{}, false, err
	}

	var (
		result    Record
		scheduled bool
	)
	err := c.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		scheduled = false
		now := time.Now().UTC()

		existing, err := readRecord(txn, recordKey(contentHash, agentVersion))
		switch {
		case errors.Is(err, ErrNotFound):
			result = Record{
				ID:           uuid.NewString(),
				ContentHash:  contentHash,
				AgentVersion: agentVersion,
				Status:       StatusPending,
				Attempts:     1,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			scheduled = true
			return writeRecord(txn, result)

		case err != nil:
			return err

		case existing.Status == StatusCompleted:
			result = existing
			return nil

		case existing.Status == StatusFailed || existing.Status == StatusCancelled:
			existing.Status = StatusPending
			existing.ErrorDetail = ""
			existing.Attempts++
			existing.UpdatedAt = now
			existing.CompletedAt = nil
			result = existing
			scheduled = true
			return writeRecord(txn, existing)

		default: // pending or processing: adopt in-flight work
			result = existing
			return nil
		}
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Record{}, false, err
	}

	if result.Status == StatusCompleted {
		recordHit(ctx)
	} else {
		recordMiss(ctx)
	}
	if scheduled {
		c.notify(result)
	}
	return result, scheduled, nil
}

// MarkProcessing moves a pending record to processing (a worker claimed it).
func (c *Cache) MarkProcessing(ctx context.Context, contentHash, agentVersion string) (Record, error) {
	return c.mutate(ctx, "cache.mark_processing", contentHash, agentVersion, func(r *Record) error {
		if r.Status != StatusPending {
			return fmt.Errorf("%w: mark_processing requires pending, record is %s", ErrInvalidTransition, r.Status)
		}
		r.Status = StatusProcessing
		return nil
	})
}

// Complete stores the result and moves the record to completed.
//
// Description:
//
//	Requires current status processing. Calling Complete from a terminal
//	state returns ErrInvalidTransition: a finished analysis is immutable
//	and a second completion would imply duplicated side effects upstream.
func (c *Cache) Complete(ctx context.Context, contentHash, agentVersion string, result json.RawMessage) (Record, error) {
	return c.mutate(ctx, "cache.complete", contentHash, agentVersion, func(r *Record) error {
		if r.Status != StatusProcessing {
			return fmt.Errorf("%w: complete requires processing, record is %s", ErrInvalidTransition, r.Status)
		}
		now := time.Now().UTC()
		r.Status = StatusCompleted
		r.Result = result
		r.ErrorDetail = ""
		r.CompletedAt = &now
		return nil
	})
}

// Fail records an error and moves the record to failed.
//
// Description:
//
//	Requires a non-terminal status. Partial results already on the record
//	are kept for diagnosis.
func (c *Cache) Fail(ctx context.Context, contentHash, agentVersion, errorDetail string) (Record, error) {
	return c.mutate(ctx, "cache.fail", contentHash, agentVersion, func(r *Record) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: fail requires non-terminal, record is %s", ErrInvalidTransition, r.Status)
		}
		now := time.Now().UTC()
		r.Status = StatusFailed
		r.ErrorDetail = errorDetail
		r.CompletedAt = &now
		return nil
	})
}

// Cancel moves a pending or processing record to cancelled. This is an
// operator-level action on the shared record; user-level cancellation goes
// through CancelForUser and never reaches here.
func (c *Cache) Cancel(ctx context.Context, contentHash, agentVersion string) (Record, error) {
	return c.mutate(ctx, "cache.cancel", contentHash, agentVersion, func(r *Record) error {
		if r.Status != StatusPending && r.Status != StatusProcessing {
			return fmt.Errorf("%w: cancel requires pending or processing, record is %s", ErrInvalidTransition, r.Status)
		}
		now := time.Now().UTC()
		r.Status = StatusCancelled
		r.CompletedAt = &now
		return nil
	})
}

func (c *Cache) mutate(ctx context.Context, spanName, contentHash, agentVersion string, apply func(*Record) error) (Record, error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	if err := validateKey(contentHash, agentVersion); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}

	var result Record
	err := c.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		record, err := readRecord(txn, recordKey(contentHash, agentVersion))
		if err != nil {
			return err
		}
		if err := apply(&record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		result = record
		return writeRecord(txn, record)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}

	span.SetAttributes(attribute.String("analysis.status", string(result.Status)))
	c.logger.Debug("analysis record updated",
		slog.String("analysis_id", result.ID),
		slog.String("status", string(result.Status)),
	)
	c.notify(result)
	return result, nil
}

// Get returns the record for (content_hash, agent_version), or ErrNotFound.
// A single key lookup; never a scan.
func (c *Cache) Get(ctx context.Context, contentHash, agentVersion string) (Record, error) {
	if err := validateKey(contentHash, agentVersion); err != nil {
		return Record{}, err
	}

	var record Record
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		r, err := readRecord(txn, recordKey(contentHash, agentVersion))
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// LatestCompleted returns the completed record with the highest agent
// version for a hash, or ErrNotFound. The scan is bounded to the hash's own
// prefix (a handful of agent versions).
func (c *Cache) LatestCompleted(ctx context.Context, contentHash string) (Record, error) {
	if contentHash == "" || strings.ContainsRune(contentHash, '/') {
		return Record{}, fmt.Errorf("%w: content hash %q", ErrInvalidInput, contentHash)
	}

	var best *Record
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(analysisPrefix + contentHash + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &record) }); err != nil {
				return fmt.Errorf("decode analysis record: %w", err)
			}
			if record.Status != StatusCompleted {
				continue
			}
			if best == nil || semver.Compare(record.AgentVersion, best.AgentVersion) > 0 {
				r := record
				best = &r
			}
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if best == nil {
		return Record{}, ErrNotFound
	}
	return *best, nil
}
