// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// ErrNotTracked is returned when a user has no tracking record for a hash.
var ErrNotTracked = errors.New("no tracking record for user and content hash")

const trackingPrefix = "trk/"

// TrackingRecord is a user-scoped view of a shared analysis request.
//
// Cancellation is per-user visibility suppression: cancelling marks this
// record, never the shared AnalysisRecord, because other possessors may be
// relying on the same computation. The underlying work runs to completion
// regardless of any individual canceller; a worker observes cancellation
// only through operator-level Cache.Cancel, cooperatively, at checkpoint
// boundaries.
type TrackingRecord struct {
	UserID       string     `json:"user_id"`
	ContentHash  string     `json:"content_hash"`
	AnalysisID   string     `json:"analysis_id"`
	AgentVersion string     `json:"agent_version"`
	RequestedAt  time.Time  `json:"requested_at"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

// Cancelled reports whether the user has suppressed this analysis.
func (r TrackingRecord) Cancelled() bool {
	return r.CancelledAt != nil
}

func trackingKey(userID, contentHash string) []byte {
	return []byte(trackingPrefix + userID + "/" + contentHash)
}

// Track upserts the user's tracking record for an analysis request.
// Re-requesting clears a previous cancellation: the user asked again.
func (c *Cache) Track(ctx context.Context, userID, contentHash, analysisID, agentVersion string) (TrackingRecord, error) {
	if userID == "" {
		return TrackingRecord{}, fmt.Errorf("%w: user id must not be empty", ErrInvalidInput)
	}
	if err := validateKey(contentHash, agentVersion); err != nil {
		return TrackingRecord{}, err
	}

	record := TrackingRecord{
		UserID:       userID,
		ContentHash:  contentHash,
		AnalysisID:   analysisID,
		AgentVersion: agentVersion,
		RequestedAt:  time.Now().UTC(),
	}

	err := c.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode tracking record: %w", err)
		}
		return txn.Set(trackingKey(userID, contentHash), data)
	})
	if err != nil {
		return TrackingRecord{}, err
	}

	recordTracking(ctx)
	return record, nil
}

// GetTracking returns the user's tracking record, or ErrNotTracked.
func (c *Cache) GetTracking(ctx context.Context, userID, contentHash string) (TrackingRecord, error) {
	if userID == "" || contentHash == "" {
		return TrackingRecord{}, fmt.Errorf("%w: user id and content hash required", ErrInvalidInput)
	}

	var record TrackingRecord
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(trackingKey(userID, contentHash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotTracked
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &record) })
	})
	if err != nil {
		return TrackingRecord{}, err
	}
	return record, nil
}

// CancelForUser suppresses an analysis for one user.
//
// Description:
//
//	Marks the user's tracking record cancelled. The shared AnalysisRecord
//	is deliberately untouched; other possessors of the same hash may be
//	mid-read or mid-wait on it. Returns ErrNotTracked when the user never
//	requested this analysis.
//
// Thread Safety: Safe for concurrent use.
func (c *Cache) CancelForUser(ctx context.Context, userID, contentHash string) (TrackingRecord, error) {
	ctx, span := tracer.Start(ctx, "cache.cancel_for_user")
	defer span.End()

	if userID == "" || contentHash == "" {
		return TrackingRecord{}, fmt.Errorf("%w: user id and content hash required", ErrInvalidInput)
	}

	var record TrackingRecord
	err := c.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(trackingKey(userID, contentHash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotTracked
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &record) }); err != nil {
			return err
		}

		if record.CancelledAt == nil {
			now := time.Now().UTC()
			record.CancelledAt = &now
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode tracking record: %w", err)
		}
		return txn.Set(trackingKey(userID, contentHash), data)
	})
	if err != nil {
		return TrackingRecord{}, err
	}

	recordUserCancel(ctx)
	c.logger.Info("analysis suppressed for user",
		slog.String("user_id", userID),
		slog.String("analysis_id", record.AnalysisID),
	)
	return record, nil
}
