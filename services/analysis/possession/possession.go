// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package possession records which users may read which shared content.
//
// A PossessionRecord (user_id, content_hash) is minted when a user uploads
// content or is granted a cache hit. It is the only bridge between private
// ownership and the shared analysis cache: two strangers who upload
// byte-identical contracts both hold possession of the same hash and both
// see the one computed analysis, without either learning who else uploaded
// it. Records are keyed per user and are never joined across users in any
// read path.
//
// The Gate is the single authorization predicate. Every read of a shared
// AnalysisRecord, ContentArtifact, or derived view goes through CanRead;
// only an explicit service principal bypasses it.
package possession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

var tracer = otel.Tracer("clauselight.possession")

var (
	// ErrNotFound is returned when no possession record exists.
	ErrNotFound = errors.New("possession record not found")

	// ErrInvalidInput is returned for empty or malformed identifiers.
	ErrInvalidInput = errors.New("invalid possession input")
)

const keyPrefix = "pos/"

// Source records how a user came to possess a content hash. It is audit
// metadata only: every source grants equal read rights.
type Source string

const (
	SourceOriginUpload Source = "origin_upload"
	SourceCacheHit     Source = "cache_hit"
	SourceSharedView   Source = "shared_view"
)

func (s Source) valid() bool {
	switch s {
	case SourceOriginUpload, SourceCacheHit, SourceSharedView:
		return true
	}
	return false
}

// Record proves a user's entitlement to read a shared content hash.
// Read-only after creation except for the ViewedAt refresh.
type Record struct {
	UserID      string     `json:"user_id"`
	ContentHash string     `json:"content_hash"`
	Source      Source     `json:"source"`
	GrantedAt   time.Time  `json:"granted_at"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
}

// Identity names the principal performing a read.
type Identity struct {
	// UserID identifies an end user. Empty for service principals.
	UserID string

	// Service marks a trusted backend principal that bypasses the gate.
	// The bypass is explicit here so no read path can acquire it by
	// accident.
	Service bool
}

// UserIdentity returns an end-user identity.
func UserIdentity(userID string) Identity {
	return Identity{UserID: userID}
}

// ServiceIdentity returns the trusted-backend principal.
func ServiceIdentity() Identity {
	return Identity{Service: true}
}

func validateIDs(userID, contentHash string) error {
	if userID == "" || strings.ContainsRune(userID, '/') {
		return fmt.Errorf("%w: user id %q", ErrInvalidInput, userID)
	}
	if contentHash == "" || strings.ContainsRune(contentHash, '/') {
		return fmt.Errorf("%w: content hash %q", ErrInvalidInput, contentHash)
	}
	return nil
}

func storageKey(userID, contentHash string) []byte {
	return []byte(keyPrefix + userID + "/" + contentHash)
}

// Ledger stores possession records.
type Ledger struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewLedger creates a Ledger over the given database.
func NewLedger(db *badger.DB, logger *slog.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Grant mints a possession record.
//
// Description:
//
//	Inserts the record if absent. Granting an already-possessed hash is a
//	no-op returning the existing record: the first source is the one that
//	matters for audit, and re-granting must never weaken or reset it.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	userID - The possessing user. Must be non-empty.
//	contentHash - The shared content hash. Must be non-empty.
//	source - How possession was acquired. Audit only.
//
// Outputs:
//
//	Record - The stored record (existing one on repeat grants).
//	error - ErrInvalidInput or a storage error.
//
// Thread Safety: Safe for concurrent use; racing grants converge on one
// record.
func (l *Ledger) Grant(ctx context.Context, userID, contentHash string, source Source) (Record, error) {
	ctx, span := tracer.Start(ctx, "possession.grant",
		trace.WithAttributes(attribute.String("possession.source", string(source))),
	)
	defer span.End()

	if err := validateIDs(userID, contentHash); err != nil {
		return Record{}, err
	}
	if !source.valid() {
		return Record{}, fmt.Errorf("%w: source %q", ErrInvalidInput, source)
	}

	record := Record{
		UserID:      userID,
		ContentHash: contentHash,
		Source:      source,
		GrantedAt:   time.Now().UTC(),
	}

	var stored Record
	err := l.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(storageKey(userID, contentHash))
		if err == nil {
			return item.Value(func(val []byte) error { return json.Unmarshal(val, &stored) })
		}
		if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode possession record: %w", err)
		}
		stored = record
		return txn.Set(storageKey(userID, contentHash), data)
	})
	if err != nil {
		return Record{}, err
	}

	l.logger.Debug("possession granted",
		slog.String("user_id", userID),
		slog.String("source", string(stored.Source)),
	)
	return stored, nil
}

// Get returns the user's possession record for a hash, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, userID, contentHash string) (Record, error) {
	if err := validateIDs(userID, contentHash); err != nil {
		return Record{}, err
	}

	var record Record
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(storageKey(userID, contentHash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &record) })
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// Touch refreshes ViewedAt, the only mutable field on a possession record.
func (l *Ledger) Touch(ctx context.Context, userID, contentHash string) error {
	if err := validateIDs(userID, contentHash); err != nil {
		return err
	}

	return l.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(storageKey(userID, contentHash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var record Record
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &record) }); err != nil {
			return err
		}

		now := time.Now().UTC()
		record.ViewedAt = &now

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode possession record: %w", err)
		}
		return txn.Set(storageKey(userID, contentHash), data)
	})
}

// ListForUser returns one user's possession records. The scan is bounded to
// the user's own key prefix; there is deliberately no operation that lists
// possessors of a hash.
func (l *Ledger) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	if userID == "" || strings.ContainsRune(userID, '/') {
		return nil, fmt.Errorf("%w: user id %q", ErrInvalidInput, userID)
	}

	prefix := []byte(keyPrefix + userID + "/")
	var records []Record

	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &record) }); err != nil {
				return fmt.Errorf("decode possession record: %w", err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Gate evaluates read authorization for shared records.
type Gate struct {
	ledger *Ledger
}

// NewGate creates a Gate over the ledger.
func NewGate(ledger *Ledger) (*Gate, error) {
	if ledger == nil {
		return nil, errors.New("ledger must not be nil")
	}
	return &Gate{ledger: ledger}, nil
}

// CanRead reports whether the identity may read the shared content hash.
//
// Description:
//
//	True for the service principal, and for users holding a possession
//	record for the hash. All possession sources grant equal rights. The
//	predicate is a single O(1) key lookup.
//
// Outputs:
//
//	bool - Whether the read is allowed.
//	error - Storage errors only; a missing record is (false, nil).
func (g *Gate) CanRead(ctx context.Context, identity Identity, contentHash string) (bool, error) {
	if identity.Service {
		return true, nil
	}
	if identity.UserID == "" {
		return false, nil
	}

	_, err := g.ledger.Get(ctx, identity.UserID, contentHash)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
