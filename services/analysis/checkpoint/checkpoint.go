// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package checkpoint stores durable, named recovery points for tasks.
//
// A running task checkpoints at well-defined resumption points ("text
// extracted", "entities extracted", "pages analyzed"). Checkpoints are
// append-only: a newer checkpoint supersedes, never overwrites, and a task
// may write the same name again for idempotent re-entry. Each checkpoint
// carries a SHA-256 integrity hash over its own payload; on resume the
// recovery orchestrator recomputes it and treats a mismatch as grounds for
// restart_clean, never as state to resume from. LatestValid therefore
// returns the newest checkpoint that passes verification, not necessarily
// the newest row.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

var tracer = otel.Tracer("clauselight.checkpoint")

var (
	// ErrNotFound is returned when a task has no (valid) checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidInput is returned for malformed checkpoint writes.
	ErrInvalidInput = errors.New("invalid checkpoint input")
)

const keyPrefix = "ckpt/"

// Checkpoint is one durable recovery point.
type Checkpoint struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Seq    uint64 `json:"seq"`

	ProgressPercent float64 `json:"progress_percent"`

	// RecoverableData is the opaque blob sufficient to resume the task
	// without redoing work completed before this point.
	RecoverableData json.RawMessage `json:"recoverable_data"`

	// ExternalRefs snapshots identifiers of external records the
	// checkpointed state depends on.
	ExternalRefs []string `json:"external_refs,omitempty"`

	// IntegrityHash is hex SHA-256 over the checkpoint payload.
	IntegrityHash string `json:"integrity_hash"`

	CreatedAt time.Time `json:"created_at"`
}

// computeHash calculates the integrity hash over everything except the
// hash itself.
func computeHash(c Checkpoint) (string, error) {
	payload := struct {
		TaskID          string          `json:"task_id"`
		Name            string          `json:"name"`
		Seq             uint64          `json:"seq"`
		ProgressPercent float64         `json:"progress_percent"`
		RecoverableData json.RawMessage `json:"recoverable_data"`
		ExternalRefs    []string        `json:"external_refs"`
		CreatedAt       int64           `json:"created_at"`
	}{
		TaskID:          c.TaskID,
		Name:            c.Name,
		Seq:             c.Seq,
		ProgressPercent: c.ProgressPercent,
		RecoverableData: c.RecoverableData,
		ExternalRefs:    c.ExternalRefs,
		CreatedAt:       c.CreatedAt.UnixMilli(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal for integrity hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the integrity hash and compares it to the stored one.
func (c Checkpoint) Verify() bool {
	expected, err := computeHash(c)
	if err != nil {
		return false
	}
	return c.IntegrityHash == expected
}

// Store persists checkpoints.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// New creates a Store over the given database.
func New(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

func storageKey(taskID string, seq uint64) []byte {
	key := make([]byte, 0, len(keyPrefix)+len(taskID)+1+8)
	key = append(key, keyPrefix...)
	key = append(key, taskID...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// Save appends a checkpoint.
//
// Description:
//
//	Assigns the next sequence number, computes the integrity hash over the
//	checkpoint payload, and writes the row. Re-using a checkpoint name is
//	allowed; the newest valid row is authoritative regardless of name.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	taskID - The owning task.
//	name - The resumption point's name. Must be non-empty.
//	progress - Progress percent at this point (0-100).
//	data - Opaque resumable state. Must be non-nil.
//	externalRefs - Optional snapshot of referenced record ids.
//
// Outputs:
//
//	Checkpoint - The stored checkpoint, hash included.
//	error - ErrInvalidInput or a storage error.
//
// Thread Safety: Safe for concurrent use; concurrent saves for one task
// serialize via transaction conflict retry.
func (s *Store) Save(ctx context.Context, taskID, name string, progress float64, data json.RawMessage, externalRefs []string) (Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.save",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("checkpoint.name", name),
		),
	)
	defer span.End()

	if taskID == "" || name == "" {
		return Checkpoint{}, fmt.Errorf("%w: task id and name required", ErrInvalidInput)
	}
	if progress < 0 || progress > 100 {
		return Checkpoint{}, fmt.Errorf("%w: progress %v out of range", ErrInvalidInput, progress)
	}
	if data == nil {
		return Checkpoint{}, fmt.Errorf("%w: recoverable data must not be nil", ErrInvalidInput)
	}

	var cp Checkpoint
	err := s.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		seq, err := s.nextSeq(txn, taskID)
		if err != nil {
			return err
		}

		cp = Checkpoint{
			TaskID:          taskID,
			Name:            name,
			Seq:             seq,
			ProgressPercent: progress,
			RecoverableData: data,
			ExternalRefs:    externalRefs,
			CreatedAt:       time.Now().UTC(),
		}
		cp.IntegrityHash, err = computeHash(cp)
		if err != nil {
			return err
		}

		encoded, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode checkpoint: %w", err)
		}
		return txn.Set(storageKey(taskID, seq), encoded)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Checkpoint{}, err
	}

	s.logger.Debug("checkpoint saved",
		slog.String("task_id", taskID),
		slog.String("name", name),
		slog.Uint64("seq", cp.Seq),
		slog.Float64("progress", progress),
	)
	return cp, nil
}

func (s *Store) nextSeq(txn *dgbadger.Txn, taskID string) (uint64, error) {
	prefix := []byte(keyPrefix + taskID + "/")
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 1, nil
	}
	key := it.Item().Key()
	return binary.BigEndian.Uint64(key[len(prefix):]) + 1, nil
}

// LatestValid returns the newest checkpoint passing integrity verification.
//
// Description:
//
//	Walks the task's checkpoints newest-first, skipping any row whose
//	recomputed hash differs from the stored one. Corrupt rows are logged
//	and left in place for diagnosis. Returns ErrNotFound when no valid
//	checkpoint exists; the recovery orchestrator then falls back to
//	restart_clean.
func (s *Store) LatestValid(ctx context.Context, taskID string) (Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.latest_valid",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
	defer span.End()

	if taskID == "" {
		return Checkpoint{}, fmt.Errorf("%w: task id required", ErrInvalidInput)
	}

	prefix := []byte(keyPrefix + taskID + "/")
	var found *Checkpoint

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &cp) }); err != nil {
				s.logger.Warn("undecodable checkpoint skipped",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()))
				continue
			}
			if !cp.Verify() {
				s.logger.Warn("corrupt checkpoint skipped",
					slog.String("task_id", taskID),
					slog.String("name", cp.Name),
					slog.Uint64("seq", cp.Seq))
				continue
			}
			found = &cp
			return nil
		}
		return nil
	})
	if err != nil {
		return Checkpoint{}, err
	}
	if found == nil {
		return Checkpoint{}, fmt.Errorf("%w: no valid checkpoint for task %s", ErrNotFound, taskID)
	}

	span.SetAttributes(attribute.String("checkpoint.name", found.Name))
	return *found, nil
}

// List returns all checkpoints for a task in write order, including
// corrupt ones. Diagnostic use.
func (s *Store) List(ctx context.Context, taskID string) ([]Checkpoint, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id required", ErrInvalidInput)
	}

	prefix := []byte(keyPrefix + taskID + "/")
	var cps []Checkpoint

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &cp) }); err != nil {
				return fmt.Errorf("decode checkpoint: %w", err)
			}
			cps = append(cps, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cps, nil
}

// DeleteForTask discards all of a task's checkpoints. Used by restart_clean
// and by the retention sweep after a task entry is removed.
func (s *Store) DeleteForTask(ctx context.Context, taskID string) (int, error) {
	if taskID == "" {
		return 0, fmt.Errorf("%w: task id required", ErrInvalidInput)
	}

	prefix := []byte(keyPrefix + taskID + "/")
	removed := 0

	err := s.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		removed = 0
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Info("checkpoints discarded",
			slog.String("task_id", taskID),
			slog.Int("removed", removed))
	}
	return removed, nil
}
