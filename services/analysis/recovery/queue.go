// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	// ErrEntryNotFound is returned when a queue entry id is unknown.
	ErrEntryNotFound = errors.New("recovery queue entry not found")

	// ErrRetryExhausted marks a task whose bounded recovery attempts ran
	// out. Surfaced as the task's terminal failure error.
	ErrRetryExhausted = errors.New("recovery attempts exhausted")
)

const (
	entryPrefix  = "rq/"
	byTaskPrefix = "rqt/"
)

// Method is how a discovered task should be recovered.
type Method string

const (
	// MethodResumeCheckpoint loads the latest valid checkpoint and
	// replays from its recoverable data.
	MethodResumeCheckpoint Method = "resume_checkpoint"

	// MethodRestartClean discards checkpoints and reruns from scratch.
	// Chosen when checkpoint integrity fails.
	MethodRestartClean Method = "restart_clean"

	// MethodValidateOnly re-verifies completion without side effects.
	MethodValidateOnly Method = "validate_only"

	// MethodManualIntervention routes the entry to the operator queue;
	// no automatic action is taken.
	MethodManualIntervention Method = "manual_intervention"
)

// EntryStatus is a queue entry's lifecycle state.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryResolved  EntryStatus = "resolved"
	EntryExhausted EntryStatus = "exhausted"
	EntryManual    EntryStatus = "manual"
)

// Terminal reports whether the entry needs no further processing.
func (s EntryStatus) Terminal() bool {
	return s == EntryResolved || s == EntryExhausted
}

// QueueEntry is one scheduled recovery attempt series for a task.
type QueueEntry struct {
	ID           string      `json:"id"`
	TaskID       string      `json:"task_id"`
	Method       Method      `json:"method"`
	Status       EntryStatus `json:"status"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	LastError    string      `json:"last_error,omitempty"`
	Resolution   string      `json:"resolution,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func entryKey(id string) []byte      { return []byte(entryPrefix + id) }
func byTaskKey(taskID string) []byte { return []byte(byTaskPrefix + taskID) }

func readEntry(txn *dgbadger.Txn, id string) (QueueEntry, error) {
	item, err := txn.Get(entryKey(id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return QueueEntry{}, err
	}

	var entry QueueEntry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
		return QueueEntry{}, fmt.Errorf("decode queue entry: %w", err)
	}
	return entry, nil
}

func writeEntry(txn *dgbadger.Txn, entry QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	return txn.Set(entryKey(entry.ID), data)
}

// enqueue creates a pending entry for the task unless an open one exists.
// Returns the open or created entry and whether it was created.
func (o *Orchestrator) enqueue(ctx context.Context, taskID string, method Method, scheduledFor time.Time) (QueueEntry, bool, error) {
	var (
		entry   QueueEntry
		created bool
	)
	err := o.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		created = false

		// One open entry per task: the by-task index points at it.
		if item, err := txn.Get(byTaskKey(taskID)); err == nil {
			var openID string
			if err := item.Value(func(val []byte) error { openID = string(val); return nil }); err != nil {
				return err
			}
			existing, err := readEntry(txn, openID)
			if err == nil && !existing.Status.Terminal() {
				entry = existing
				return nil
			}
			// Stale index (entry resolved or gone): fall through and replace.
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		now := time.Now().UTC()
		entry = QueueEntry{
			ID:           uuid.NewString(),
			TaskID:       taskID,
			Method:       method,
			Status:       EntryPending,
			ScheduledFor: scheduledFor,
			MaxAttempts:  o.cfg.MaxAttempts,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		created = true
		if err := writeEntry(txn, entry); err != nil {
			return err
		}
		return txn.Set(byTaskKey(taskID), []byte(entry.ID))
	})
	if err != nil {
		return QueueEntry{}, false, err
	}
	return entry, created, nil
}

// updateEntry applies fn to the entry atomically.
func (o *Orchestrator) updateEntry(ctx context.Context, id string, fn func(*QueueEntry) error) (QueueEntry, error) {
	var entry QueueEntry
	err := o.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		e, err := readEntry(txn, id)
		if err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		e.UpdatedAt = time.Now().UTC()
		entry = e
		if err := writeEntry(txn, e); err != nil {
			return err
		}
		if e.Status.Terminal() {
			return txn.Delete(byTaskKey(e.TaskID))
		}
		return nil
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

// listEntries returns queue entries matching the filter.
func (o *Orchestrator) listEntries(ctx context.Context, keep func(QueueEntry) bool) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := o.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry QueueEntry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				return fmt.Errorf("decode queue entry: %w", err)
			}
			if keep == nil || keep(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Enqueue schedules recovery of a task with an explicit method. This is
// the operator entry point; the sweep enqueues on its own.
func (o *Orchestrator) Enqueue(ctx context.Context, taskID string, method Method) (QueueEntry, error) {
	switch method {
	case MethodResumeCheckpoint, MethodRestartClean, MethodValidateOnly, MethodManualIntervention:
	default:
		return QueueEntry{}, fmt.Errorf("unknown recovery method %q", method)
	}
	if taskID == "" {
		return QueueEntry{}, errors.New("task id must not be empty")
	}
	entry, _, err := o.enqueue(ctx, taskID, method, time.Now().UTC())
	return entry, err
}

// GetEntry returns a queue entry by id.
func (o *Orchestrator) GetEntry(ctx context.Context, id string) (QueueEntry, error) {
	var entry QueueEntry
	err := o.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		e, err := readEntry(txn, id)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

// ListManual returns entries awaiting operator intervention.
func (o *Orchestrator) ListManual(ctx context.Context) ([]QueueEntry, error) {
	return o.listEntries(ctx, func(e QueueEntry) bool { return e.Status == EntryManual })
}
