// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry tracks every asynchronous processing task's lifecycle.
//
// A TaskRegistryEntry is the durable truth about a task: its state, progress,
// heartbeat, retry budget, and a pointer to its last resumable checkpoint.
// Workers on different machines coordinate only through these records (there
// are no in-memory locks to share), so Transition is the single mutator and
// runs as one atomic conditional update: it validates the edge against the
// transition table, appends to the append-only state history, refreshes the
// heartbeat, and stamps started/completed timestamps, all in one transaction.
//
// Entries are retained after completion for audit; a separate retention sweep
// removes old terminal entries.
package registry

import (
	"context"
	"encoding/binary"
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

var tracer = otel.Tracer("clauselight.registry")

var (
	// ErrUnknownTask is returned when the task id is not registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTaskExists is returned when registering an already-known task id.
	ErrTaskExists = errors.New("task already registered")

	// ErrInvalidTransition is returned for edges missing from the
	// transition table. Always fatal to the call.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrInvalidInput is returned for malformed registrations.
	ErrInvalidInput = errors.New("invalid task input")
)

const (
	taskPrefix    = "task/"
	historyPrefix = "th/"
	activePrefix  = "tact/"
)

// Entry is one task's durable registry record.
type Entry struct {
	TaskID        string `json:"task_id"`
	TaskName      string `json:"task_name"`
	CurrentState  State  `json:"current_state"`
	PreviousState State  `json:"previous_state,omitempty"`

	// ContentHash and AgentVersion reference the analysis record this
	// task is producing, when there is one.
	ContentHash  string `json:"content_hash,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`

	Args            json.RawMessage `json:"args,omitempty"`
	ProgressPercent float64         `json:"progress_percent"`
	StepDescription string          `json:"step_description,omitempty"`

	// CheckpointData is the last-known resumable state pointer, updated
	// on checkpoint transitions.
	CheckpointData json.RawMessage `json:"checkpoint_data,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`

	RetryCount          int  `json:"retry_count"`
	MaxRetries          int  `json:"max_retries"`
	RecoveryPriority    int  `json:"recovery_priority"`
	AutoRecoveryEnabled bool `json:"auto_recovery_enabled"`

	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HistoryEvent is one appended edge in a task's state history.
type HistoryEvent struct {
	TaskID   string    `json:"task_id"`
	Seq      uint64    `json:"seq"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Progress float64   `json:"progress"`
}

// Registration describes a new task.
type Registration struct {
	// TaskID is the caller-supplied unique token.
	TaskID string

	// TaskName names the kind of work ("document_analysis", ...).
	TaskName string

	// InitialState is queued when zero. Only queued and started are legal.
	InitialState State

	// ContentHash/AgentVersion optionally bind the task to an analysis record.
	ContentHash  string
	AgentVersion string

	Args             json.RawMessage
	MaxRetries       int
	RecoveryPriority int

	// AutoRecovery opts the task into the recovery sweep.
	AutoRecovery bool
}

// Update carries the optional fields a transition may set.
type Update struct {
	// Progress, when non-nil, replaces progress_percent (0-100).
	Progress *float64

	// StepDescription, when non-empty, replaces the current step label.
	StepDescription string

	// CheckpointData, when non-nil, replaces the resumable state pointer.
	CheckpointData json.RawMessage

	// Error is recorded on failure edges.
	Error string

	// Result is recorded on completion edges.
	Result json.RawMessage

	// IncrementRetry bumps retry_count (used by recovery).
	IncrementRetry bool
}

// Observer is a post-commit hook receiving every landed transition.
// Used for progress events; must not block.
type Observer func(Entry, HistoryEvent)

// Registry stores task entries and their histories.
type Registry struct {
	db        *badger.DB
	logger    *slog.Logger
	observers []Observer
}

// New creates a Registry over the given database.
func New(db *badger.DB, logger *slog.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, logger: logger}, nil
}

// OnTransition registers a post-commit observer. Register during wiring,
// not concurrently with mutations.
func (r *Registry) OnTransition(fn Observer) {
	r.observers = append(r.observers, fn)
}

func taskKey(taskID string) []byte { return []byte(taskPrefix + taskID) }

func activeKey(taskID string) []byte { return []byte(activePrefix + taskID) }

func historyKey(taskID string, seq uint64) []byte {
	key := make([]byte, 0, len(historyPrefix)+len(taskID)+1+8)
	key = append(key, historyPrefix...)
	key = append(key, taskID...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func readEntry(txn *dgbadger.Txn, taskID string) (Entry, error) {
	item, err := txn.Get(taskKey(taskID))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
		return Entry{}, fmt.Errorf("decode task entry: %w", err)
	}
	return entry, nil
}

func writeEntry(txn *dgbadger.Txn, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode task entry: %w", err)
	}
	return txn.Set(taskKey(entry.TaskID), data)
}

// Register creates a task entry.
//
// Description:
//
//	Creates the entry in its initial state (queued by default) with a
//	fresh heartbeat, and indexes it as active. Registering an existing
//	task id fails with ErrTaskExists: task ids are caller-supplied unique
//	tokens, and silent adoption would mask scheduler bugs.
//
// Outputs:
//
//	Entry - The created entry.
//	error - ErrInvalidInput, ErrTaskExists, or a storage error.
//
// Thread Safety: Safe for concurrent use; racing registrations of the same
// id resolve to one winner and one ErrTaskExists.
func (r *Registry) Register(ctx context.Context, reg Registration) (Entry, error) {
	ctx, span := tracer.Start(ctx, "registry.register",
		trace.WithAttributes(attribute.String("task.name", reg.TaskName)),
	)
	defer span.End()

	if reg.TaskID == "" {
		return Entry{}, fmt.Errorf("%w: task id must not be empty", ErrInvalidInput)
	}
	if reg.TaskName == "" {
		return Entry{}, fmt.Errorf("%w: task name must not be empty", ErrInvalidInput)
	}
	initial := reg.InitialState
	if initial == "" {
		initial = StateQueued
	}
	if !initial.Initial() {
		return Entry{}, fmt.Errorf("%w: initial state %q", ErrInvalidInput, initial)
	}
	if reg.MaxRetries < 0 || reg.RecoveryPriority < 0 {
		return Entry{}, fmt.Errorf("%w: negative retry or priority", ErrInvalidInput)
	}

	now := time.Now().UTC()
	entry := Entry{
		TaskID:              reg.TaskID,
		TaskName:            reg.TaskName,
		CurrentState:        initial,
		ContentHash:         reg.ContentHash,
		AgentVersion:        reg.AgentVersion,
		Args:                reg.Args,
		LastHeartbeat:       now,
		MaxRetries:          reg.MaxRetries,
		RecoveryPriority:    reg.RecoveryPriority,
		AutoRecoveryEnabled: reg.AutoRecovery,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if initial == StateStarted {
		entry.StartedAt = &now
	}

	err := r.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(taskKey(reg.TaskID)); err == nil {
			return fmt.Errorf("%w: %s", ErrTaskExists, reg.TaskID)
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		if err := writeEntry(txn, entry); err != nil {
			return err
		}
		return txn.Set(activeKey(reg.TaskID), []byte{1})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, err
	}

	r.logger.Info("task registered",
		slog.String("task_id", entry.TaskID),
		slog.String("task_name", entry.TaskName),
		slog.String("state", string(entry.CurrentState)),
	)
	return entry, nil
}

// Transition is the only mutator of a task entry.
//
// Description:
//
//	Applies one edge of the state machine atomically: validates newState
//	against the transition table, appends (from, to, timestamp, progress)
//	to the append-only history, refreshes last_heartbeat, sets started_at
//	on the first entry into started/processing and completed_at on
//	terminal edges, and applies the Update fields. Terminal transitions
//	drop the task from the active index.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	taskID - Registered task id.
//	newState - Target state. Must be reachable from the current state.
//	update - Optional field updates.
//
// Outputs:
//
//	Entry - The entry after the transition.
//	error - ErrUnknownTask, ErrInvalidTransition, or a storage error.
//
// Thread Safety: Safe for concurrent use; two workers racing on the same
// task cannot both win: the loser's transaction conflicts, re-reads, and
// revalidates against the new current state.
func (r *Registry) Transition(ctx context.Context, taskID string, newState State, update Update) (Entry, error) {
	ctx, span := tracer.Start(ctx, "registry.transition",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.to_state", string(newState)),
		),
	)
	defer span.End()

	if !Known(newState) {
		return Entry{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, newState)
	}
	if update.Progress != nil && (*update.Progress < 0 || *update.Progress > 100) {
		return Entry{}, fmt.Errorf("%w: progress %v out of range", ErrInvalidInput, *update.Progress)
	}

	var (
		result Entry
		event  HistoryEvent
	)
	err := r.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		entry, err := readEntry(txn, taskID)
		if err != nil {
			return err
		}

		if !CanTransition(entry.CurrentState, newState) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, entry.CurrentState, newState)
		}

		now := time.Now().UTC()
		from := entry.CurrentState

		entry.PreviousState = from
		entry.CurrentState = newState
		entry.LastHeartbeat = now
		entry.UpdatedAt = now

		if update.Progress != nil {
			entry.ProgressPercent = *update.Progress
		}
		if update.StepDescription != "" {
			entry.StepDescription = update.StepDescription
		}
		if update.CheckpointData != nil {
			entry.CheckpointData = update.CheckpointData
		}
		if update.Error != "" {
			entry.Error = update.Error
		}
		if update.Result != nil {
			entry.Result = update.Result
		}
		if update.IncrementRetry {
			entry.RetryCount++
		}

		if entry.StartedAt == nil && (newState == StateStarted || newState == StateProcessing) {
			entry.StartedAt = &now
		}
		if newState.Terminal() {
			entry.CompletedAt = &now
			entry.ProgressPercent = progressForTerminal(newState, entry.ProgressPercent)
		}

		seq, err := nextHistorySeq(txn, taskID)
		if err != nil {
			return err
		}
		event = HistoryEvent{
			TaskID:   taskID,
			Seq:      seq,
			From:     from,
			To:       newState,
			At:       now,
			Progress: entry.ProgressPercent,
		}
		eventData, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode history event: %w", err)
		}
		if err := txn.Set(historyKey(taskID, seq), eventData); err != nil {
			return err
		}

		if newState.Terminal() {
			if err := txn.Delete(activeKey(taskID)); err != nil {
				return err
			}
		}

		result = entry
		return writeEntry(txn, entry)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, err
	}

	r.logger.Debug("task transitioned",
		slog.String("task_id", taskID),
		slog.String("from", string(event.From)),
		slog.String("to", string(event.To)),
		slog.Float64("progress", event.Progress),
	)
	for _, fn := range r.observers {
		fn(result, event)
	}
	return result, nil
}

func progressForTerminal(state State, current float64) float64 {
	if state == StateCompleted {
		return 100
	}
	return current
}

func nextHistorySeq(txn *dgbadger.Txn, taskID string) (uint64, error) {
	prefix := []byte(historyPrefix + taskID + "/")
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek to the end of the task's history range.
	seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 1, nil
	}
	key := it.Item().Key()
	last := binary.BigEndian.Uint64(key[len(prefix):])
	return last + 1, nil
}

// Heartbeat refreshes last_heartbeat without a state change. Valid only in
// working states; heartbeats from elsewhere are a worker bug.
func (r *Registry) Heartbeat(ctx context.Context, taskID string) error {
	return r.db.UpdateWithRetry(ctx, 3, func(txn *dgbadger.Txn) error {
		entry, err := readEntry(txn, taskID)
		if err != nil {
			return err
		}
		switch entry.CurrentState {
		case StateStarted, StateProcessing, StateCheckpoint, StateRecovering:
		default:
			return fmt.Errorf("%w: heartbeat in state %s", ErrInvalidTransition, entry.CurrentState)
		}
		entry.LastHeartbeat = time.Now().UTC()
		entry.UpdatedAt = entry.LastHeartbeat
		return writeEntry(txn, entry)
	})
}

// HeartbeatLoop writes heartbeats on the given interval until ctx ends or
// the task leaves a working state. Intended to run as a worker goroutine.
func (r *Registry) HeartbeatLoop(ctx context.Context, taskID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, taskID); err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					r.logger.Warn("heartbeat failed",
						slog.String("task_id", taskID),
						slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Get returns the entry, or ErrUnknownTask.
func (r *Registry) Get(ctx context.Context, taskID string) (Entry, error) {
	var entry Entry
	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		e, err := readEntry(txn, taskID)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// History returns the task's state history in append order.
func (r *Registry) History(ctx context.Context, taskID string) ([]HistoryEvent, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id must not be empty", ErrInvalidInput)
	}

	prefix := []byte(historyPrefix + taskID + "/")
	var events []HistoryEvent

	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var event HistoryEvent
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &event) }); err != nil {
				return fmt.Errorf("decode history event: %w", err)
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListActive returns all non-terminal entries. The scan walks the active
// index, not the task table, so cost tracks in-flight work.
func (r *Registry) ListActive(ctx context.Context) ([]Entry, error) {
	var ids []string
	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(activePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(activePrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := r.Get(ctx, id)
		if errors.Is(err, ErrUnknownTask) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteTerminalOlderThan removes terminal entries (and their histories)
// whose completion predates the cutoff. This is the audit retention sweep.
func (r *Registry) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var doomed []string
	err := r.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(taskPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				return fmt.Errorf("decode task entry: %w", err)
			}
			if entry.CurrentState.Terminal() && entry.CompletedAt != nil && entry.CompletedAt.Before(cutoff) {
				doomed = append(doomed, entry.TaskID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range doomed {
		err := r.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			if err := txn.Delete(taskKey(id)); err != nil {
				return err
			}
			// History rows share the task's fate.
			opts := dgbadger.DefaultIteratorOptions
			opts.Prefix = []byte(historyPrefix + id + "/")
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
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("task retention sweep removed terminal entries",
			slog.Int("removed", removed))
	}
	return removed, nil
}
