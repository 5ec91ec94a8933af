// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recovery resumes stalled tasks without redoing finished work.
//
// The orchestrator runs two periodic jobs. The sweep scans the task
// registry's active index for auto-recoverable tasks whose heartbeat has
// gone stale (or which already sit in partial/orphaned), classifies them,
// and enqueues a bounded-retry RecoveryQueueEntry per task, ordered by
// recovery priority then by age. The worker claims due entries, validates
// that the work has not already completed through some other path (a
// concurrent worker may have finished it, and recovering anyway would repeat
// completion side effects), and dispatches the recovery method:
// resume_checkpoint from the latest valid checkpoint, restart_clean when no
// checkpoint survives integrity verification, validate_only, or
// manual_intervention for the operator queue. Attempts past max_attempts
// end the task in failed with ErrRetryExhausted rather than looping.
//
// Task execution itself belongs to the worker pool behind the Runner
// interface; the orchestrator only schedules and bookkeeps.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clauselight/clauselight/services/analysis/cache"
	"github.com/clauselight/clauselight/services/analysis/checkpoint"
	"github.com/clauselight/clauselight/services/analysis/registry"
	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

// Runner executes recovered work. Implemented by the worker pool; the
// orchestrator never runs analyses itself.
type Runner interface {
	// Resume continues a task from a verified checkpoint. The runner owns
	// all further state transitions (recovering → processing → ...).
	Resume(ctx context.Context, task registry.Entry, cp checkpoint.Checkpoint) error

	// Restart reruns a task from scratch. Called after checkpoints were
	// discarded.
	Restart(ctx context.Context, task registry.Entry) error
}

// Config tunes the orchestrator.
type Config struct {
	// HeartbeatInterval is the interval workers write heartbeats on.
	HeartbeatInterval time.Duration

	// StalenessThreshold is how old a heartbeat must be before a task is
	// considered stalled. Must be at least ten heartbeat intervals so a
	// merely slow worker is not recovered out from under itself.
	StalenessThreshold time.Duration

	// SweepEvery and ProcessEvery schedule the two periodic jobs.
	SweepEvery   time.Duration
	ProcessEvery time.Duration

	// MaxAttempts bounds recovery attempts per queue entry.
	MaxAttempts int

	// RetryBackoff delays a rescheduled attempt after a failure.
	RetryBackoff time.Duration
}

// DefaultConfig returns production defaults: 10s heartbeats, 5m staleness,
// 1m sweeps, 3 attempts.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  10 * time.Second,
		StalenessThreshold: 5 * time.Minute,
		SweepEvery:         time.Minute,
		ProcessEvery:       30 * time.Second,
		MaxAttempts:        3,
		RetryBackoff:       time.Minute,
	}
}

// Validate checks the configuration's internal consistency.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.StalenessThreshold <= 0 {
		return errors.New("heartbeat interval and staleness threshold must be positive")
	}
	if c.StalenessThreshold < 10*c.HeartbeatInterval {
		return fmt.Errorf("staleness threshold %v must be at least 10x heartbeat interval %v",
			c.StalenessThreshold, c.HeartbeatInterval)
	}
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	return nil
}

// Orchestrator discovers and schedules recovery of stalled tasks.
type Orchestrator struct {
	db          *badger.DB
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	cache       *cache.Cache
	runner      Runner
	cfg         Config
	logger      *slog.Logger
	cron        *cron.Cron
}

// New creates an Orchestrator. The cache may be nil when tasks are not
// bound to analysis records (validation then relies on task state alone).
func New(db *badger.DB, reg *registry.Registry, cps *checkpoint.Store, analysisCache *cache.Cache, runner Runner, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if db == nil || reg == nil || cps == nil || runner == nil {
		return nil, errors.New("db, registry, checkpoint store, and runner are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recovery config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("init recovery metrics: %w", err)
	}
	return &Orchestrator{
		db:          db,
		registry:    reg,
		checkpoints: cps,
		cache:       analysisCache,
		runner:      runner,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Start schedules the periodic sweep and worker jobs.
func (o *Orchestrator) Start() error {
	if o.cron != nil {
		return nil
	}
	o.cron = cron.New()

	sweep := fmt.Sprintf("@every %s", o.cfg.SweepEvery)
	if _, err := o.cron.AddFunc(sweep, func() {
		if _, err := o.Sweep(context.Background()); err != nil {
			o.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	process := fmt.Sprintf("@every %s", o.cfg.ProcessEvery)
	if _, err := o.cron.AddFunc(process, func() {
		if _, err := o.ProcessDue(context.Background(), time.Now().UTC()); err != nil {
			o.logger.Error("recovery processing failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("schedule processing: %w", err)
	}

	o.cron.Start()
	o.logger.Info("recovery orchestrator started",
		slog.Duration("sweep_every", o.cfg.SweepEvery),
		slog.Duration("staleness_threshold", o.cfg.StalenessThreshold),
	)
	return nil
}

// Stop halts the periodic jobs and waits for in-flight runs.
func (o *Orchestrator) Stop() {
	if o.cron == nil {
		return
	}
	ctx := o.cron.Stop()
	<-ctx.Done()
	o.cron = nil
}

// Sweep discovers stalled tasks and enqueues recovery.
//
// Description:
//
//	Selects active tasks with auto-recovery enabled that are either in
//	processing/checkpoint with a heartbeat older than the staleness
//	threshold, or already in partial/orphaned. Stale tasks are first
//	classified: partial when resumable checkpoint data exists, orphaned
//	otherwise. Candidates are ordered by recovery priority descending,
//	then oldest-updated first so low-priority tasks cannot starve
//	forever. One open queue entry exists per task; re-discovery of an
//	already-queued task is a no-op.
//
// Outputs:
//
//	int - Number of queue entries created by this sweep.
//	error - Non-nil on storage failure.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "recovery.sweep")
	defer span.End()

	active, err := o.registry.ListActive(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-o.cfg.StalenessThreshold)
	var candidates []registry.Entry
	for _, task := range active {
		if !task.AutoRecoveryEnabled {
			continue
		}
		switch task.CurrentState {
		case registry.StateProcessing, registry.StateCheckpoint:
			if task.LastHeartbeat.Before(cutoff) {
				candidates = append(candidates, task)
			}
		case registry.StatePartial, registry.StateOrphaned:
			candidates = append(candidates, task)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RecoveryPriority != candidates[j].RecoveryPriority {
			return candidates[i].RecoveryPriority > candidates[j].RecoveryPriority
		}
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	created := 0
	for _, candidate := range candidates {
		task, err := o.classify(ctx, candidate)
		if err != nil {
			o.logger.Error("stalled task classification failed",
				slog.String("task_id", candidate.TaskID),
				slog.String("error", err.Error()))
			continue
		}

		_, isNew, err := o.enqueue(ctx, task.TaskID, MethodResumeCheckpoint, time.Now().UTC())
		if err != nil {
			return created, err
		}
		if isNew {
			created++
			recordDiscovered(ctx)
			o.logger.Warn("stalled task queued for recovery",
				slog.String("task_id", task.TaskID),
				slog.String("state", string(task.CurrentState)),
				slog.Time("last_heartbeat", task.LastHeartbeat),
				slog.Int("priority", task.RecoveryPriority),
			)
		}
	}

	span.SetAttributes(attribute.Int("recovery.enqueued", created))
	return created, nil
}

// classify moves a stale processing/checkpoint task into its diagnostic
// state: partial when it has resumable progress, orphaned when it has none.
func (o *Orchestrator) classify(ctx context.Context, task registry.Entry) (registry.Entry, error) {
	switch task.CurrentState {
	case registry.StatePartial, registry.StateOrphaned:
		return task, nil
	}

	target := registry.StateOrphaned
	if task.CheckpointData != nil {
		target = registry.StatePartial
	} else if _, err := o.checkpoints.LatestValid(ctx, task.TaskID); err == nil {
		target = registry.StatePartial
	}

	updated, err := o.registry.Transition(ctx, task.TaskID, target, registry.Update{})
	if err != nil {
		// Another worker may have transitioned it concurrently; re-read
		// and let the next sweep re-evaluate.
		if errors.Is(err, registry.ErrInvalidTransition) {
			return o.registry.Get(ctx, task.TaskID)
		}
		return registry.Entry{}, err
	}
	return updated, nil
}

// ProcessDue claims and executes due queue entries.
//
// Outputs:
//
//	int - Number of entries processed (resolved, rescheduled, exhausted,
//	or routed to the operator queue).
//	error - Non-nil on storage failure.
func (o *Orchestrator) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "recovery.process_due")
	defer span.End()

	due, err := o.listEntries(ctx, func(e QueueEntry) bool {
		return e.Status == EntryPending && !e.ScheduledFor.After(now)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	processed := 0
	for _, entry := range due {
		// Claim atomically; a concurrent worker loses the conflict and
		// skips the entry.
		claimed, err := o.updateEntry(ctx, entry.ID, func(e *QueueEntry) error {
			if e.Status != EntryPending {
				return fmt.Errorf("%w: entry %s already claimed", ErrEntryNotFound, e.ID)
			}
			e.Status = EntryRunning
			e.Attempts++
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return processed, err
		}

		if err := o.processEntry(ctx, claimed); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (o *Orchestrator) processEntry(ctx context.Context, entry QueueEntry) error {
	ctx, span := tracer.Start(ctx, "recovery.process_entry",
		trace.WithAttributes(
			attribute.String("task.id", entry.TaskID),
			attribute.String("recovery.method", string(entry.Method)),
			attribute.Int("recovery.attempt", entry.Attempts),
		),
	)
	defer span.End()

	task, err := o.registry.Get(ctx, entry.TaskID)
	if errors.Is(err, registry.ErrUnknownTask) {
		_, err := o.resolve(ctx, entry.ID, "task no longer exists")
		return err
	}
	if err != nil {
		return err
	}

	// Validate before recovering: the work may have completed through
	// another path while this entry sat queued. Recovering anyway would
	// repeat completion side effects.
	done, err := o.alreadyCompleted(ctx, task)
	if err != nil {
		return err
	}
	if done {
		recordValidatedComplete(ctx)
		_, err := o.resolve(ctx, entry.ID, "already completed via another path")
		return err
	}

	if entry.Method == MethodManualIntervention {
		_, err := o.updateEntry(ctx, entry.ID, func(e *QueueEntry) error {
			e.Status = EntryManual
			return nil
		})
		return err
	}

	if entry.Method == MethodValidateOnly {
		// Not completed, and validate_only performs no side effects:
		// surface to the operator queue instead of resuming.
		_, err := o.updateEntry(ctx, entry.ID, func(e *QueueEntry) error {
			e.Status = EntryManual
			e.LastError = "validate_only: task is not completed"
			return nil
		})
		return err
	}

	if entry.Attempts > entry.MaxAttempts {
		return o.exhaust(ctx, entry, task)
	}

	method := entry.Method
	var cp checkpoint.Checkpoint
	if method == MethodResumeCheckpoint {
		cp, err = o.checkpoints.LatestValid(ctx, task.TaskID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			// No checkpoint survived integrity verification: fall back
			// to a clean restart rather than resuming corrupt state.
			recordIntegrityFallback(ctx)
			o.logger.Warn("no valid checkpoint, falling back to clean restart",
				slog.String("task_id", task.TaskID))
			method = MethodRestartClean
		} else if err != nil {
			return err
		}
	}

	task, err = o.registry.Transition(ctx, task.TaskID, registry.StateRecovering, registry.Update{IncrementRetry: true})
	if err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			// The task moved on (likely a live worker); nothing to recover.
			_, rerr := o.resolve(ctx, entry.ID, "task progressed on its own")
			return rerr
		}
		return err
	}

	var runErr error
	switch method {
	case MethodResumeCheckpoint:
		o.logger.Info("resuming task from checkpoint",
			slog.String("task_id", task.TaskID),
			slog.String("checkpoint", cp.Name),
			slog.Float64("progress", cp.ProgressPercent))
		runErr = o.runner.Resume(ctx, task, cp)
	case MethodRestartClean:
		if _, err := o.checkpoints.DeleteForTask(ctx, task.TaskID); err != nil {
			return err
		}
		o.logger.Info("restarting task from scratch", slog.String("task_id", task.TaskID))
		runErr = o.runner.Restart(ctx, task)
	default:
		runErr = fmt.Errorf("unknown recovery method %q", method)
	}

	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		if entry.Attempts >= entry.MaxAttempts {
			return o.exhaust(ctx, entry, task)
		}
		// Park the task back in partial so the next attempt can re-enter
		// recovering.
		if _, err := o.registry.Transition(ctx, task.TaskID, registry.StatePartial, registry.Update{Error: runErr.Error()}); err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
			return err
		}
		_, err := o.updateEntry(ctx, entry.ID, func(e *QueueEntry) error {
			e.Status = EntryPending
			e.ScheduledFor = time.Now().UTC().Add(o.cfg.RetryBackoff)
			e.LastError = runErr.Error()
			return nil
		})
		return err
	}

	recordResolved(ctx)
	_, err = o.resolve(ctx, entry.ID, "recovery dispatched")
	return err
}

// alreadyCompleted checks both the task entry and, when the task is bound
// to an analysis record, the shared cache.
func (o *Orchestrator) alreadyCompleted(ctx context.Context, task registry.Entry) (bool, error) {
	if task.CurrentState == registry.StateCompleted {
		return true, nil
	}
	if o.cache == nil || task.ContentHash == "" || task.AgentVersion == "" {
		return false, nil
	}

	record, err := o.cache.Get(ctx, task.ContentHash, task.AgentVersion)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Status == cache.StatusCompleted, nil
}

func (o *Orchestrator) resolve(ctx context.Context, entryID, resolution string) (QueueEntry, error) {
	return o.updateEntry(ctx, entryID, func(e *QueueEntry) error {
		e.Status = EntryResolved
		e.Resolution = resolution
		return nil
	})
}

// exhaust ends a task whose recovery budget ran out: the entry is closed
// and the task fails terminally with a user-visible error.
func (o *Orchestrator) exhaust(ctx context.Context, entry QueueEntry, task registry.Entry) error {
	recordExhausted(ctx)
	o.logger.Error("recovery attempts exhausted",
		slog.String("task_id", task.TaskID),
		slog.Int("attempts", entry.Attempts),
		slog.Int("max_attempts", entry.MaxAttempts),
	)

	if _, err := o.updateEntry(ctx, entry.ID, func(e *QueueEntry) error {
		e.Status = EntryExhausted
		e.LastError = ErrRetryExhausted.Error()
		return nil
	}); err != nil {
		return err
	}

	if !task.CurrentState.Terminal() {
		_, err := o.registry.Transition(ctx, task.TaskID, registry.StateFailed, registry.Update{
			Error: fmt.Sprintf("%v after %d attempts", ErrRetryExhausted, entry.Attempts),
		})
		if err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}
