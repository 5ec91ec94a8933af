// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"log/slog"

	"github.com/clauselight/clauselight/services/analysis/checkpoint"
	"github.com/clauselight/clauselight/services/analysis/registry"
)

// RequeueRunner recovers tasks by handing them back to the worker pool:
// the task transitions to queued and the next free worker claims it. On
// resume the checkpoint's recoverable data is attached to the entry so
// the worker starts from there instead of from scratch.
type RequeueRunner struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewRequeueRunner creates a RequeueRunner.
func NewRequeueRunner(reg *registry.Registry, logger *slog.Logger) *RequeueRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequeueRunner{registry: reg, logger: logger}
}

// Resume requeues the task carrying the checkpoint's recoverable data.
func (r *RequeueRunner) Resume(ctx context.Context, task registry.Entry, cp checkpoint.Checkpoint) error {
	progress := cp.ProgressPercent
	_, err := r.registry.Transition(ctx, task.TaskID, registry.StateQueued, registry.Update{
		Progress:        &progress,
		StepDescription: "resuming from checkpoint " + cp.Name,
		CheckpointData:  cp.RecoverableData,
	})
	if err != nil {
		return err
	}
	r.logger.Info("task requeued from checkpoint",
		slog.String("task_id", task.TaskID),
		slog.String("checkpoint", cp.Name))
	return nil
}

// Restart requeues the task at zero progress with no resumable state.
func (r *RequeueRunner) Restart(ctx context.Context, task registry.Entry) error {
	zero := 0.0
	_, err := r.registry.Transition(ctx, task.TaskID, registry.StateQueued, registry.Update{
		Progress:        &zero,
		StepDescription: "restarted from scratch",
		// JSON null overwrites the stale resumable-state pointer; Update
		// treats a nil slice as "leave unchanged".
		CheckpointData: []byte("null"),
	})
	if err != nil {
		return err
	}
	r.logger.Info("task requeued from scratch", slog.String("task_id", task.TaskID))
	return nil
}
