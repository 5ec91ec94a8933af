// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

// State is a task's lifecycle state.
type State string

const (
	// StateQueued is the default initial state: registered, not yet picked up.
	StateQueued State = "queued"

	// StateStarted means a worker claimed the task but has not begun the
	// main processing loop.
	StateStarted State = "started"

	// StateProcessing is the main working state. Heartbeats are expected
	// on a short interval while here.
	StateProcessing State = "processing"

	// StateCheckpoint is a stable sub-state of processing, reached after
	// each durable checkpoint write.
	StateCheckpoint State = "checkpoint"

	// StatePaused is a deliberate, operator- or worker-initiated hold.
	StatePaused State = "paused"

	// StateCompleted, StateFailed, and StateCancelled are terminal.
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"

	// StateRecovering means the recovery orchestrator owns the task.
	StateRecovering State = "recovering"

	// StatePartial and StateOrphaned are diagnostic states the recovery
	// sweep assigns when a heartbeat went stale without a terminal
	// transition: partial when durable progress exists, orphaned when
	// none does.
	StatePartial  State = "partial"
	StateOrphaned State = "orphaned"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Initial reports whether a task may be registered directly in this state.
func (s State) Initial() bool {
	return s == StateQueued || s == StateStarted
}

// transitions is the explicit transition table. A transition is legal iff
// the target appears in the source's row. Terminal states have no row.
var transitions = map[State][]State{
	StateQueued:     {StateStarted, StateProcessing, StateCancelled, StateOrphaned},
	StateStarted:    {StateProcessing, StateFailed, StateCancelled, StateOrphaned},
	StateProcessing: {StateCheckpoint, StatePaused, StateCompleted, StateFailed, StateCancelled, StateRecovering, StatePartial, StateOrphaned},
	StateCheckpoint: {StateProcessing, StatePaused, StateCompleted, StateFailed, StateCancelled, StateRecovering, StatePartial, StateOrphaned},
	StatePaused:     {StateProcessing, StateFailed, StateCancelled, StateOrphaned},
	StateRecovering: {StateQueued, StateProcessing, StateCompleted, StateFailed, StateCancelled, StatePartial},
	StatePartial:    {StateRecovering, StateFailed, StateCancelled},
	StateOrphaned:   {StateRecovering, StateFailed, StateCancelled},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Known reports whether s is a defined state.
func Known(s State) bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}
