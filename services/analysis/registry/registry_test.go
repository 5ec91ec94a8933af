// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := New(db, nil)
	require.NoError(t, err)
	return r
}

func register(t *testing.T, r *Registry, id string) Entry {
	t.Helper()
	entry, err := r.Register(context.Background(), Registration{
		TaskID:       id,
		TaskName:     "document_analysis",
		ContentHash:  "h1",
		AgentVersion: "v1.0.0",
		MaxRetries:   3,
		AutoRecovery: true,
	})
	require.NoError(t, err)
	return entry
}

func TestRegister(t *testing.T) {
	r := newRegistry(t)

	entry := register(t, r, "t1")
	assert.Equal(t, StateQueued, entry.CurrentState)
	assert.False(t, entry.LastHeartbeat.IsZero())
	assert.Nil(t, entry.StartedAt)

	_, err := r.Register(context.Background(), Registration{TaskID: "t1", TaskName: "x"})
	require.ErrorIs(t, err, ErrTaskExists)
}

func TestRegister_Validation(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, Registration{TaskName: "x"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Register(ctx, Registration{TaskID: "t", TaskName: ""})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Register(ctx, Registration{TaskID: "t", TaskName: "x", InitialState: StateProcessing})
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestTransition_HappyPath walks queued→started→processing→checkpoint→
// processing→completed and checks stamps and history along the way.
func TestTransition_HappyPath(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	register(t, r, "t1")

	entry, err := r.Transition(ctx, "t1", StateStarted, Update{})
	require.NoError(t, err)
	require.NotNil(t, entry.StartedAt)

	half := 50.0
	entry, err = r.Transition(ctx, "t1", StateProcessing, Update{Progress: &half, StepDescription: "text extracted"})
	require.NoError(t, err)
	assert.Equal(t, 50.0, entry.ProgressPercent)
	assert.Equal(t, "text extracted", entry.StepDescription)

	entry, err = r.Transition(ctx, "t1", StateCheckpoint, Update{CheckpointData: json.RawMessage(`{"step":"text"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":"text"}`, string(entry.CheckpointData))

	_, err = r.Transition(ctx, "t1", StateProcessing, Update{})
	require.NoError(t, err)

	entry, err = r.Transition(ctx, "t1", StateCompleted, Update{Result: json.RawMessage(`{"score":7.2}`)})
	require.NoError(t, err)
	require.NotNil(t, entry.CompletedAt)
	assert.Equal(t, 100.0, entry.ProgressPercent)
	assert.Equal(t, StateProcessing, entry.PreviousState)

	history, err := r.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, StateQueued, history[0].From)
	assert.Equal(t, StateStarted, history[0].To)
	assert.Equal(t, StateCompleted, history[4].To)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].Seq+1, history[i].Seq)
	}
}

func TestTransition_Invalid(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	register(t, r, "t1")

	_, err := r.Transition(ctx, "t1", StateCompleted, Update{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition(ctx, "t1", State("bogus"), Update{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Transition(ctx, "missing", StateStarted, Update{})
	require.ErrorIs(t, err, ErrUnknownTask)
}

// TestTransition_TerminalIsFinal verifies no edge leaves a terminal state.
func TestTransition_TerminalIsFinal(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	register(t, r, "t1")

	_, err := r.Transition(ctx, "t1", StateCancelled, Update{})
	require.NoError(t, err)

	for _, target := range []State{StateQueued, StateStarted, StateProcessing, StateRecovering, StateFailed} {
		_, err = r.Transition(ctx, "t1", target, Update{})
		require.ErrorIs(t, err, ErrInvalidTransition, "cancelled → %s must be rejected", target)
	}
}

func TestHeartbeat(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	register(t, r, "t1")

	_, err := r.Transition(ctx, "t1", StateStarted, Update{})
	require.NoError(t, err)
	_, err = r.Transition(ctx, "t1", StateProcessing, Update{})
	require.NoError(t, err)

	before, err := r.Get(ctx, "t1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, "t1"))

	after, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))

	_, err = r.Transition(ctx, "t1", StateCompleted, Update{})
	require.NoError(t, err)
	require.ErrorIs(t, r.Heartbeat(ctx, "t1"), ErrInvalidTransition)
}

func TestListActive(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	register(t, r, "t1")
	register(t, r, "t2")
	register(t, r, "t3")

	_, err := r.Transition(ctx, "t1", StateCancelled, Update{})
	require.NoError(t, err)

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, entry := range active {
		assert.False(t, entry.CurrentState.Terminal())
	}
}

// TestObservers verifies post-commit observers receive landed transitions
// and nothing for rejected ones.
func TestObservers(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	register(t, r, "t1")

	var events []HistoryEvent
	r.OnTransition(func(_ Entry, ev HistoryEvent) {
		events = append(events, ev)
	})

	_, err := r.Transition(ctx, "t1", StateStarted, Update{})
	require.NoError(t, err)

	_, err = r.Transition(ctx, "t1", StateCompleted, Update{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.Len(t, events, 1)
	assert.Equal(t, StateStarted, events[0].To)
}

func TestDeleteTerminalOlderThan(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	register(t, r, "old")
	register(t, r, "live")
	_, err := r.Transition(ctx, "old", StateCancelled, Update{})
	require.NoError(t, err)

	removed, err := r.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = r.Get(ctx, "old")
	require.ErrorIs(t, err, ErrUnknownTask)

	history, err := r.History(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = r.Get(ctx, "live")
	require.NoError(t, err)
}

func TestCanTransition_Table(t *testing.T) {
	assert.True(t, CanTransition(StateQueued, StateStarted))
	assert.True(t, CanTransition(StateProcessing, StateCheckpoint))
	assert.True(t, CanTransition(StateOrphaned, StateRecovering))
	assert.True(t, CanTransition(StateRecovering, StateProcessing))

	assert.False(t, CanTransition(StateCompleted, StateProcessing))
	assert.False(t, CanTransition(StateQueued, StateCompleted))
	assert.False(t, CanTransition(StateFailed, StateRecovering))
}
