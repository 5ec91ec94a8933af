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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

func newCache(t *testing.T) *Cache {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(db, nil)
	require.NoError(t, err)
	return c
}

func TestUpsertPending_CreatesRecord(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	record, scheduled, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.Equal(t, StatusPending, record.Status)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, 1, record.Attempts)
}

// TestUpsertPending_AdoptsInFlight verifies the concurrency tie-break: a
// second caller observes and adopts the first caller's record.
func TestUpsertPending_AdoptsInFlight(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	first, scheduled, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	require.True(t, scheduled)

	second, scheduled, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Equal(t, first.ID, second.ID)
}

// TestUpsertPending_CompletedIsNeverReset verifies the at-most-one-cache
// invariant's hardest edge: a completed analysis survives retry calls.
func TestUpsertPending_CompletedIsNeverReset(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	record, _, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.MarkProcessing(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	completed, err := c.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{"score":7.2}`))
	require.NoError(t, err)

	again, scheduled, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Equal(t, record.ID, again.ID)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.JSONEq(t, `{"score":7.2}`, string(again.Result))
	assert.Equal(t, completed.CompletedAt.Unix(), again.CompletedAt.Unix())
}

// TestUpsertPending_ResetsFailedForRetry verifies failed and cancelled
// records are reset in place, keeping the stable id.
func TestUpsertPending_ResetsFailedForRetry(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	record, _, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.MarkProcessing(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.Fail(ctx, "h1", "v1.0.0", "model timeout")
	require.NoError(t, err)

	retried, scheduled, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.Equal(t, record.ID, retried.ID)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Empty(t, retried.ErrorDetail)
	assert.Equal(t, 2, retried.Attempts)
	assert.Nil(t, retried.CompletedAt)
}

func TestComplete_RequiresProcessing(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_, _, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)

	_, err = c.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.MarkProcessing(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{}`))
	require.NoError(t, err)

	// Terminal: completing twice is a contract violation, not a no-op.
	_, err = c.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

// TestFail_KeepsPartialResult verifies failing does not discard partial
// results already stored on the record.
func TestFail_KeepsPartialResult(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_, _, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.MarkProcessing(ctx, "h1", "v1.0.0")
	require.NoError(t, err)

	failed, err := c.Fail(ctx, "h1", "v1.0.0", "entity extraction crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "entity extraction crashed", failed.ErrorDetail)

	_, err = c.Fail(ctx, "h1", "v1.0.0", "again")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel_SharedRecord(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_, _, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = c.Cancel(ctx, "h1", "v1.0.0")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGet_NotFound(t *testing.T) {
	c := newCache(t)

	_, err := c.Get(context.Background(), "absent", "v1.0.0")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLatestCompleted_PicksHighestVersion(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	for _, v := range []string{"v1.0.0", "v1.2.0"} {
		_, _, err := c.UpsertPending(ctx, "h1", v)
		require.NoError(t, err)
		_, err = c.MarkProcessing(ctx, "h1", v)
		require.NoError(t, err)
		_, err = c.Complete(ctx, "h1", v, json.RawMessage(`{"v":"`+v+`"}`))
		require.NoError(t, err)
	}
	// An in-flight newer version must not win.
	_, _, err := c.UpsertPending(ctx, "h1", "v2.0.0")
	require.NoError(t, err)

	best, err := c.LatestCompleted(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", best.AgentVersion)

	_, err = c.LatestCompleted(ctx, "h2")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestObservers_FireAfterCommit verifies post-commit hooks see every
// landed mutation, in order.
func TestObservers_FireAfterCommit(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Status
	c.OnChange(func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Status)
	})

	_, _, err := c.UpsertPending(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.MarkProcessing(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = c.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{}`))
	require.NoError(t, err)

	// A failed mutation must not notify.
	_, err = c.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{}`))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusPending, StatusProcessing, StatusCompleted}, seen)
}

func TestValidation(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_, _, err := c.UpsertPending(ctx, "", "v1.0.0")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = c.UpsertPending(ctx, "h1", "1.0")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = c.UpsertPending(ctx, "h/1", "v1.0.0")
	require.ErrorIs(t, err, ErrInvalidInput)
}
