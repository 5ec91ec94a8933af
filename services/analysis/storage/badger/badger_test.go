// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpen_PathRequired verifies persistent mode refuses an empty path.
func TestOpen_PathRequired(t *testing.T) {
	_, err := Open(Config{InMemory: false})
	require.Error(t, err)
}

// TestOpenPersistent verifies data survives a close and reopen.
func TestOpenPersistent(t *testing.T) {
	dir, err := TempDir("clauselight-badger-test-")
	require.NoError(t, err)
	defer CleanupDir(dir)

	cfg := Config{Path: dir, SyncWrites: true}

	db, err := Open(cfg)
	require.NoError(t, err)

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("persistent-key"), []byte("persistent-value"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("persistent-key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("persistent-value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestWithTxn verifies commit on success and rollback on error.
func TestWithTxn(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("b"), []byte("2")); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("a"))
		require.NoError(t, err)

		_, err = txn.Get([]byte("b"))
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

// TestWithTxn_CancelledContext verifies the context is checked up front.
func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	require.Error(t, err)
}

// TestUpdateWithRetry verifies non-conflict errors pass through unretried.
func TestUpdateWithRetry(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	calls := 0
	sentinel := errors.New("not a conflict")

	err = db.UpdateWithRetry(ctx, 3, func(txn *badger.Txn) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)

	err = db.UpdateWithRetry(ctx, 3, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
}
