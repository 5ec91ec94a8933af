// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contentstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselight/clauselight/services/analysis/blob"
	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	store, err := New(db, blobs, nil)
	require.NoError(t, err)
	return store
}

func testKey() Key {
	return Key{
		ContentHMAC:       "hmac-abc123",
		AlgorithmVersion:  "v1.0.0",
		ParamsFingerprint: "default-params",
		Kind:              KindFullText,
	}
}

// TestPut_Idempotent verifies putting the same key and payload twice yields
// the same reference and exactly one stored copy.
func TestPut_Idempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	payload := []byte("the full extracted text")

	ref1, err := store.Put(ctx, testKey(), payload)
	require.NoError(t, err)

	ref2, err := store.Put(ctx, testKey(), payload)
	require.NoError(t, err)

	assert.Equal(t, ref1.URI, ref2.URI)
	assert.Equal(t, ref1.Digest, ref2.Digest)
	assert.Equal(t, ref1.CreatedAt, ref2.CreatedAt)

	got, _, err := store.Get(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestPut_DifferentPayloadFailsLoudly verifies a conflicting payload under
// an existing key is rejected, never silently overwritten.
func TestPut_DifferentPayloadFailsLoudly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, testKey(), []byte("original"))
	require.NoError(t, err)

	_, err = store.Put(ctx, testKey(), []byte("different"))
	require.ErrorIs(t, err, ErrContentMismatch)

	got, _, err := store.Get(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

// TestGet_AbsentIsNotFound verifies absence is a branchable outcome.
func TestGet_AbsentIsNotFound(t *testing.T) {
	store := newStore(t)

	_, _, err := store.Get(context.Background(), testKey())
	require.ErrorIs(t, err, ErrNotFound)
}

// TestVersionIsolation verifies a new algorithm version never collides with
// artifacts of the old one.
func TestVersionIsolation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	v1 := testKey()
	v2 := testKey()
	v2.AlgorithmVersion = "v2.0.0"

	_, err := store.Put(ctx, v1, []byte("v1 extraction"))
	require.NoError(t, err)

	_, err = store.Put(ctx, v2, []byte("v2 extraction"))
	require.NoError(t, err)

	got1, _, err := store.Get(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1 extraction"), got1)

	got2, _, err := store.Get(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2 extraction"), got2)
}

// TestPageAddressing verifies per-page artifacts are independent rows under
// the shared addressing scheme.
func TestPageAddressing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		key := testKey()
		key.Kind = KindPageText
		key.PageNumber = page
		_, err := store.Put(ctx, key, []byte{byte('a' + page)})
		require.NoError(t, err)
	}

	refs, err := store.ListByContent(ctx, "hmac-abc123")
	require.NoError(t, err)
	assert.Len(t, refs, 3)
}

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Key)
	}{
		{"empty hmac", func(k *Key) { k.ContentHMAC = "" }},
		{"slash in hmac", func(k *Key) { k.ContentHMAC = "a/b" }},
		{"bad semver", func(k *Key) { k.AlgorithmVersion = "1.0" }},
		{"empty params", func(k *Key) { k.ParamsFingerprint = "" }},
		{"empty kind", func(k *Key) { k.Kind = "" }},
		{"negative page", func(k *Key) { k.PageNumber = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := testKey()
			tt.mutate(&key)
			assert.ErrorIs(t, key.Validate(), ErrInvalidKey)
		})
	}
}

// TestDeleteVersionsBelow verifies the explicit retention policy removes
// only artifacts of superseded algorithm versions.
func TestDeleteVersionsBelow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	old := testKey()
	current := testKey()
	current.AlgorithmVersion = "v2.0.0"

	_, err := store.Put(ctx, old, []byte("old"))
	require.NoError(t, err)
	_, err = store.Put(ctx, current, []byte("current"))
	require.NoError(t, err)

	removed, err := store.DeleteVersionsBelow(ctx, "v2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, _, err = store.Get(ctx, old)
	require.ErrorIs(t, err, ErrNotFound)

	got, _, err := store.Get(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, []byte("current"), got)
}
