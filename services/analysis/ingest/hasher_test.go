// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0xA7}, MinKeySize)
}

func TestNewHasher_RejectsShortKey(t *testing.T) {
	_, err := NewHasher(make([]byte, MinKeySize-1), nil)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestContentHash_DeterministicAndKeyed(t *testing.T) {
	h, err := NewHasher(testKey(), nil)
	require.NoError(t, err)
	defer h.Destroy()

	doc := []byte("MASTER SERVICES AGREEMENT ...")
	first, err := h.ContentHash(doc)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := h.ContentHash(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	differentKey := bytes.Repeat([]byte{0x3C}, MinKeySize)
	other, err := NewHasher(differentKey, nil)
	require.NoError(t, err)
	defer other.Destroy()

	cross, err := other.ContentHash(doc)
	require.NoError(t, err)
	assert.NotEqual(t, first, cross, "identity must depend on the service key")
}

func TestContentHashReader_MatchesBytes(t *testing.T) {
	h, err := NewHasher(testKey(), nil)
	require.NoError(t, err)
	defer h.Destroy()

	doc := strings.Repeat("clause 4.2: limitation of liability\n", 1000)

	fromBytes, err := h.ContentHash([]byte(doc))
	require.NoError(t, err)
	fromReader, err := h.ContentHashReader(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, fromBytes, fromReader)
}

func TestVerify(t *testing.T) {
	h, err := NewHasher(testKey(), nil)
	require.NoError(t, err)
	defer h.Destroy()

	doc := []byte("nda v3")
	hash, err := h.ContentHash(doc)
	require.NoError(t, err)

	ok, err := h.Verify(doc, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify([]byte("nda v4"), hash)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.Verify(doc, "not-hex")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDestroy_Idempotent(t *testing.T) {
	h, err := NewHasher(testKey(), nil)
	require.NoError(t, err)

	h.Destroy()
	h.Destroy()

	_, err = h.ContentHash([]byte("x"))
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestNewHasherFromEnv(t *testing.T) {
	t.Setenv("CLAUSELIGHT_CONTENT_KEY", "")
	_, err := NewHasherFromEnv(nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	t.Setenv("CLAUSELIGHT_CONTENT_KEY", "zz")
	_, err = NewHasherFromEnv(nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	t.Setenv("CLAUSELIGHT_CONTENT_KEY", strings.Repeat("ab", MinKeySize))
	h, err := NewHasherFromEnv(nil)
	require.NoError(t, err)
	h.Destroy()
}
