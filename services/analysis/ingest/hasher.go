// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest computes content identities for uploaded documents.
//
// A document's identity is an HMAC-SHA256 over its raw bytes, keyed with a
// service-held secret. Using a keyed hash instead of a plain digest means a
// client cannot fabricate the identity of content it never uploaded and use
// it to probe the cache for other tenants' documents: without the key, a
// valid content hash proves the bytes passed through this service.
//
// The key lives in a memguard enclave between uses. It is decrypted into
// mlocked memory only for the duration of each HMAC computation and wiped
// immediately after.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
)

// MinKeySize is the minimum accepted key length in bytes. HMAC-SHA256 keys
// shorter than the digest size weaken the construction.
const MinKeySize = 32

var (
	// ErrInvalidKey is returned when the hashing key is missing or short.
	ErrInvalidKey = errors.New("content hashing key missing or too short")

	// ErrDestroyed is returned after the hasher's key has been purged.
	ErrDestroyed = errors.New("hasher destroyed")
)

// memguardOnce arms interrupt handling so the enclave key is purged on
// SIGINT/SIGTERM.
var memguardOnce sync.Once

// Hasher computes keyed content hashes.
//
// Thread Safety: Safe for concurrent use. Each computation opens its own
// session over the enclave.
type Hasher struct {
	mu      sync.RWMutex
	key     *memguard.Enclave
	logger  *slog.Logger
	destroy bool
}

// NewHasher creates a Hasher from raw key bytes. The input slice is wiped
// before returning; the caller must not reuse it.
func NewHasher(key []byte, logger *slog.Logger) (*Hasher, error) {
	if len(key) < MinKeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrInvalidKey, len(key), MinKeySize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	memguardOnce.Do(memguard.CatchInterrupt)

	// NewEnclave wipes the source slice.
	return &Hasher{key: memguard.NewEnclave(key), logger: logger}, nil
}

// NewHasherFromEnv creates a Hasher from the hex-encoded key in
// CLAUSELIGHT_CONTENT_KEY.
func NewHasherFromEnv(logger *slog.Logger) (*Hasher, error) {
	encoded := os.Getenv("CLAUSELIGHT_CONTENT_KEY")
	if encoded == "" {
		return nil, fmt.Errorf("%w: CLAUSELIGHT_CONTENT_KEY is not set", ErrInvalidKey)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: CLAUSELIGHT_CONTENT_KEY is not valid hex", ErrInvalidKey)
	}
	return NewHasher(key, logger)
}

// ContentHash returns the hex HMAC-SHA256 of data.
func (h *Hasher) ContentHash(data []byte) (string, error) {
	return h.withMAC(func(mac io.Writer) error {
		_, err := mac.Write(data)
		return err
	})
}

// ContentHashReader streams r through the HMAC without buffering the whole
// document. Used for large uploads.
func (h *Hasher) ContentHashReader(r io.Reader) (string, error) {
	return h.withMAC(func(mac io.Writer) error {
		_, err := io.Copy(mac, r)
		return err
	})
}

// Verify reports whether hash is the identity of data. Comparison is
// constant-time.
func (h *Hasher) Verify(data []byte, hash string) (bool, error) {
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false, nil
	}
	got, err := h.ContentHash(data)
	if err != nil {
		return false, err
	}
	gotRaw, _ := hex.DecodeString(got)
	return hmac.Equal(gotRaw, want), nil
}

// withMAC opens the key enclave, runs fn against a fresh HMAC, and wipes
// the decrypted key.
func (h *Hasher) withMAC(fn func(io.Writer) error) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.destroy {
		return "", ErrDestroyed
	}

	buf, err := h.key.Open()
	if err != nil {
		return "", fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	if err := fn(mac); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Destroy purges the key. The hasher is unusable afterwards; idempotent.
func (h *Hasher) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroy {
		return
	}
	h.destroy = true
	h.key = nil
	h.logger.Debug("content hasher destroyed")
}
