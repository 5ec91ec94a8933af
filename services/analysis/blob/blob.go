// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package blob stores artifact payloads outside the metadata database.
//
// The content store keeps only a URI and digest per artifact; the bytes
// themselves live in a Store. Two backends are provided: a local filesystem
// store for single-node deployments and tests, and a GCS store for
// production. Both are write-once: a payload written under a name is never
// rewritten, matching the append-only artifact contract.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no payload exists under the given name.
// Callers branch on it; absence is an outcome, not a failure.
var ErrNotFound = errors.New("blob not found")

// Store persists opaque payloads by name.
//
// Put is idempotent per name: writing the same name twice is permitted and
// the second write may be skipped. Names are slash-separated paths chosen
// by the caller; the returned URI is stable and backend-specific.
type Store interface {
	// Put writes the payload under name and returns its URI.
	Put(ctx context.Context, name string, payload []byte) (string, error)

	// Get returns the payload stored under name, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes the payload. Deleting an absent name is a no-op.
	Delete(ctx context.Context, name string) error
}

// FSStore stores payloads under a base directory. URIs use the file scheme.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem store rooted at baseDir, creating it if
// needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		return nil, errors.New("base directory must not be empty")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &FSStore{baseDir: abs}, nil
}

func (s *FSStore) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.baseDir, clean), nil
}

// Put writes the payload atomically via temp file + rename. If the name
// already exists the existing payload is left untouched.
func (s *FSStore) Put(ctx context.Context, name string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	uri := "file://" + path

	if _, err := os.Stat(path); err == nil {
		return uri, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("rename blob: %w", err)
	}

	success = true
	return uri, nil
}

// Get returns the payload stored under name, or ErrNotFound.
func (s *FSStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes the payload. Absent names are a no-op.
func (s *FSStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.path(name)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
