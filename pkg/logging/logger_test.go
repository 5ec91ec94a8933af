// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

// TestLogger_ExporterReceivesEntries verifies entries at or above the
// configured level reach the exporter with attributes intact.
func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "test",
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Debug("filtered out")
	logger.Info("analysis requested", "content_hash", "abc123")
	logger.Error("task failed", "task_id", "t1")

	entries := exporter.Entries()
	require.Len(t, entries, 2)

	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "analysis requested", entries[0].Message)
	assert.Equal(t, "test", entries[0].Service)
	assert.Equal(t, "abc123", entries[0].Attrs["content_hash"])

	assert.Equal(t, "ERROR", entries[1].Level)
}

// TestLogger_FileSink verifies file logging creates the directory and writes.
func TestLogger_FileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "filesink",
		Quiet:   true,
	})
	logger.Info("persisted entry", "key", "value")
	require.NoError(t, logger.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted entry")
	assert.Contains(t, string(data), "filesink")
}

// TestLogger_With verifies derived loggers carry attached attributes.
func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	derived := logger.With("task_id", "t42")
	derived.Info("heartbeat")

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "heartbeat", entries[0].Message)
}

func TestLogger_CloseIdempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}
