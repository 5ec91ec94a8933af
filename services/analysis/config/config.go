// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the analysis service configuration.
//
// Configuration is YAML on disk. Load parses and validates; Watch keeps a
// running service current with edits to the file, rejecting reloads that
// fail validation so a bad edit cannot take the service down.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Blob      BlobConfig      `yaml:"blob"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// OperatorToken, when set, is required on the task and recovery
	// operator endpoints. Empty trusts the network perimeter.
	OperatorToken string `yaml:"operator_token"`
}

// StorageConfig configures the badger metadata store.
type StorageConfig struct {
	Dir      string `yaml:"dir" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

// BlobConfig selects the artifact payload backend.
type BlobConfig struct {
	// Backend is "fs" or "gcs".
	Backend string `yaml:"backend" validate:"oneof=fs gcs"`

	// Root is the payload directory for the fs backend.
	Root string `yaml:"root" validate:"required_if=Backend fs"`

	// Bucket is the bucket name for the gcs backend.
	Bucket string `yaml:"bucket" validate:"required_if=Backend gcs"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// RecoveryConfig configures the recovery orchestrator.
type RecoveryConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold" validate:"gt=0,gtefield=HeartbeatInterval"`
	SweepEvery         time.Duration `yaml:"sweep_every" validate:"gt=0"`
	ProcessEvery       time.Duration `yaml:"process_every" validate:"gt=0"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" validate:"gt=0"`
}

// RetentionConfig configures the periodic cleanup sweeps.
type RetentionConfig struct {
	// TaskHistory is how long terminal task entries are retained for audit.
	TaskHistory time.Duration `yaml:"task_history" validate:"gt=0"`

	// MinAgentVersion, when set, is the floor below which superseded
	// analysis artifacts are deleted. Semver with leading v.
	MinAgentVersion string `yaml:"min_agent_version"`

	SweepEvery time.Duration `yaml:"sweep_every" validate:"gt=0"`
}

// Default returns production defaults; Load starts from these so a partial
// file only overrides what it names.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:8311",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Dir: "/var/lib/clauselight/badger",
		},
		Blob: BlobConfig{
			Backend: "fs",
			Root:    "/var/lib/clauselight/artifacts",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Recovery: RecoveryConfig{
			HeartbeatInterval:  10 * time.Second,
			StalenessThreshold: 5 * time.Minute,
			SweepEvery:         time.Minute,
			ProcessEvery:       30 * time.Second,
			MaxAttempts:        3,
			RetryBackoff:       time.Minute,
		},
		Retention: RetentionConfig{
			TaskHistory: 30 * 24 * time.Hour,
			SweepEvery:  time.Hour,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v
}

// Validate checks structural constraints plus the cross-field rules the
// tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Recovery.StalenessThreshold < 10*c.Recovery.HeartbeatInterval {
		return fmt.Errorf("config validation: recovery.staleness_threshold %v must be at least 10x recovery.heartbeat_interval %v",
			c.Recovery.StalenessThreshold, c.Recovery.HeartbeatInterval)
	}
	if v := c.Retention.MinAgentVersion; v != "" && !semver.IsValid(v) {
		return fmt.Errorf("config validation: retention.min_agent_version %q is not a valid semver (leading v required)", v)
	}
	return nil
}

// Load reads path, layers it over defaults, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault creates path (and its directory) with the default config.
// Used on first run.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadOrCreate loads path, writing the default file first if it does not
// exist.
func LoadOrCreate(path string, logger *slog.Logger) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if logger != nil {
			logger.Info("config not found, writing defaults", slog.String("path", path))
		}
		if err := WriteDefault(path); err != nil {
			return Config{}, err
		}
	}
	return Load(path)
}
