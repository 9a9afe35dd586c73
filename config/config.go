// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the SDK configuration from a single YAML file.
//
// The config file is the single source of truth; values absent from the
// file keep their defaults, and nothing is overridden from the
// environment. Host applications that configure the SDK in code can
// start from Default and mutate before handing it to the initializer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tracelet/tracelet/signal"
)

// Limits on the signal-count ceiling. The ceiling is policy, but an
// unbounded or near-zero value would defeat eviction entirely, so the
// configured value is clamped into [CeilingMin, CeilingMax].
type CeilingClamp struct {
	Min int64 `yaml:"min"`
	Max int64 `yaml:"max"`
}

// Config holds every knob the persistence and batching engine reads.
type Config struct {
	// DataDir is the root directory for the SDK's files: the SQLite
	// database, the recent-session descriptor, and the payload and
	// attachment file area.
	DataDir string `yaml:"data_dir"`

	// QueueCapacity bounds each of the in-memory event and span
	// queues.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxInlinePayloadBytes is the largest event payload kept inline
	// in the database; larger payloads are spilled to a file.
	MaxInlinePayloadBytes int `yaml:"max_inline_payload_bytes"`

	// MaxBatchSize is the most signals placed in one upload batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxAttachmentBytesPerBatch budgets attachment bytes per batch.
	// A batch's first signal may exceed the budget on its own.
	MaxAttachmentBytesPerBatch int64 `yaml:"max_attachment_bytes_per_batch"`

	// MaxSignalsInStore is the eviction ceiling on the total stored
	// event plus span count, clamped into Ceiling at load time.
	MaxSignalsInStore int64 `yaml:"max_signals_in_store"`

	// Ceiling bounds MaxSignalsInStore.
	Ceiling CeilingClamp `yaml:"ceiling"`

	// MaxCleanupPerRun caps rows deleted by one eviction sweep.
	MaxCleanupPerRun int `yaml:"max_cleanup_per_run"`

	// SamplingRate is the probability a new session is marked
	// priority, in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate"`

	// BackgroundThreshold is how long the app must stay backgrounded
	// before returning to the foreground starts a new session.
	BackgroundThreshold time.Duration `yaml:"background_threshold"`

	// MaxSessionDuration starts a new session on foreground when the
	// current one is older than this.
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`

	// FlushInterval drives the periodic queue flush and export pass.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	FlushInterval   time.Duration `yaml:"flush_interval"`

	// AlwaysExportTypes lists event types exported even from sessions
	// that do not need reporting.
	AlwaysExportTypes []signal.EventType `yaml:"always_export_types"`

	// StorePoolSize is the SQLite connection pool size.
	StorePoolSize int `yaml:"store_pool_size"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DataDir:                    defaultDataDir(),
		QueueCapacity:              256,
		MaxInlinePayloadBytes:      64 * 1024,
		MaxBatchSize:               50,
		MaxAttachmentBytesPerBatch: 3 * 1024 * 1024,
		MaxSignalsInStore:          50_000,
		Ceiling:                    CeilingClamp{Min: 1_000, Max: 100_000},
		MaxCleanupPerRun:           500,
		SamplingRate:               0.01,
		BackgroundThreshold:        20 * time.Minute,
		MaxSessionDuration:         6 * time.Hour,
		CleanupInterval:            15 * time.Minute,
		FlushInterval:              30 * time.Second,
		AlwaysExportTypes:          []signal.EventType{signal.TypeColdLaunch},
		StorePoolSize:              2,
	}
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "tracelet")
}

// LoadFile reads path over the defaults, clamps the ceiling, and
// validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.ClampCeiling()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// ClampCeiling forces MaxSignalsInStore into the configured clamp
// bounds. Called by LoadFile; hosts building a Config in code should
// call it before Validate.
func (c *Config) ClampCeiling() {
	if c.MaxSignalsInStore < c.Ceiling.Min {
		c.MaxSignalsInStore = c.Ceiling.Min
	}
	if c.MaxSignalsInStore > c.Ceiling.Max {
		c.MaxSignalsInStore = c.Ceiling.Max
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("max_batch_size must be at least 1, got %d", c.MaxBatchSize))
	}
	if c.MaxAttachmentBytesPerBatch < 0 {
		errs = append(errs, fmt.Errorf("max_attachment_bytes_per_batch must not be negative"))
	}
	if c.Ceiling.Min < 1 || c.Ceiling.Max < c.Ceiling.Min {
		errs = append(errs, fmt.Errorf("ceiling bounds [%d, %d] are invalid", c.Ceiling.Min, c.Ceiling.Max))
	}
	if c.MaxCleanupPerRun < 1 {
		errs = append(errs, fmt.Errorf("max_cleanup_per_run must be at least 1, got %d", c.MaxCleanupPerRun))
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling_rate must be in [0, 1], got %g", c.SamplingRate))
	}
	if c.BackgroundThreshold <= 0 {
		errs = append(errs, fmt.Errorf("background_threshold must be positive"))
	}
	if c.MaxSessionDuration <= 0 {
		errs = append(errs, fmt.Errorf("max_session_duration must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval must be positive"))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup_interval must be positive"))
	}
	if c.StorePoolSize < 1 {
		errs = append(errs, fmt.Errorf("store_pool_size must be at least 1, got %d", c.StorePoolSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// DatabasePath returns the SQLite file location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tracelet.db")
}

// DescriptorPath returns the recent-session descriptor location.
func (c *Config) DescriptorPath() string {
	return filepath.Join(c.DataDir, "recent_session")
}

// FilesDir returns the payload and attachment file area.
func (c *Config) FilesDir() string {
	return filepath.Join(c.DataDir, "files")
}
