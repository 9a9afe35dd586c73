// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// Package session decides when a new session begins and propagates
// reporting status between sessions across process restarts.
//
// Exactly one session is current at a time. A session is never ended
// explicitly; it is superseded when the manager assigns a new current
// session id.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracelet/tracelet/lib/clock"
	"github.com/tracelet/tracelet/signal"
	"github.com/tracelet/tracelet/store"
)

// Sampler decides whether a new session is a priority session,
// exported regardless of per-signal sampling.
type Sampler func() bool

// RateSampler returns a Sampler that reports true with probability
// rate.
func RateSampler(rate float64) Sampler {
	return func() bool {
		return rand.Float64() < rate
	}
}

// Config holds the session manager parameters.
type Config struct {
	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger

	// DescriptorPath is where the recent-session descriptor lives.
	DescriptorPath string

	// PID, AppVersion, and AppBuild identify the running process.
	PID        int
	AppVersion string
	AppBuild   string

	// BackgroundThreshold and MaxSessionDuration drive rotation on
	// return to foreground.
	BackgroundThreshold time.Duration
	MaxSessionDuration  time.Duration

	// Sampler marks new sessions as priority. Required.
	Sampler Sampler
}

// Manager owns the current session id.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	current      *signal.Session
	backgroundAt time.Time
}

// NewManager validates cfg and returns an unstarted manager. Call
// Start before using it.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("session: Clock is required")
	}
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("session: Sampler is required")
	}
	if cfg.DescriptorPath == "" {
		return nil, fmt.Errorf("session: DescriptorPath is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// Start recovers crash state from the previous process and begins a
// new session. Always called once at process init; every launch gets
// a fresh session.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, err := ReadDescriptor(m.cfg.DescriptorPath)
	if err != nil {
		// A corrupt descriptor must not stop the SDK; the previous
		// session simply loses its crash marker.
		m.logger.Warn("recent-session descriptor unreadable", "error", err)
	}
	if previous != nil && previous.Crashed {
		// The previous process died before export. Flag its session
		// so crash diagnosis gets the full context.
		if err := m.cfg.Store.MarkSessionCrashed(ctx, previous.ID); err != nil {
			m.logger.Warn("marking previous session crashed",
				"session", previous.ID, "error", err)
		}
	}

	return m.startSessionLocked(ctx)
}

// startSessionLocked creates, persists, and caches a new session.
func (m *Manager) startSessionLocked(ctx context.Context) error {
	sess := &signal.Session{
		ID:         uuid.NewString(),
		PID:        m.cfg.PID,
		CreatedAt:  m.cfg.Clock.Now(),
		Priority:   m.cfg.Sampler(),
		AppVersion: m.cfg.AppVersion,
		AppBuild:   m.cfg.AppBuild,
	}
	sess.NeedsReporting = sess.Priority

	if !m.cfg.Store.InsertSession(ctx, sess) {
		return fmt.Errorf("session: persisting session %s failed", sess.ID)
	}
	if sess.NeedsReporting {
		if err := m.cfg.Store.MarkSessionForReporting(ctx, sess.ID); err != nil {
			m.logger.Warn("marking priority session", "session", sess.ID, "error", err)
		}
	}

	err := WriteDescriptor(m.cfg.DescriptorPath, &Descriptor{
		ID:        sess.ID,
		PID:       sess.PID,
		CreatedAt: sess.CreatedAt,
	})
	if err != nil {
		// Keep going on an unwritable descriptor; only crash
		// recovery on the next launch degrades.
		m.logger.Warn("writing recent-session descriptor", "error", err)
	}

	m.current = sess
	m.logger.Info("session started", "session", sess.ID, "priority", sess.Priority)
	return nil
}

// CurrentSessionID returns the current session id, or "" before
// Start.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// ShouldReport reports whether the current session is flagged for
// reporting.
func (m *Manager) ShouldReport() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.NeedsReporting
}

// OnBackground records when the app left the foreground.
func (m *Manager) OnBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backgroundAt = m.cfg.Clock.Now()
}

// OnForeground rotates the session when the app was backgrounded at
// least BackgroundThreshold, when the current session has crashed, or
// when the session is older than MaxSessionDuration. Otherwise the
// current session continues.
func (m *Manager) OnForeground(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return m.startSessionLocked(ctx)
	}

	now := m.cfg.Clock.Now()
	rotate := false
	switch {
	case !m.backgroundAt.IsZero() && now.Sub(m.backgroundAt) >= m.cfg.BackgroundThreshold:
		rotate = true
	case m.current.Crashed:
		rotate = true
	case now.Sub(m.current.CreatedAt) > m.cfg.MaxSessionDuration:
		rotate = true
	}
	m.backgroundAt = time.Time{}
	if !rotate {
		return nil
	}
	return m.startSessionLocked(ctx)
}

// OnCrash marks the current session crashed, retroactively flags its
// events, and rewrites the descriptor so the next launch sees the
// crash even if this process dies right after.
func (m *Manager) OnCrash(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return fmt.Errorf("session: no current session")
	}

	if err := m.cfg.Store.MarkSessionCrashed(ctx, m.current.ID); err != nil {
		return fmt.Errorf("session: marking crash: %w", err)
	}
	m.current.Crashed = true
	m.current.NeedsReporting = true

	err := WriteDescriptor(m.cfg.DescriptorPath, &Descriptor{
		ID:        m.current.ID,
		PID:       m.current.PID,
		CreatedAt: m.current.CreatedAt,
		Crashed:   true,
	})
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// MarkForReporting flags the current session for export, used by the
// bug-report flow. The flag is sticky.
func (m *Manager) MarkForReporting(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return fmt.Errorf("session: no current session")
	}
	if m.current.NeedsReporting {
		return nil
	}
	if err := m.cfg.Store.MarkSessionForReporting(ctx, m.current.ID); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	m.current.NeedsReporting = true
	return nil
}
