// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pragmas applied to every connection before it enters the pool.
var pragmas = []string{
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA busy_timeout = 5000;",
	"PRAGMA foreign_keys = ON;",
	"PRAGMA temp_store = MEMORY;",
}

// Config describes a pool to open.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-memory
	// database shared across the pool.
	Path string

	// PoolSize is the number of connections to open. Must be at least
	// one. An in-memory database is forced to a single connection so
	// every caller sees the same data.
	PoolSize int

	// Logger receives connection lifecycle events. Nil discards them.
	Logger *slog.Logger

	// OnConnect, if set, runs once per connection after the pragmas
	// are applied. The store uses it to install its schema.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed set of SQLite connections to one database.
type Pool struct {
	path   string
	logger *slog.Logger
	free   chan *sqlite.Conn
	conns  []*sqlite.Conn
}

// Open opens cfg.PoolSize connections and applies the standard pragmas
// and cfg.OnConnect to each. On any failure it closes the connections
// it already opened and returns the error.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitepool: path is required")
	}
	size := cfg.PoolSize
	if size < 1 {
		return nil, fmt.Errorf("sqlitepool: pool size %d is less than one", size)
	}
	flags := sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL
	if cfg.Path == ":memory:" {
		// A private in-memory database exists per connection, so a
		// pool of them would be a set of disjoint databases.
		size = 1
		flags = sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenMemory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}

	p := &Pool{
		path:   cfg.Path,
		logger: logger,
		free:   make(chan *sqlite.Conn, size),
	}
	for i := 0; i < size; i++ {
		conn, err := sqlite.OpenConn(cfg.Path, flags)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
		}
		p.conns = append(p.conns, conn)
		if err := prepare(conn, cfg.OnConnect); err != nil {
			p.Close()
			return nil, fmt.Errorf("sqlitepool: preparing %s: %w", cfg.Path, err)
		}
		p.free <- conn
	}
	logger.Debug("sqlite pool open", "path", cfg.Path, "size", size)
	return p, nil
}

func prepare(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return err
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return err
		}
	}
	return nil
}

// Take returns a free connection, blocking until one is available or
// ctx is done. Every Take must be paired with a Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	select {
	case conn, ok := <-p.free:
		if !ok {
			return nil, errors.New("sqlitepool: pool is closed")
		}
		conn.SetInterrupt(ctx.Done())
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a connection obtained from Take.
func (p *Pool) Put(conn *sqlite.Conn) {
	conn.SetInterrupt(nil)
	p.free <- conn
}

// Close closes every connection. Outstanding Take calls fail; callers
// must have Put their connections back before Close.
func (p *Pool) Close() error {
	close(p.free)
	var errs []error
	for _, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.conns = nil
	return errors.Join(errs...)
}
