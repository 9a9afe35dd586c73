// Copyright 2026 The Tracelet Authors
// SPDX-License-Identifier: Apache-2.0

// traceletctl inspects a tracelet data directory: row counts, the
// recorded sessions, and pending batches. It opens the same SQLite
// database the engine writes, so run it against a live app only for
// debugging.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/tracelet/tracelet/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var dataDir string
	var dbPath string

	flagSet := pflag.NewFlagSet("traceletctl", pflag.ContinueOnError)
	flagSet.StringVar(&dataDir, "data-dir", "", "tracelet data directory")
	flagSet.StringVar(&dbPath, "db", "", "database path (overrides --data-dir)")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	if dbPath == "" {
		if dataDir == "" {
			fmt.Fprintln(os.Stderr, "error: --data-dir or --db is required")
			return 2
		}
		dbPath = filepath.Join(dataDir, "tracelet.db")
	}

	command := "stats"
	if args := flagSet.Args(); len(args) > 0 {
		command = args[0]
	}

	s, err := store.Open(store.Config{Path: dbPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx := context.Background()
	switch command {
	case "stats":
		err = printStats(ctx, s)
	case "sessions":
		err = printSessions(ctx, s)
	case "batches":
		err = printBatches(ctx, s)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", command)
		printUsage(flagSet)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func printStats(ctx context.Context, s *store.Store) error {
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "sessions\t%d\n", stats.Sessions)
	fmt.Fprintf(w, "events\t%d\n", stats.Events)
	fmt.Fprintf(w, "spans\t%d\n", stats.Spans)
	fmt.Fprintf(w, "attachments\t%d\n", stats.Attachments)
	fmt.Fprintf(w, "batches\t%d\n", stats.Batches)
	fmt.Fprintf(w, "database bytes\t%d\n", stats.SizeBytes)
	return w.Flush()
}

func printSessions(ctx context.Context, s *store.Store) error {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tPID\tEVENTS\tSPANS\tFLAGS\tAPP")
	for _, sess := range sessions {
		events, spans, err := s.SessionSignalCounts(ctx, sess.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			sess.ID,
			sess.CreatedAt.Format(time.RFC3339),
			sess.PID,
			events,
			spans,
			sessionFlags(sess.NeedsReporting, sess.Crashed, sess.Priority),
			sess.AppVersion)
	}
	return w.Flush()
}

func sessionFlags(needsReporting, crashed, priority bool) string {
	flags := ""
	if needsReporting {
		flags += "R"
	}
	if crashed {
		flags += "C"
	}
	if priority {
		flags += "P"
	}
	if flags == "" {
		flags = "-"
	}
	return flags
}

func printBatches(ctx context.Context, s *store.Store) error {
	batches, err := s.Batches(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tEVENTS\tSPANS")
	for _, batch := range batches {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
			batch.ID,
			batch.CreatedAt.Format(time.RFC3339),
			len(batch.EventIDs),
			len(batch.SpanIDs))
	}
	return w.Flush()
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Inspect a tracelet data directory.

Usage: traceletctl [flags] [stats|sessions|batches]

Commands:
  stats     row counts and database size (default)
  sessions  every recorded session with its signal counts
  batches   pending export batches, oldest first

Flags:
%s`, flagSet.FlagUsages())
}
