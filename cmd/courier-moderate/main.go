// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// courier-moderate is the operator recovery tool for a Courier data
// directory. Dead-letter inspection and removal are deliberate
// operator actions rather than bus API conveniences, so they live
// here: list what failed and why, purge old failures, rebuild the
// derived index after corruption, or print queue metrics.
//
// The tool opens the data directory directly and needs no running
// bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/courier-foundation/courier/deadletter"
	"github.com/courier-foundation/courier/index"
	"github.com/courier-foundation/courier/mailbox"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printHelp()
		return nil
	}

	command := args[0]
	args = args[1:]

	switch command {
	case "dead-letters":
		return runDeadLetters(args)
	case "purge":
		return runPurge(args)
	case "rebuild":
		return runRebuild(args)
	case "metrics":
		return runMetrics(args)
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", command)
	}
}

// openData opens the mailbox store and index under a data directory.
// The caller closes the index.
func openData(dataDir string) (*mailbox.Store, *index.Index, error) {
	if dataDir == "" {
		return nil, nil, fmt.Errorf("--data is required")
	}
	if _, err := os.Stat(dataDir); err != nil {
		return nil, nil, fmt.Errorf("opening data directory: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := mailbox.NewStore(filepath.Join(dataDir, "mailboxes"), logger)
	if err != nil {
		return nil, nil, err
	}
	idx, err := index.Open(filepath.Join(dataDir, "index.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	return store, idx, nil
}

func runDeadLetters(args []string) error {
	flagSet := pflag.NewFlagSet("dead-letters", pflag.ContinueOnError)
	dataDir := flagSet.String("data", "", "Courier data directory")
	endpoint := flagSet.String("endpoint", "", "restrict to one endpoint hash")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	store, idx, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer idx.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	letters, err := deadletter.New(store, idx, logger).List(*endpoint)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Println("no dead letters")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENDPOINT\tSUBJECT\tFROM\tFAILED\tREASON")
	for _, letter := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			letter.Envelope.ID,
			letter.EndpointHash,
			letter.Envelope.Subject,
			letter.Envelope.From,
			letter.FailedAt.Format(time.RFC3339),
			letter.Reason,
		)
	}
	return w.Flush()
}

func runPurge(args []string) error {
	flagSet := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	dataDir := flagSet.String("data", "", "Courier data directory")
	olderThan := flagSet.Duration("older-than", 0, "purge dead letters that failed more than this long ago")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return fmt.Errorf("--older-than must be a positive duration")
	}

	store, idx, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer idx.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cutoff := time.Now().Add(-*olderThan)
	removed, err := deadletter.New(store, idx, logger).Purge(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d dead letters older than %s\n", removed, cutoff.Format(time.RFC3339))
	return nil
}

func runRebuild(args []string) error {
	flagSet := pflag.NewFlagSet("rebuild", pflag.ContinueOnError)
	dataDir := flagSet.String("data", "", "Courier data directory")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	store, idx, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer idx.Close()

	if err := idx.Rebuild(context.Background(), store); err != nil {
		return err
	}
	fmt.Println("index rebuilt from mailbox tree")
	return nil
}

func runMetrics(args []string) error {
	flagSet := pflag.NewFlagSet("metrics", pflag.ContinueOnError)
	dataDir := flagSet.String("data", "", "Courier data directory")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	_, idx, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer idx.Close()

	metrics, err := idx.Metrics(context.Background())
	if err != nil {
		return err
	}
	for _, status := range []string{index.StatusNew, index.StatusClaimed, index.StatusDLQ} {
		fmt.Printf("%s\t%d\n", status, metrics[status])
	}
	return nil
}

func printHelp() {
	fmt.Fprint(os.Stderr, `Courier moderation tool — inspect and repair a data directory.

Usage:
  courier-moderate <command> --data DIR [flags]

Commands:
  dead-letters   list dead letters (--endpoint restricts to one hash)
  purge          remove dead letters older than --older-than
  rebuild        regenerate the message index from the mailbox tree
  metrics        print message counts by status

Examples:
  courier-moderate dead-letters --data /var/lib/courier
  courier-moderate purge --data /var/lib/courier --older-than 168h
  courier-moderate rebuild --data /var/lib/courier
`)
}
