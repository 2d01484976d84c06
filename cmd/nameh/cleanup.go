package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/4xmen/nameh/internal/db"
	"github.com/4xmen/nameh/internal/encryption"
	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/reconcile"
	"github.com/4xmen/nameh/internal/store"
	"github.com/4xmen/nameh/pkg/config"
)

type cleanupOptions struct {
	DatabasePath string
	DryRun       bool
}

type cleanupSummary struct {
	Conversations int
	Inconsistent  int
	Cleaned       int
	Errors        int
}

func parseCleanupArgs(cfg *config.Config, args []string) (cleanupOptions, error) {
	opts := cleanupOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown cleanup flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runCleanup(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseCleanupArgs(cfg, args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(opts.DatabasePath); err != nil {
		return fmt.Errorf("failed to access database path: %w", err)
	}

	database, err := db.New(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	crypto := encryption.New(encryption.ParseIntegrityMode(cfg.IntegrityMode))
	msgStore := store.NewMessages(database.GetConn())
	reconciler := reconcile.New(crypto, keys.NewDeterministicDeriver(cfg.SharedKeySalt), msgStore)

	summary, err := cleanupAll(context.Background(), msgStore, reconciler, opts.DryRun)
	if err != nil {
		return err
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would clean %d messages across %d conversations.\n", summary.Inconsistent, summary.Conversations)
		return nil
	}

	fmt.Fprintf(out, "Cleanup completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Cleaned %d messages across %d conversations (%d errors).\n", summary.Cleaned, summary.Conversations, summary.Errors)
	return nil
}

func cleanupAll(ctx context.Context, msgStore *store.Messages, reconciler *reconcile.Reconciler, dryRun bool) (cleanupSummary, error) {
	var summary cleanupSummary

	pairs, err := msgStore.ListDirectPairs(ctx)
	if err != nil {
		return summary, err
	}
	summary.Conversations = len(pairs)

	for _, pair := range pairs {
		if dryRun {
			msgs, err := msgStore.ListConversation(ctx, pair.UserA, pair.UserB)
			if err != nil {
				return summary, err
			}
			for _, msg := range msgs {
				if reconciler.NeedsCleanup(msg) {
					summary.Inconsistent++
				}
			}
			continue
		}

		result, err := reconciler.CleanupConversation(ctx, pair.UserA, pair.UserB)
		if err != nil {
			log.Error().Err(err).Int64("user_a", pair.UserA).Int64("user_b", pair.UserB).Msg("conversation cleanup failed")
			summary.Errors++
			continue
		}
		summary.Cleaned += result.Cleaned
		summary.Errors += result.Errors
	}

	return summary, nil
}
