package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/nameh/internal/db"
	"github.com/4xmen/nameh/pkg/config"
)

func createCleanupDB(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cleanup.db")
	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer database.Close()

	_, err = database.GetConn().Exec(`
		INSERT INTO users (id, username, password_hash) VALUES (1, 'u1', 'x'), (2, 'u2', 'x'), (3, 'u3', 'x');
		INSERT INTO messages (sender_id, receiver_id, text, ciphertext, iv, auth_tag, integrity_hash, is_encrypted, created_at, updated_at)
		VALUES (1, 2, 'hello', 'Y2lwaGVydGV4dA==', 'aXY=', 'dGFn', 'stale', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		INSERT INTO messages (sender_id, receiver_id, text, created_at, updated_at)
		VALUES (2, 1, 'plain reply', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		INSERT INTO messages (sender_id, receiver_id, text, ciphertext, iv, auth_tag, integrity_hash, is_encrypted, created_at, updated_at)
		VALUES (3, 2, 'bonjour', 'Y2lwaGVydGV4dA==', 'aXY=', 'dGFn', 'stale', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`)
	if err != nil {
		t.Fatalf("failed to seed data: %v", err)
	}

	return dbPath
}

func countEnvelopes(t *testing.T, dbPath string) int {
	t.Helper()
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM messages WHERE ciphertext IS NOT NULL").Scan(&n); err != nil {
		t.Fatalf("failed to count envelopes: %v", err)
	}
	return n
}

func TestCleanupDryRunLeavesRowsUntouched(t *testing.T) {
	dbPath := createCleanupDB(t)

	var out bytes.Buffer
	err := runCleanup(&config.Config{}, &out, []string{"--dry-run", "--database", dbPath})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out.String(), "Would clean 2 messages across 2 conversations") {
		t.Fatalf("unexpected dry-run output: %s", out.String())
	}
	if n := countEnvelopes(t, dbPath); n != 2 {
		t.Fatalf("envelopes after dry-run = %d, want 2", n)
	}
}

func TestCleanupStripsInconsistentEnvelopes(t *testing.T) {
	dbPath := createCleanupDB(t)

	var out bytes.Buffer
	if err := runCleanup(&config.Config{}, &out, []string{"--database", dbPath}); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out.String(), "Cleaned 2 messages across 2 conversations (0 errors)") {
		t.Fatalf("unexpected output: %s", out.String())
	}
	if n := countEnvelopes(t, dbPath); n != 0 {
		t.Fatalf("envelopes after cleanup = %d, want 0", n)
	}

	out.Reset()
	if err := runCleanup(&config.Config{}, &out, []string{"--database", dbPath}); err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if !strings.Contains(out.String(), "Cleaned 0 messages") {
		t.Fatalf("cleanup is not idempotent: %s", out.String())
	}
}

func TestParseCleanupArgs(t *testing.T) {
	cfg := &config.Config{DatabasePath: "/tmp/default.db"}

	opts, err := parseCleanupArgs(cfg, nil)
	if err != nil {
		t.Fatalf("parseCleanupArgs returned error: %v", err)
	}
	if opts.DatabasePath != "/tmp/default.db" || opts.DryRun {
		t.Fatalf("unexpected defaults: %+v", opts)
	}

	if _, err := parseCleanupArgs(cfg, []string{"--database"}); err == nil {
		t.Fatalf("expected error for missing database path")
	}
	if _, err := parseCleanupArgs(cfg, []string{"--bogus"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestCleanupMissingDatabase(t *testing.T) {
	var out bytes.Buffer
	err := runCleanup(&config.Config{}, &out, []string{"--database", filepath.Join(t.TempDir(), "missing.db")})
	if err == nil {
		t.Fatalf("expected error for missing database")
	}
}
