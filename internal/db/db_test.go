package db

import (
	"testing"
)

func TestWALMode(t *testing.T) {
	// Create test database
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	// Verify WAL mode is enabled
	var journalMode string
	err = db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}

	// Note: In-memory databases don't support WAL, so we expect "memory"
	// For file-based databases, this should return "wal"
	if journalMode != "memory" && journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'memory' or 'wal', got: %s", journalMode)
	}

	// Verify busy timeout is set
	var busyTimeout int
	err = db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
	if err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}

	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout to be 5000, got: %d", busyTimeout)
	}

	// Verify synchronous mode
	var syncMode int
	err = db.conn.QueryRow("PRAGMA synchronous").Scan(&syncMode)
	if err != nil {
		t.Fatalf("Failed to query synchronous: %v", err)
	}

	// 1 = NORMAL, which is what we set
	if syncMode != 1 && syncMode != 2 {
		t.Errorf("Expected synchronous to be 1 (NORMAL) or 2 (FULL), got: %d", syncMode)
	}

	// Verify cache size
	var cacheSize int
	err = db.conn.QueryRow("PRAGMA cache_size").Scan(&cacheSize)
	if err != nil {
		t.Fatalf("Failed to query cache_size: %v", err)
	}

	if cacheSize != -64000 {
		t.Errorf("Expected cache_size to be -64000, got: %d", cacheSize)
	}
}

func TestWALModeWithFile(t *testing.T) {
	// Create temporary file database to test WAL
	tmpDB := t.TempDir() + "/test.db"

	db, err := New(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	// Verify WAL mode is enabled for file-based database
	var journalMode string
	err = db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'wal' for file database, got: %s", journalMode)
	}
}

func TestSchemaTablesAndIndexes(t *testing.T) {
	tmpDB := t.TempDir() + "/test.db"

	db, err := New(tmpDB)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"users", "messages", "groups", "group_members", "push_subscriptions"} {
		var count int
		err = db.conn.QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type = 'table' AND name = ?
		`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to inspect schema: %v", err)
		}
		if count != 1 {
			t.Fatalf("Expected %s table to exist", table)
		}
	}

	for _, index := range []string{"idx_messages_sender_receiver", "idx_messages_group", "idx_group_members_user_id"} {
		var count int
		err = db.conn.QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type = 'index' AND name = ?
		`, index).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to inspect index %s: %v", index, err)
		}
		if count != 1 {
			t.Fatalf("Expected %s index to exist", index)
		}
	}
}

func TestMessagesRequireExactlyOneConversation(t *testing.T) {
	db, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	if _, err := db.conn.Exec("INSERT INTO users (id, username, password_hash) VALUES (1, 'a', 'x'), (2, 'b', 'x')"); err != nil {
		t.Fatalf("Failed to seed users: %v", err)
	}
	if _, err := db.conn.Exec("INSERT INTO groups (id, name) VALUES (1, 'g')"); err != nil {
		t.Fatalf("Failed to seed group: %v", err)
	}

	insert := `INSERT INTO messages (sender_id, receiver_id, group_id, text, created_at, updated_at)
		VALUES (1, ?, ?, 'hi', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`

	if _, err := db.conn.Exec(insert, 2, nil); err != nil {
		t.Errorf("Direct message rejected: %v", err)
	}
	if _, err := db.conn.Exec(insert, nil, 1); err != nil {
		t.Errorf("Group message rejected: %v", err)
	}
	if _, err := db.conn.Exec(insert, 2, 1); err == nil {
		t.Error("Expected message with both receiver and group to be rejected")
	}
	if _, err := db.conn.Exec(insert, nil, nil); err == nil {
		t.Error("Expected message with neither receiver nor group to be rejected")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/test.db"

	first, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	first.Close()

	second, err := New(path)
	if err != nil {
		t.Fatalf("Reopening database failed: %v", err)
	}
	second.Close()
}
