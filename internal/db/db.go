package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema creates every table the server needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	display_name TEXT,
	avatar_url TEXT,
	key_id TEXT,
	key_material TEXT,
	key_created_at TIMESTAMP,
	key_expires_at TIMESTAMP,
	key_active INTEGER NOT NULL DEFAULT 0,
	key_rotated_at TIMESTAMP,
	encryption_enabled INTEGER NOT NULL DEFAULT 1,
	key_rotation_enabled INTEGER NOT NULL DEFAULT 1,
	security_updated_at TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_by INTEGER,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (created_by) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (group_id, user_id),
	FOREIGN KEY (group_id) REFERENCES groups(id),
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	receiver_id INTEGER,
	group_id INTEGER,
	text TEXT,
	ciphertext TEXT,
	iv TEXT,
	auth_tag TEXT,
	algorithm TEXT,
	integrity_hash TEXT,
	key_id TEXT,
	is_encrypted INTEGER NOT NULL DEFAULT 0,
	security_level TEXT NOT NULL DEFAULT 'legacy',
	encrypted_at TIMESTAMP,
	image_url TEXT,
	file_url TEXT,
	file_name TEXT,
	file_size INTEGER,
	file_content_type TEXT,
	reactions TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'sent',
	delivered_at TIMESTAMP,
	read_at TIMESTAMP,
	read_by INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	CHECK ((receiver_id IS NULL) <> (group_id IS NULL)),
	FOREIGN KEY (sender_id) REFERENCES users(id),
	FOREIGN KEY (receiver_id) REFERENCES users(id),
	FOREIGN KEY (group_id) REFERENCES groups(id)
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	endpoint TEXT UNIQUE NOT NULL,
	p256dh TEXT NOT NULL,
	auth TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	revoked_at TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_sender_receiver ON messages(sender_id, receiver_id);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id);
CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, sender_id, status);
CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
CREATE INDEX IF NOT EXISTS idx_group_members_user_id ON group_members(user_id);
CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user_id ON push_subscriptions(user_id);
`

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for concurrent writes and reads
	// WAL mode allows readers to work while a writer is writing
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds (waits instead of immediate SQLITE_BUSY error)
	// This helps with concurrent write attempts
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Use NORMAL synchronous mode (faster than FULL, still safe with WAL)
	// FULL=safest but slower, NORMAL=good balance, OFF=fastest but risky
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	// Optional: Set cache size for better performance (negative = KB, positive = pages)
	// -64000 = 64MB cache
	if _, err := conn.Exec("PRAGMA cache_size=-64000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	// Configure connection pool
	// With WAL mode, you can have more concurrent connections
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	// Run migrations
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(Schema); err != nil {
		return err
	}

	// Columns added after the first release; errors mean the column exists
	for _, stmt := range []string{
		"ALTER TABLE users ADD COLUMN encryption_enabled INTEGER NOT NULL DEFAULT 1",
		"ALTER TABLE users ADD COLUMN key_rotation_enabled INTEGER NOT NULL DEFAULT 1",
		"ALTER TABLE users ADD COLUMN security_updated_at TIMESTAMP",
		"ALTER TABLE messages ADD COLUMN delivered_at TIMESTAMP",
	} {
		db.conn.Exec(stmt)
	}

	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}
