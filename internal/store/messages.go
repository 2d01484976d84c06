package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/nameh/internal/models"
)

var ErrNotFound = errors.New("not found")

const messageColumns = `id, sender_id, receiver_id, group_id, text,
	ciphertext, iv, auth_tag, algorithm, integrity_hash, key_id,
	is_encrypted, security_level, encrypted_at,
	image_url, file_url, file_name, file_size, file_content_type,
	reactions, status, delivered_at, read_at, read_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type Messages struct {
	db *sql.DB
}

func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

// Create inserts msg and fills in its ID and timestamps.
func (s *Messages) Create(ctx context.Context, msg *models.Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	if msg.Encryption.SecurityLevel == "" {
		msg.Encryption.SecurityLevel = models.SecurityLegacy
	}

	env := msg.Envelope
	if env == nil {
		env = &models.Envelope{}
	}
	file := msg.File
	if file == nil {
		file = &models.FileAttachment{}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, group_id, text,
			ciphertext, iv, auth_tag, algorithm, integrity_hash, key_id,
			is_encrypted, security_level, encrypted_at,
			image_url, file_url, file_name, file_size, file_content_type,
			reactions, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.SenderID, msg.ReceiverID, msg.GroupID, msg.Text,
		nullString(env.Ciphertext), nullString(env.IV), nullString(env.AuthTag),
		nullString(env.Algorithm), nullString(env.IntegrityHash), nullString(env.KeyID),
		msg.Encryption.IsEncrypted, string(msg.Encryption.SecurityLevel), msg.Encryption.EncryptedAt,
		msg.ImageURL, nullString(file.URL), nullString(file.Name), nullInt64(file.Size), nullString(file.ContentType),
		msg.Reactions, string(msg.Status), msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message id: %w", err)
	}
	msg.ID = id
	return nil
}

func (s *Messages) Get(ctx context.Context, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return msg, nil
}

// ListConversation returns the direct messages between two users, oldest
// first.
func (s *Messages) ListConversation(ctx context.Context, userA, userB int64) ([]*models.Message, error) {
	return s.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
	`, userA, userB, userB, userA)
}

// ListGroup returns a group's messages, oldest first.
func (s *Messages) ListGroup(ctx context.Context, groupID int64) ([]*models.Message, error) {
	return s.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE group_id = ?
		ORDER BY created_at ASC, id ASC
	`, groupID)
}

// MutateReactions loads the message, lets fn edit its reactions and writes
// them back in one transaction.
func (s *Messages) MutateReactions(ctx context.Context, id int64, fn func(models.Reactions) bool) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	if !fn(msg.Reactions) {
		return msg, nil
	}

	msg.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET reactions = ?, updated_at = ? WHERE id = ?",
		msg.Reactions, msg.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("failed to update reactions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reactions: %w", err)
	}
	return msg, nil
}

// MarkDelivered moves a sent message to delivered. It reports whether the
// row changed; a message already delivered or read is left untouched.
func (s *Messages) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'delivered', delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = 'sent'
	`, at, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// MarkRead moves a message to read on behalf of readerID.
func (s *Messages) MarkRead(ctx context.Context, id, readerID int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'read', read_at = ?, read_by = ?, updated_at = ?
		WHERE id = ? AND receiver_id = ? AND status != 'read'
	`, at, readerID, at, id, readerID)
	if err != nil {
		return false, fmt.Errorf("failed to mark read: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// MarkAllRead marks every unread message from senderID to receiverID as read.
func (s *Messages) MarkAllRead(ctx context.Context, senderID, receiverID int64, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'read', read_at = ?, read_by = ?, updated_at = ?
		WHERE sender_id = ? AND receiver_id = ? AND status != 'read'
	`, at, receiverID, at, senderID, receiverID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return result.RowsAffected()
}

// StripEnvelope drops the envelope columns and marks the message legacy.
func (s *Messages) StripEnvelope(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET ciphertext = NULL, iv = NULL, auth_tag = NULL, algorithm = NULL,
			integrity_hash = NULL, key_id = NULL,
			is_encrypted = 0, security_level = 'legacy', encrypted_at = NULL,
			updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to strip envelope: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DirectPair is an unordered pair of users that exchanged direct messages.
type DirectPair struct {
	UserA int64
	UserB int64
}

// ListDirectPairs returns every conversation that holds direct messages.
func (s *Messages) ListDirectPairs(ctx context.Context) ([]DirectPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT MIN(sender_id, receiver_id), MAX(sender_id, receiver_id)
		FROM messages
		WHERE receiver_id IS NOT NULL
		ORDER BY 1, 2
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var pairs []DirectPair
	for rows.Next() {
		var p DirectPair
		if err := rows.Scan(&p.UserA, &p.UserB); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// CountBySecurityLevel tallies all messages by their stored security level.
func (s *Messages) CountBySecurityLevel(ctx context.Context) (map[models.SecurityLevel]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT security_level, COUNT(*) FROM messages GROUP BY security_level")
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SecurityLevel]int64)
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.SecurityLevel(level)] = n
	}
	return counts, rows.Err()
}

func (s *Messages) query(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                                   models.Message
		receiverID, groupID, readBy, fileSize sql.NullInt64
		text, imageURL                        sql.NullString
		ciphertext, iv, authTag, algorithm    sql.NullString
		integrityHash, keyID                  sql.NullString
		fileURL, fileName, fileType           sql.NullString
		securityLevel, status                 string
		encryptedAt, deliveredAt, readAt      sql.NullTime
	)

	err := row.Scan(
		&msg.ID, &msg.SenderID, &receiverID, &groupID, &text,
		&ciphertext, &iv, &authTag, &algorithm, &integrityHash, &keyID,
		&msg.Encryption.IsEncrypted, &securityLevel, &encryptedAt,
		&imageURL, &fileURL, &fileName, &fileSize, &fileType,
		&msg.Reactions, &status, &deliveredAt, &readAt, &readBy, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.ReceiverID = int64Ptr(receiverID)
	msg.GroupID = int64Ptr(groupID)
	msg.ReadBy = int64Ptr(readBy)
	msg.Text = stringPtr(text)
	msg.ImageURL = stringPtr(imageURL)
	msg.Encryption.SecurityLevel = models.SecurityLevel(securityLevel)
	msg.Encryption.EncryptedAt = timePtr(encryptedAt)
	msg.Status = models.Status(status)
	msg.DeliveredAt = timePtr(deliveredAt)
	msg.ReadAt = timePtr(readAt)

	if ciphertext.Valid || iv.Valid || authTag.Valid {
		msg.Envelope = &models.Envelope{
			Ciphertext:    ciphertext.String,
			IV:            iv.String,
			AuthTag:       authTag.String,
			Algorithm:     algorithm.String,
			IntegrityHash: integrityHash.String,
			KeyID:         keyID.String,
		}
	}

	if fileURL.Valid {
		msg.File = &models.FileAttachment{
			URL:         fileURL.String,
			Name:        fileName.String,
			Size:        fileSize.Int64,
			ContentType: fileType.String,
		}
	}

	return &msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
