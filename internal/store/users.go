package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/models"
)

// Users reads and writes the user columns the messaging core owns: the
// encryption key record and the security settings.
type Users struct {
	db *sql.DB
}

func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

var _ keys.KeyStore = (*Users)(nil)

func (s *Users) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}

func (s *Users) GetKeyRecord(ctx context.Context, userID int64) (*models.KeyRecord, error) {
	var (
		keyID, material      sql.NullString
		createdAt, expiresAt sql.NullTime
		rotatedAt            sql.NullTime
		active               bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key_id, key_material, key_created_at, key_expires_at, key_active, key_rotated_at
		FROM users WHERE id = ?
	`, userID).Scan(&keyID, &material, &createdAt, &expiresAt, &active, &rotatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keys.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query key record: %w", err)
	}

	if !keyID.Valid || !material.Valid {
		return nil, nil
	}

	return &models.KeyRecord{
		KeyID:       keyID.String,
		KeyMaterial: material.String,
		CreatedAt:   createdAt.Time,
		ExpiresAt:   expiresAt.Time,
		IsActive:    active,
		RotatedAt:   timePtr(rotatedAt),
	}, nil
}

func (s *Users) SaveKeyRecord(ctx context.Context, userID int64, record *models.KeyRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET key_id = ?, key_material = ?, key_created_at = ?, key_expires_at = ?, key_active = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, record.KeyID, record.KeyMaterial, record.CreatedAt.UTC(), record.ExpiresAt.UTC(), record.IsActive, userID)
	if err != nil {
		return fmt.Errorf("failed to save key record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return keys.ErrUserNotFound
	}
	return nil
}

func (s *Users) DeactivateKeyRecord(ctx context.Context, userID int64, rotatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET key_active = 0, key_rotated_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, rotatedAt.UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate key record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return keys.ErrUserNotFound
	}
	return nil
}

func (s *Users) GetSecuritySettings(ctx context.Context, userID int64) (*models.SecuritySettings, error) {
	var settings models.SecuritySettings
	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT encryption_enabled, key_rotation_enabled, security_updated_at FROM users WHERE id = ?
	`, userID).Scan(&settings.EncryptionEnabled, &settings.KeyRotationEnabled, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query security settings: %w", err)
	}
	settings.UpdatedAt = timePtr(updatedAt)
	return &settings, nil
}

func (s *Users) UpdateSecuritySettings(ctx context.Context, userID int64, encryptionEnabled, keyRotationEnabled bool) (*models.SecuritySettings, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET encryption_enabled = ?, key_rotation_enabled = ?, security_updated_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, encryptionEnabled, keyRotationEnabled, now, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update security settings: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return &models.SecuritySettings{
		EncryptionEnabled:  encryptionEnabled,
		KeyRotationEnabled: keyRotationEnabled,
		UpdatedAt:          &now,
	}, nil
}

// ListOthers returns every user except userID, ordered by username.
func (s *Users) ListOthers(ctx context.Context, userID int64) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, display_name, avatar_url, created_at FROM users WHERE id != ? ORDER BY username
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
