package keys

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/4xmen/nameh/internal/models"
)

const (
	DefaultRotationInterval = 24 * time.Hour
	DefaultSharedSalt       = "shared-salt"
)

var ErrUserNotFound = errors.New("user not found")

// SharedKeyDeriver produces the symmetric key two users share for their
// direct conversation.
type SharedKeyDeriver interface {
	SharedKey(userA, userB string) (string, error)
}

// DeterministicDeriver hashes the sorted pair of identifiers with a static
// salt. Both sides get the same key without any exchange; there is no
// forward secrecy and no per-conversation randomness.
type DeterministicDeriver struct {
	Salt string
}

func NewDeterministicDeriver(salt string) *DeterministicDeriver {
	if salt == "" {
		salt = DefaultSharedSalt
	}
	return &DeterministicDeriver{Salt: salt}
}

func (d *DeterministicDeriver) SharedKey(userA, userB string) (string, error) {
	if userA == "" || userB == "" {
		return "", fmt.Errorf("shared key generation failed: empty user id")
	}
	ids := []string{userA, userB}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(ids[0] + "-" + ids[1] + d.Salt))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// KeyStore persists the single key record kept per user.
type KeyStore interface {
	// GetKeyRecord returns nil without error when the user has no key yet,
	// and ErrUserNotFound when the user does not exist.
	GetKeyRecord(ctx context.Context, userID int64) (*models.KeyRecord, error)
	SaveKeyRecord(ctx context.Context, userID int64, record *models.KeyRecord) error
	DeactivateKeyRecord(ctx context.Context, userID int64, rotatedAt time.Time) error
}

// KeyGenerator returns a fresh random base64 key.
type KeyGenerator interface {
	GenerateKey() (string, error)
}

type KeyInfo struct {
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

type KeyStats struct {
	HasKey         bool   `json:"has_key"`
	AgeHours       *int64 `json:"key_age_hours"`
	ExpiresInHours *int64 `json:"expires_in_hours"`
	Status         string `json:"status"`
	KeyID          string `json:"key_id,omitempty"`
}

// Manager owns the per-user key records: creation, lazy rotation on expiry
// and forced rotation.
type Manager struct {
	store     KeyStore
	generator KeyGenerator
	interval  time.Duration
	now       func() time.Time
}

func NewManager(store KeyStore, generator KeyGenerator, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &Manager{
		store:     store,
		generator: generator,
		interval:  interval,
		now:       time.Now,
	}
}

// RotationInterval returns how long a generated key stays valid.
func (m *Manager) RotationInterval() time.Duration {
	return m.interval
}

// UserKey returns the user's active key, generating one when none exists or
// rotating it when it has expired. Concurrent callers may both rotate; the
// last write wins.
func (m *Manager) UserKey(ctx context.Context, userID int64) (string, error) {
	record, err := m.store.GetKeyRecord(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("key retrieval failed: %w", err)
	}

	if record == nil || !record.IsActive {
		record, err = m.generate(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("key retrieval failed: %w", err)
		}
		return record.KeyMaterial, nil
	}

	if record.Expired(m.now()) {
		log.Info().Int64("user_id", userID).Str("key_id", record.KeyID).Msg("user key expired, rotating")
		record, err = m.rotate(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("key retrieval failed: %w", err)
		}
	}

	return record.KeyMaterial, nil
}

// RotateUserKey deactivates the current key and generates a new one
// regardless of expiry.
func (m *Manager) RotateUserKey(ctx context.Context, userID int64) (*KeyInfo, error) {
	record, err := m.rotate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("key rotation failed: %w", err)
	}
	return &KeyInfo{
		KeyID:     record.KeyID,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
		Status:    "active",
	}, nil
}

func (m *Manager) KeyStats(ctx context.Context, userID int64) (*KeyStats, error) {
	record, err := m.store.GetKeyRecord(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("key stats retrieval failed: %w", err)
	}
	if record == nil {
		return &KeyStats{HasKey: false, Status: "no_key"}, nil
	}

	now := m.now()
	age := floorHours(now.Sub(record.CreatedAt))
	expiresIn := floorHours(record.ExpiresAt.Sub(now))

	status := "inactive"
	if record.IsActive {
		status = "active"
	}

	return &KeyStats{
		HasKey:         true,
		AgeHours:       &age,
		ExpiresInHours: &expiresIn,
		Status:         status,
		KeyID:          record.KeyID,
	}, nil
}

func (m *Manager) rotate(ctx context.Context, userID int64) (*models.KeyRecord, error) {
	if err := m.store.DeactivateKeyRecord(ctx, userID, m.now()); err != nil {
		return nil, err
	}
	return m.generate(ctx, userID)
}

func (m *Manager) generate(ctx context.Context, userID int64) (*models.KeyRecord, error) {
	material, err := m.generator.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}

	createdAt := m.now()
	record := &models.KeyRecord{
		KeyID:       newKeyID(),
		KeyMaterial: material,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(m.interval),
		IsActive:    true,
	}
	if err := m.store.SaveKeyRecord(ctx, userID, record); err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return record, nil
}

func newKeyID() string {
	return "key_" + uuid.NewString()
}

func floorHours(d time.Duration) int64 {
	return int64(math.Floor(d.Hours()))
}
