package models

import "time"

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// KeyRecord is the per-user encryption key stored alongside the user row.
// At most one record exists per user; rotation overwrites it.
type KeyRecord struct {
	KeyID       string     `json:"key_id"`
	KeyMaterial string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	IsActive    bool       `json:"is_active"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// Expired reports whether the key has passed its expiry at now.
func (k *KeyRecord) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

type SecuritySettings struct {
	EncryptionEnabled  bool       `json:"encryption_enabled"`
	KeyRotationEnabled bool       `json:"key_rotation_enabled"`
	UpdatedAt          *time.Time `json:"last_security_update,omitempty"`
}

type SecurityLevel string

const (
	SecurityLegacy     SecurityLevel = "legacy"
	SecurityStandard   SecurityLevel = "standard"
	SecurityEnterprise SecurityLevel = "enterprise"
	SecurityMilitary   SecurityLevel = "military"
)

// Envelope is the stored ciphertext of one message. Fields are empty when
// the corresponding column is NULL.
type Envelope struct {
	Ciphertext    string `json:"ciphertext"`
	IV            string `json:"iv"`
	AuthTag       string `json:"auth_tag"`
	Algorithm     string `json:"algorithm"`
	IntegrityHash string `json:"integrity_hash"`
	KeyID         string `json:"key_id"`
}

// Complete reports whether ciphertext, IV and auth tag are all present.
func (e *Envelope) Complete() bool {
	return e != nil && e.Ciphertext != "" && e.IV != "" && e.AuthTag != ""
}

type EncryptionMeta struct {
	IsEncrypted   bool          `json:"is_encrypted"`
	SecurityLevel SecurityLevel `json:"security_level"`
	EncryptedAt   *time.Time    `json:"encrypted_at,omitempty"`
}

type FileAttachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Message is the persisted entity. Envelope is nil when no envelope column
// is populated.
type Message struct {
	ID          int64           `json:"id"`
	SenderID    int64           `json:"sender_id"`
	ReceiverID  *int64          `json:"receiver_id,omitempty"`
	GroupID     *int64          `json:"group_id,omitempty"`
	Text        *string         `json:"text,omitempty"`
	Envelope    *Envelope       `json:"-"`
	Encryption  EncryptionMeta  `json:"encryption"`
	ImageURL    *string         `json:"image,omitempty"`
	File        *FileAttachment `json:"file,omitempty"`
	Reactions   Reactions       `json:"reactions"`
	Status      Status          `json:"status"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	ReadBy      *int64          `json:"read_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TextValue returns the stored text or "" when it is NULL.
func (m *Message) TextValue() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// IsDirect reports whether the message belongs to a one-to-one conversation.
func (m *Message) IsDirect() bool {
	return m.ReceiverID != nil && m.GroupID == nil
}

// MessageDTO is what clients receive. It never carries the envelope.
type MessageDTO struct {
	ID                int64           `json:"id"`
	SenderID          int64           `json:"sender_id"`
	ReceiverID        *int64          `json:"receiver_id,omitempty"`
	GroupID           *int64          `json:"group_id,omitempty"`
	Text              string          `json:"text,omitempty"`
	ImageURL          *string         `json:"image,omitempty"`
	File              *FileAttachment `json:"file,omitempty"`
	Reactions         Reactions       `json:"reactions"`
	Status            Status          `json:"status"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	ReadBy            *int64          `json:"read_by,omitempty"`
	IsEncrypted       bool            `json:"is_encrypted"`
	SecurityLevel     SecurityLevel   `json:"security_level"`
	IntegrityVerified *bool           `json:"integrity_verified,omitempty"`
	DecryptionError   bool            `json:"decryption_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DTO projects the message with the given display text.
func (m *Message) DTO(text string) *MessageDTO {
	reactions := m.Reactions
	if reactions == nil {
		reactions = Reactions{}
	}
	return &MessageDTO{
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		GroupID:       m.GroupID,
		Text:          text,
		ImageURL:      m.ImageURL,
		File:          m.File,
		Reactions:     reactions,
		Status:        m.Status,
		DeliveredAt:   m.DeliveredAt,
		ReadAt:        m.ReadAt,
		ReadBy:        m.ReadBy,
		IsEncrypted:   m.Encryption.IsEncrypted,
		SecurityLevel: m.Encryption.SecurityLevel,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
