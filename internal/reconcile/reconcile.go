package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/4xmen/nameh/internal/encryption"
	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/models"
)

// UndecryptablePlaceholder replaces the text of a message that cannot be
// decrypted.
const UndecryptablePlaceholder = "[Message could not be decrypted]"

var errNoSharedKey = errors.New("message has no direct conversation key")

// Cipher is the part of the encryption service reconciliation needs.
type Cipher interface {
	Open(env *models.Envelope, key string) (*encryption.Opened, error)
	Decrypt(sealed *encryption.Sealed, key string) (string, error)
	VerifyIntegrity(text, digest string) bool
}

// MessageStore is the persistence reconciliation reads and repairs.
type MessageStore interface {
	ListConversation(ctx context.Context, userA, userB int64) ([]*models.Message, error)
	StripEnvelope(ctx context.Context, id int64) error
}

type Reconciler struct {
	cipher Cipher
	keys   keys.SharedKeyDeriver
	store  MessageStore
}

func New(cipher Cipher, deriver keys.SharedKeyDeriver, store MessageStore) *Reconciler {
	return &Reconciler{cipher: cipher, keys: deriver, store: store}
}

// Reconcile turns a stored message into what a client should see. It never
// fails: anything that cannot be decoded degrades to the placeholder or to
// the stored text.
func (r *Reconciler) Reconcile(msg *models.Message) *models.MessageDTO {
	switch Classify(msg) {
	case FormatEnvelopeWithMirror:
		return r.decodeEnvelope(msg, true)
	case FormatEnvelopeOnly:
		return r.decodeEnvelope(msg, false)
	case FormatCiphertextInText:
		return r.decodeCiphertextInText(msg)
	case FormatCorrupt:
		return undecryptable(msg)
	default:
		return legacy(msg, msg.TextValue())
	}
}

func (r *Reconciler) decodeEnvelope(msg *models.Message, hasMirror bool) *models.MessageDTO {
	key, err := r.sharedKey(msg)
	var opened *encryption.Opened
	if err == nil {
		opened, err = r.cipher.Open(msg.Envelope, key)
	}
	if err != nil {
		log.Warn().Err(err).Int64("message_id", msg.ID).Msg("failed to open message envelope")
		if !hasMirror {
			return undecryptable(msg)
		}
		dto := msg.DTO(msg.TextValue())
		dto.IsEncrypted = true
		dto.SecurityLevel = levelOr(msg.Encryption.SecurityLevel, models.SecurityEnterprise)
		dto.IntegrityVerified = boolPtr(false)
		return dto
	}

	dto := msg.DTO(opened.Plaintext)
	dto.IsEncrypted = true
	dto.SecurityLevel = levelOr(msg.Encryption.SecurityLevel, opened.SecurityLevel)
	dto.IntegrityVerified = boolPtr(opened.IntegrityVerified)
	return dto
}

func (r *Reconciler) decodeCiphertextInText(msg *models.Message) *models.MessageDTO {
	text := msg.TextValue()
	sealed := &encryption.Sealed{}
	if msg.Envelope != nil {
		sealed.Ciphertext = msg.Envelope.Ciphertext
		sealed.IV = msg.Envelope.IV
		sealed.AuthTag = msg.Envelope.AuthTag
		sealed.Algorithm = msg.Envelope.Algorithm
	}
	if LooksLikeCiphertext(text) {
		sealed.Ciphertext = text
	}

	fallback := func() *models.MessageDTO {
		if text == "" {
			return undecryptable(msg)
		}
		return legacy(msg, text)
	}

	key, err := r.sharedKey(msg)
	if err != nil {
		return fallback()
	}
	plaintext, err := r.cipher.Decrypt(sealed, key)
	if err != nil {
		log.Debug().Err(err).Int64("message_id", msg.ID).Msg("direct decryption of legacy message failed")
		return fallback()
	}

	dto := msg.DTO(plaintext)
	dto.IsEncrypted = true
	dto.SecurityLevel = levelOr(msg.Encryption.SecurityLevel, models.SecurityStandard)
	if msg.Envelope != nil && msg.Envelope.IntegrityHash != "" {
		dto.IntegrityVerified = boolPtr(r.cipher.VerifyIntegrity(plaintext, msg.Envelope.IntegrityHash))
	}
	return dto
}

func (r *Reconciler) sharedKey(msg *models.Message) (string, error) {
	if !msg.IsDirect() {
		return "", errNoSharedKey
	}
	return r.keys.SharedKey(strconv.FormatInt(msg.SenderID, 10), strconv.FormatInt(*msg.ReceiverID, 10))
}

// CleanupResult counts what a cleanup pass did.
type CleanupResult struct {
	Cleaned int `json:"cleaned_count"`
	Errors  int `json:"error_count"`
}

// NeedsCleanup reports whether msg carries an envelope that disagrees with
// its readable text: the row is not flagged encrypted, or the stored
// integrity hash does not match the text.
func (r *Reconciler) NeedsCleanup(msg *models.Message) bool {
	if !msg.Envelope.Complete() {
		return false
	}
	text := msg.TextValue()
	if !readable(text) {
		return false
	}
	consistent := msg.Encryption.IsEncrypted && r.cipher.VerifyIntegrity(text, msg.Envelope.IntegrityHash)
	return !consistent
}

// CleanupConversation strips inconsistent envelopes between two users and
// marks those messages legacy. Per-message failures are counted and skipped.
func (r *Reconciler) CleanupConversation(ctx context.Context, userA, userB int64) (*CleanupResult, error) {
	messages, err := r.store.ListConversation(ctx, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("message cleanup failed: %w", err)
	}

	result := &CleanupResult{}
	for _, msg := range messages {
		if !r.NeedsCleanup(msg) {
			continue
		}
		if err := r.store.StripEnvelope(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("message_id", msg.ID).Msg("error cleaning message")
			result.Errors++
			continue
		}
		result.Cleaned++
	}

	if result.Cleaned > 0 || result.Errors > 0 {
		log.Info().
			Int64("user_a", userA).
			Int64("user_b", userB).
			Int("cleaned", result.Cleaned).
			Int("errors", result.Errors).
			Msg("conversation cleanup completed")
	}
	return result, nil
}

type ConversationStats struct {
	Total       int `json:"total"`
	Encrypted   int `json:"encrypted"`
	Legacy      int `json:"legacy"`
	Problematic int `json:"problematic"`
}

// ConversationStats tallies the conversation without changing it.
func (r *Reconciler) ConversationStats(ctx context.Context, userA, userB int64) (*ConversationStats, error) {
	messages, err := r.store.ListConversation(ctx, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation stats: %w", err)
	}

	stats := &ConversationStats{Total: len(messages)}
	for _, msg := range messages {
		switch {
		case msg.Envelope.Complete() && msg.Encryption.IsEncrypted:
			stats.Encrypted++
		case msg.TextValue() != "":
			stats.Legacy++
		default:
			stats.Problematic++
		}
	}
	return stats, nil
}

func legacy(msg *models.Message, text string) *models.MessageDTO {
	dto := msg.DTO(text)
	dto.IsEncrypted = false
	dto.SecurityLevel = models.SecurityLegacy
	return dto
}

func undecryptable(msg *models.Message) *models.MessageDTO {
	dto := msg.DTO(UndecryptablePlaceholder)
	dto.IsEncrypted = msg.Encryption.IsEncrypted
	dto.SecurityLevel = levelOr(msg.Encryption.SecurityLevel, models.SecurityLegacy)
	dto.DecryptionError = true
	return dto
}

func levelOr(level, fallback models.SecurityLevel) models.SecurityLevel {
	if level == "" || level == models.SecurityLegacy {
		return fallback
	}
	return level
}

func boolPtr(b bool) *bool {
	return &b
}
