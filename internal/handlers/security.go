package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/nameh/internal/encryption"
	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/messages"
	"github.com/4xmen/nameh/internal/models"
	"github.com/4xmen/nameh/internal/reconcile"
	"github.com/4xmen/nameh/internal/store"
)

// SecurityStore reads and updates per-user security state.
type SecurityStore interface {
	GetKeyRecord(ctx context.Context, userID int64) (*models.KeyRecord, error)
	GetSecuritySettings(ctx context.Context, userID int64) (*models.SecuritySettings, error)
	UpdateSecuritySettings(ctx context.Context, userID int64, encryptionEnabled, keyRotationEnabled bool) (*models.SecuritySettings, error)
}

type SecurityHandler struct {
	keys       *keys.Manager
	users      SecurityStore
	crypto     *encryption.Service
	reconciler *reconcile.Reconciler
}

func NewSecurityHandler(keyManager *keys.Manager, users SecurityStore, crypto *encryption.Service, reconciler *reconcile.Reconciler) *SecurityHandler {
	return &SecurityHandler{
		keys:       keyManager,
		users:      users,
		crypto:     crypto,
		reconciler: reconciler,
	}
}

// GetStatus reports the user's key state and the active crypto settings
func (h *SecurityHandler) GetStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	stats, err := h.keys.KeyStats(ctx, userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}
	settings, err := h.users.GetSecuritySettings(ctx, userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"encryptionEnabled": settings.EncryptionEnabled,
		"keyStats":          stats,
		"securityLevel":     models.SecurityEnterprise,
		"algorithm":         encryption.Algorithm,
		"integrityMode":     h.crypto.Mode(),
		"rotationInterval":  h.keys.RotationInterval().String(),
		"features": gin.H{
			"messageEncryption": true,
			"messageIntegrity":  true,
			"keyRotation":       settings.KeyRotationEnabled,
		},
	})
}

// RotateKey replaces the user's key immediately
func (h *SecurityHandler) RotateKey(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	info, err := h.keys.RotateUserKey(c.Request.Context(), userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Encryption key rotated successfully",
		"keyInfo":       info,
		"securityLevel": models.SecurityEnterprise,
	})
}

type settingsRequest struct {
	EncryptionEnabled  *bool `json:"encryptionEnabled"`
	KeyRotationEnabled *bool `json:"keyRotationEnabled"`
}

// UpdateSettings changes the user's security preferences. Omitted fields
// keep their current value.
func (h *SecurityHandler) UpdateSettings(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}

	current, err := h.users.GetSecuritySettings(ctx, userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}
	if req.EncryptionEnabled != nil {
		current.EncryptionEnabled = *req.EncryptionEnabled
	}
	if req.KeyRotationEnabled != nil {
		current.KeyRotationEnabled = *req.KeyRotationEnabled
	}

	settings, err := h.users.UpdateSecuritySettings(ctx, userID, current.EncryptionEnabled, current.KeyRotationEnabled)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Security settings updated successfully",
		"settings": settings,
	})
}

type auditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
}

// GetAuditLog lists the security events recorded for the user, newest first
func (h *SecurityHandler) GetAuditLog(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	settings, err := h.users.GetSecuritySettings(ctx, userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}
	record, err := h.users.GetKeyRecord(ctx, userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}

	entries := []auditEntry{}
	if settings.UpdatedAt != nil {
		entries = append(entries, auditEntry{*settings.UpdatedAt, "Security settings updated", "User security preferences modified"})
	}
	if record != nil {
		entries = append(entries, auditEntry{record.CreatedAt, "Encryption key generated", "New encryption key created for secure messaging"})
		if record.RotatedAt != nil {
			entries = append(entries, auditEntry{*record.RotatedAt, "Encryption key rotated", "Previous encryption key retired"})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	c.JSON(http.StatusOK, gin.H{"auditLog": entries, "totalEvents": len(entries)})
}

type testRequest struct {
	TestMessage string `json:"testMessage"`
}

// TestEncryption round-trips a sample message through the user's key
func (h *SecurityHandler) TestEncryption(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.TestMessage == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "testMessage is required"))
		return
	}

	key, err := h.keys.UserKey(c.Request.Context(), userID)
	if err != nil {
		respondError(c, mapStoreError(err))
		return
	}

	sealed, err := h.crypto.Encrypt(req.TestMessage, key)
	if err != nil {
		respondError(c, err)
		return
	}
	decrypted, err := h.crypto.Decrypt(sealed, key)
	if err != nil {
		respondError(c, err)
		return
	}
	verified := h.crypto.VerifyIntegrity(decrypted, h.crypto.Hash(req.TestMessage))

	c.JSON(http.StatusOK, gin.H{
		"testMessage":       req.TestMessage,
		"encrypted":         sealed.Ciphertext,
		"decrypted":         decrypted,
		"integrityVerified": verified,
		"algorithm":         sealed.Algorithm,
		"securityLevel":     models.SecurityEnterprise,
		"testPassed":        decrypted == req.TestMessage && verified,
	})
}

type cleanupRequest struct {
	OtherUserID int64 `json:"otherUserId"`
}

// Cleanup repairs the conversation between the current user and another
func (h *SecurityHandler) Cleanup(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OtherUserID <= 0 {
		c.JSON(http.StatusBadRequest, errorBody(c, "otherUserId is required"))
		return
	}

	result, err := h.reconciler.CleanupConversation(c.Request.Context(), userID, req.OtherUserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Legacy messages cleaned up successfully",
		"result":  result,
	})
}

// GetConversationStats summarises the security state of a conversation
func (h *SecurityHandler) GetConversationStats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	otherUserID, err := strconv.ParseInt(c.Query("otherUserId"), 10, 64)
	if err != nil || otherUserID <= 0 {
		c.JSON(http.StatusBadRequest, errorBody(c, "otherUserId is required"))
		return
	}

	stats, err := h.reconciler.ConversationStats(c.Request.Context(), userID, otherUserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationStats": stats})
}

func mapStoreError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, keys.ErrUserNotFound) {
		return messages.ErrNotFound
	}
	return err
}
