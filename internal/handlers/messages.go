package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/nameh/internal/blob"
	"github.com/4xmen/nameh/internal/messages"
	"github.com/4xmen/nameh/internal/models"
	"github.com/4xmen/nameh/internal/push"
)

// OnlineChecker interface for checking user online status
type OnlineChecker interface {
	IsOnline(userID int64) bool
}

type UserLister interface {
	ListOthers(ctx context.Context, userID int64) ([]models.User, error)
}

type MessageHandler struct {
	svc           *messages.Service
	users         UserLister
	onlineChecker OnlineChecker
	push          *push.Notifier
	maxUploadSize int64
}

func NewMessageHandler(svc *messages.Service, users UserLister, onlineChecker OnlineChecker, pushNotifier *push.Notifier, maxUploadSize int64) *MessageHandler {
	return &MessageHandler{
		svc:           svc,
		users:         users,
		onlineChecker: onlineChecker,
		push:          pushNotifier,
		maxUploadSize: maxUploadSize,
	}
}

type userWithOnline struct {
	models.User
	IsOnline bool `json:"is_online"`
}

// GetUsers lists everyone except the current user for the sidebar
func (h *MessageHandler) GetUsers(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	users, err := h.users.ListOthers(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]userWithOnline, 0, len(users))
	for _, u := range users {
		out = append(out, userWithOnline{
			User:     u,
			IsOnline: h.onlineChecker != nil && h.onlineChecker.IsOnline(u.ID),
		})
	}
	c.JSON(http.StatusOK, out)
}

// GetMessages returns the conversation with the user in the path
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	peerID, ok := idParam(c, "id")
	if !ok {
		return
	}

	msgs, err := h.svc.Fetch(c.Request.Context(), userID, peerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type fileRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type sendRequest struct {
	Text  string       `json:"text"`
	Image string       `json:"image"`
	File  *fileRequest `json:"file"`
}

// SendMessage accepts JSON with data URL attachments, or a multipart form
// with "text", "image" and "file" parts.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	receiverID, ok := idParam(c, "id")
	if !ok {
		return
	}

	content, cleanup, ok := h.bindContent(c)
	if !ok {
		return
	}
	defer cleanup()

	msg, err := h.svc.Send(c.Request.Context(), userID, receiverID, content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// GetGroupMessages returns a group's history for a member
func (h *MessageHandler) GetGroupMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	groupID, ok := idParam(c, "id")
	if !ok {
		return
	}

	msgs, err := h.svc.FetchGroup(c.Request.Context(), groupID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// SendGroupMessage posts to a group the current user belongs to
func (h *MessageHandler) SendGroupMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	groupID, ok := idParam(c, "id")
	if !ok {
		return
	}

	content, cleanup, ok := h.bindContent(c)
	if !ok {
		return
	}
	defer cleanup()

	msg, err := h.svc.SendGroup(c.Request.Context(), userID, groupID, content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func noop() {}

// bindContent reads the message body. The returned func releases any
// uploaded files and must be called once the content has been used.
func (h *MessageHandler) bindContent(c *gin.Context) (messages.Content, func(), bool) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return h.bindMultipart(c)
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return messages.Content{}, noop, false
	}

	content := messages.Content{Text: req.Text}
	if req.Image != "" {
		a, err := attachmentFromDataURL(req.Image, "image", "")
		if err != nil {
			respondError(c, err)
			return messages.Content{}, noop, false
		}
		content.Image = a
	}
	if req.File != nil && req.File.URL != "" {
		a, err := attachmentFromDataURL(req.File.URL, req.File.Name, req.File.Type)
		if err != nil {
			respondError(c, err)
			return messages.Content{}, noop, false
		}
		content.File = a
	}
	return content, noop, true
}

func (h *MessageHandler) bindMultipart(c *gin.Context) (messages.Content, func(), bool) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)
	}
	content := messages.Content{Text: c.PostForm("text")}

	var files []multipart.File
	cleanup := func() {
		for _, f := range files {
			f.Close()
		}
	}

	for _, part := range []struct {
		field string
		dst   **messages.Attachment
	}{
		{"image", &content.Image},
		{"file", &content.File},
	} {
		header, err := c.FormFile(part.field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		var f multipart.File
		if err == nil {
			f, err = header.Open()
		}
		if err != nil {
			cleanup()
			c.JSON(http.StatusBadRequest, errorBody(c, "invalid " + part.field + " upload"))
			return messages.Content{}, noop, false
		}
		files = append(files, f)
		*part.dst = &messages.Attachment{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        f,
		}
	}
	if content.Image != nil && !strings.HasPrefix(content.Image.ContentType, "image/") {
		cleanup()
		c.JSON(http.StatusBadRequest, errorBody(c, "image must be an image"))
		return messages.Content{}, noop, false
	}
	return content, cleanup, true
}

func attachmentFromDataURL(value, name, contentType string) (*messages.Attachment, error) {
	if !blob.IsDataURL(value) {
		return nil, fmt.Errorf("%w: attachments must be data URLs", messages.ErrValidation)
	}
	data, err := blob.DecodeDataURL(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", messages.ErrValidation, err)
	}
	if contentType == "" {
		contentType = data.ContentType
	}
	return &messages.Attachment{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data.Data)),
		Body:        bytes.NewReader(data.Data),
	}, nil
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// AddReaction adds the current user's emoji to a message
func (h *MessageHandler) AddReaction(c *gin.Context) {
	h.react(c, h.svc.AddReaction)
}

// RemoveReaction removes the current user's emoji from a message
func (h *MessageHandler) RemoveReaction(c *gin.Context) {
	h.react(c, h.svc.RemoveReaction)
}

func (h *MessageHandler) react(c *gin.Context, fn func(ctx context.Context, messageID, userID int64, emoji string) (*models.ReactionUpdate, error)) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}

	update, err := fn(c.Request.Context(), messageID, userID, req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, update)
}

// MarkAsDelivered marks a message as delivered
func (h *MessageHandler) MarkAsDelivered(c *gin.Context) {
	h.receipt(c, h.svc.MarkAsDelivered)
}

// MarkAsRead marks a message as read
func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	h.receipt(c, h.svc.MarkAsRead)
}

func (h *MessageHandler) receipt(c *gin.Context, fn func(ctx context.Context, messageID, userID int64) (*models.StatusUpdate, error)) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id")
	if !ok {
		return
	}

	update, err := fn(c.Request.Context(), messageID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, update)
}

// MarkAllAsRead marks everything the user in the path sent to the current
// user as read
func (h *MessageHandler) MarkAllAsRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	senderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	result, err := h.svc.MarkAllAsRead(c.Request.Context(), senderID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updatedCount": result.UpdatedCount, "readAt": result.ReadAt})
}

// GetVAPIDKey returns the public key browsers need to subscribe
func (h *MessageHandler) GetVAPIDKey(c *gin.Context) {
	key := h.push.VAPIDPublicKey()
	if key == "" {
		c.JSON(http.StatusNotFound, errorBody(c, "push notifications are not configured"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": key})
}

// Subscribe stores a Web Push subscription for the current user
func (h *MessageHandler) Subscribe(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if h.push == nil {
		c.JSON(http.StatusNotFound, errorBody(c, "push notifications are not configured"))
		return
	}

	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid subscription"))
		return
	}
	if err := h.push.Subscribe(c.Request.Context(), userID, sub); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

// Unsubscribe revokes a Web Push subscription
func (h *MessageHandler) Unsubscribe(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}
	if err := h.push.Unsubscribe(c.Request.Context(), userID, req.Endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
