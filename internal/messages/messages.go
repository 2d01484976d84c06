package messages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/4xmen/nameh/internal/blob"
	"github.com/4xmen/nameh/internal/encryption"
	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/models"
	"github.com/4xmen/nameh/internal/reconcile"
	"github.com/4xmen/nameh/internal/store"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
)

// MessageStore is the persistence the service needs.
type MessageStore interface {
	reconcile.MessageStore
	Create(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id int64) (*models.Message, error)
	ListGroup(ctx context.Context, groupID int64) ([]*models.Message, error)
	MutateReactions(ctx context.Context, id int64, fn func(models.Reactions) bool) (*models.Message, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkRead(ctx context.Context, id, readerID int64, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, senderID, receiverID int64, at time.Time) (int64, error)
}

type UserStore interface {
	Exists(ctx context.Context, userID int64) (bool, error)
	GetSecuritySettings(ctx context.Context, userID int64) (*models.SecuritySettings, error)
}

type GroupStore interface {
	Exists(ctx context.Context, groupID int64) (bool, error)
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	MemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// Sealer encrypts message text into an envelope.
type Sealer interface {
	Seal(plaintext, key string) (*encryption.SecureMessage, error)
}

// Notifier delivers real-time events to connected users. Notify reports
// whether the user had a live connection.
type Notifier interface {
	Notify(userID int64, event string, payload any) bool
}

// PushNotifier reaches users who are not connected.
type PushNotifier interface {
	NotifyNewMessage(receiverID, senderID int64)
}

type Deps struct {
	Messages   MessageStore
	Users      UserStore
	Groups     GroupStore
	Sealer     Sealer
	Keys       keys.SharedKeyDeriver
	Reconciler *reconcile.Reconciler
	Notifier   Notifier
	Push       PushNotifier
	Blobs      blob.Store
}

type Service struct {
	messages   MessageStore
	users      UserStore
	groups     GroupStore
	sealer     Sealer
	keys       keys.SharedKeyDeriver
	reconciler *reconcile.Reconciler
	notifier   Notifier
	push       PushNotifier
	blobs      blob.Store
	now        func() time.Time
}

func New(deps Deps) *Service {
	return &Service{
		messages:   deps.Messages,
		users:      deps.Users,
		groups:     deps.Groups,
		sealer:     deps.Sealer,
		keys:       deps.Keys,
		reconciler: deps.Reconciler,
		notifier:   deps.Notifier,
		push:       deps.Push,
		blobs:      deps.Blobs,
		now:        time.Now,
	}
}

// SetNotifier wires the real-time hub after construction, since the hub
// itself needs the service for inbound events.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Attachment is an uploaded image or file.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Content is what a sender submits. At least one part must be present.
type Content struct {
	Text  string
	Image *Attachment
	File  *Attachment
}

func (c Content) empty() bool {
	return strings.TrimSpace(c.Text) == "" && c.Image == nil && c.File == nil
}

// Send stores a direct message, encrypting its text under the pair's shared
// key, and pushes it to the receiver.
func (s *Service) Send(ctx context.Context, senderID, receiverID int64, content Content) (*models.MessageDTO, error) {
	if content.empty() {
		return nil, fmt.Errorf("%w: message must have text, image or file", ErrValidation)
	}
	exists, err := s.users.Exists(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up receiver: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: receiver", ErrNotFound)
	}

	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: &receiverID,
		Status:     models.StatusSent,
		Reactions:  models.Reactions{},
		Encryption: models.EncryptionMeta{SecurityLevel: models.SecurityLegacy},
	}
	if err := s.attach(ctx, msg, content); err != nil {
		return nil, err
	}
	if content.Text != "" {
		text := content.Text
		msg.Text = &text
		s.encrypt(ctx, msg, text)
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	dto := msg.DTO(content.Text)
	if msg.Encryption.IsEncrypted {
		verified := true
		dto.IntegrityVerified = &verified
	}

	log.Debug().
		Int64("message_id", msg.ID).
		Int64("user_id", senderID).
		Int64("peer_id", receiverID).
		Str("security_level", string(msg.Encryption.SecurityLevel)).
		Msg("message sent")

	if !s.notify(receiverID, models.EventNewMessage, dto) && s.push != nil {
		s.push.NotifyNewMessage(receiverID, senderID)
	}
	return dto, nil
}

// encrypt seals text into msg. Failure leaves msg as legacy plaintext.
func (s *Service) encrypt(ctx context.Context, msg *models.Message, text string) {
	if settings, err := s.users.GetSecuritySettings(ctx, msg.SenderID); err == nil && !settings.EncryptionEnabled {
		return
	}

	key, err := s.keys.SharedKey(strconv.FormatInt(msg.SenderID, 10), strconv.FormatInt(*msg.ReceiverID, 10))
	if err != nil {
		log.Warn().Err(err).Int64("user_id", msg.SenderID).Msg("failed to derive shared key, sending unencrypted")
		return
	}
	sealed, err := s.sealer.Seal(text, key)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", msg.SenderID).Msg("encryption failed, sending unencrypted")
		return
	}

	now := s.now().UTC()
	msg.Envelope = sealed.Envelope("")
	msg.Encryption = models.EncryptionMeta{
		IsEncrypted:   true,
		SecurityLevel: sealed.SecurityLevel,
		EncryptedAt:   &now,
	}
}

// SendGroup stores a group message as plaintext and pushes it to every other
// member.
func (s *Service) SendGroup(ctx context.Context, senderID, groupID int64, content Content) (*models.MessageDTO, error) {
	if content.empty() {
		return nil, fmt.Errorf("%w: message must have text, image or file", ErrValidation)
	}
	if err := s.requireMember(ctx, groupID, senderID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		SenderID:   senderID,
		GroupID:    &groupID,
		Status:     models.StatusSent,
		Reactions:  models.Reactions{},
		Encryption: models.EncryptionMeta{SecurityLevel: models.SecurityLegacy},
	}
	if content.Text != "" {
		text := content.Text
		msg.Text = &text
	}
	if err := s.attach(ctx, msg, content); err != nil {
		return nil, err
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	dto := msg.DTO(content.Text)
	members, err := s.groups.MemberIDs(ctx, groupID)
	if err != nil {
		log.Error().Err(err).Int64("group_id", groupID).Msg("failed to load group members for fan-out")
		return dto, nil
	}
	for _, member := range members {
		if member != senderID {
			s.notify(member, models.EventNewMessage, dto)
		}
	}
	return dto, nil
}

func (s *Service) attach(ctx context.Context, msg *models.Message, content Content) error {
	if content.Image != nil {
		url, err := s.store(ctx, content.Image)
		if err != nil {
			return err
		}
		msg.ImageURL = &url
	}
	if content.File != nil {
		url, err := s.store(ctx, content.File)
		if err != nil {
			return err
		}
		msg.File = &models.FileAttachment{
			URL:         url,
			Name:        content.File.Name,
			Size:        content.File.Size,
			ContentType: content.File.ContentType,
		}
	}
	return nil
}

func (s *Service) store(ctx context.Context, a *Attachment) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("%w: attachments are not supported", ErrValidation)
	}
	url, err := s.blobs.Put(ctx, a.Name, a.ContentType, a.Body)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) || errors.Is(err, blob.ErrInvalidDataURL) {
			return "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return "", fmt.Errorf("failed to store attachment: %w", err)
	}
	return url, nil
}

// Fetch returns the conversation between userID and otherID, oldest first,
// after opportunistically cleaning up inconsistent rows.
func (s *Service) Fetch(ctx context.Context, userID, otherID int64) ([]*models.MessageDTO, error) {
	if result, err := s.reconciler.CleanupConversation(ctx, userID, otherID); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Int64("peer_id", otherID).Msg("message cleanup failed")
	} else if result.Errors > 0 {
		log.Warn().Int("errors", result.Errors).Int64("user_id", userID).Int64("peer_id", otherID).Msg("message cleanup had errors")
	}

	msgs, err := s.messages.ListConversation(ctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return s.reconcileAll(msgs), nil
}

// FetchGroup returns a group's messages for one of its members.
func (s *Service) FetchGroup(ctx context.Context, groupID, userID int64) ([]*models.MessageDTO, error) {
	if err := s.requireMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group messages: %w", err)
	}
	return s.reconcileAll(msgs), nil
}

func (s *Service) reconcileAll(msgs []*models.Message) []*models.MessageDTO {
	out := make([]*models.MessageDTO, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, s.reconciler.Reconcile(msg))
	}
	return out
}

func (s *Service) requireMember(ctx context.Context, groupID, userID int64) error {
	exists, err := s.groups.Exists(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to look up group: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: group", ErrNotFound)
	}
	member, err := s.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to check group membership: %w", err)
	}
	if !member {
		return fmt.Errorf("%w: not a member of this group", ErrForbidden)
	}
	return nil
}

// AddReaction records userID's emoji on a message. Adding the same reaction
// twice changes nothing.
func (s *Service) AddReaction(ctx context.Context, messageID, userID int64, emoji string) (*models.ReactionUpdate, error) {
	return s.mutateReactions(ctx, messageID, emoji, func(r models.Reactions) bool {
		return r.Add(emoji, userID)
	})
}

// RemoveReaction drops userID's emoji from a message.
func (s *Service) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (*models.ReactionUpdate, error) {
	return s.mutateReactions(ctx, messageID, emoji, func(r models.Reactions) bool {
		return r.Remove(emoji, userID)
	})
}

func (s *Service) mutateReactions(ctx context.Context, messageID int64, emoji string, fn func(models.Reactions) bool) (*models.ReactionUpdate, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, fmt.Errorf("%w: emoji is required", ErrValidation)
	}

	msg, err := s.messages.MutateReactions(ctx, messageID, fn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update reactions: %w", err)
	}

	update := &models.ReactionUpdate{MessageID: msg.ID, Reactions: msg.Reactions}
	if update.Reactions == nil {
		update.Reactions = models.Reactions{}
	}
	for _, uid := range s.participants(ctx, msg) {
		s.notify(uid, models.EventReactionUpdate, update)
	}
	return update, nil
}

// participants lists the users who can see msg.
func (s *Service) participants(ctx context.Context, msg *models.Message) []int64 {
	if msg.IsDirect() {
		if *msg.ReceiverID == msg.SenderID {
			return []int64{msg.SenderID}
		}
		return []int64{msg.SenderID, *msg.ReceiverID}
	}
	if msg.GroupID == nil {
		return []int64{msg.SenderID}
	}
	members, err := s.groups.MemberIDs(ctx, *msg.GroupID)
	if err != nil {
		log.Error().Err(err).Int64("group_id", *msg.GroupID).Msg("failed to load group members for fan-out")
		return []int64{msg.SenderID}
	}
	return members
}

func (s *Service) receivedMessage(ctx context.Context, messageID, userID int64) (*models.Message, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message", ErrNotFound)
		}
		return nil, err
	}
	if msg.ReceiverID == nil || *msg.ReceiverID != userID {
		return nil, fmt.Errorf("%w: only the receiver can update message status", ErrForbidden)
	}
	return msg, nil
}

// MarkAsDelivered moves a message from sent to delivered on behalf of its
// receiver. Messages already delivered or read are returned unchanged.
func (s *Service) MarkAsDelivered(ctx context.Context, messageID, userID int64) (*models.StatusUpdate, error) {
	msg, err := s.receivedMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	changed, err := s.messages.MarkDelivered(ctx, messageID, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &models.StatusUpdate{MessageID: messageID, Status: msg.Status, DeliveredAt: msg.DeliveredAt, ReadAt: msg.ReadAt}, nil
	}

	update := &models.StatusUpdate{MessageID: messageID, Status: models.StatusDelivered, DeliveredAt: &now}
	s.notify(msg.SenderID, models.EventMessageStatusUpdate, update)
	return update, nil
}

// MarkAsRead marks a message read on behalf of its receiver and tells the
// sender.
func (s *Service) MarkAsRead(ctx context.Context, messageID, userID int64) (*models.StatusUpdate, error) {
	msg, err := s.receivedMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	changed, err := s.messages.MarkRead(ctx, messageID, userID, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &models.StatusUpdate{MessageID: messageID, Status: msg.Status, DeliveredAt: msg.DeliveredAt, ReadAt: msg.ReadAt}, nil
	}

	update := &models.StatusUpdate{MessageID: messageID, Status: models.StatusRead, ReadAt: &now}
	s.notify(msg.SenderID, models.EventMessageStatusUpdate, update)
	return update, nil
}

// MarkAllAsRead marks every unread message from senderID to receiverID as
// read and tells the sender.
func (s *Service) MarkAllAsRead(ctx context.Context, senderID, receiverID int64) (*models.AllMessagesRead, error) {
	now := s.now().UTC()
	n, err := s.messages.MarkAllRead(ctx, senderID, receiverID, now)
	if err != nil {
		return nil, err
	}

	result := &models.AllMessagesRead{ReceiverID: receiverID, ReadAt: now, UpdatedCount: n}
	s.notify(senderID, models.EventAllMessagesRead, result)
	return result, nil
}

func (s *Service) notify(userID int64, event string, payload any) bool {
	if s.notifier == nil {
		return false
	}
	return s.notifier.Notify(userID, event, payload)
}
