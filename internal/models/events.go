package models

import "time"

// Real-time event names pushed to clients.
const (
	EventNewMessage          = "newMessage"
	EventReactionUpdate      = "reactionUpdate"
	EventMessageStatusUpdate = "messageStatusUpdate"
	EventAllMessagesRead     = "allMessagesRead"
	EventUserTyping          = "userTyping"
	EventOnlineUsers         = "getOnlineUsers"
)

type ReactionUpdate struct {
	MessageID int64     `json:"messageId"`
	Reactions Reactions `json:"reactions"`
}

type StatusUpdate struct {
	MessageID   int64      `json:"messageId"`
	Status      Status     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

type AllMessagesRead struct {
	ReceiverID   int64     `json:"receiverId"`
	ReadAt       time.Time `json:"readAt"`
	UpdatedCount int64     `json:"updatedCount"`
}

type TypingEvent struct {
	UserID    int64 `json:"userId"`
	IsTyping  bool  `json:"isTyping"`
	Timestamp int64 `json:"timestamp"`
}
