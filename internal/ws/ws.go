package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/4xmen/nameh/internal/models"
	"github.com/4xmen/nameh/pkg/i18n"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
)

// Frame is the envelope of every message on the socket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusHandler applies receipts sent over the socket.
type StatusHandler interface {
	MarkAsDelivered(ctx context.Context, messageID, userID int64) (*models.StatusUpdate, error)
	MarkAsRead(ctx context.Context, messageID, userID int64) (*models.StatusUpdate, error)
}

// Hub tracks one live connection per user and the typing state between
// users. The newest connection for a user replaces any older one.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]*Client
	typing  map[int64]map[int64]time.Time
	status  StatusHandler
	now     func() time.Time
}

type Client struct {
	userID    int64
	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the CORS layer and the token check
		return true
	},
}

func NewHub(status StatusHandler) *Hub {
	return &Hub{
		clients: make(map[int64]*Client),
		typing:  make(map[int64]map[int64]time.Time),
		status:  status,
		now:     time.Now,
	}
}

func newClient(h *Hub, userID int64, conn *websocket.Conn) *Client {
	return &Client{
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect registers c as the live connection of its user and announces the
// new online list to everyone.
func (h *Hub) Connect(c *Client) {
	h.mu.Lock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	total := len(h.clients)
	h.mu.Unlock()

	if old != nil && old != c {
		old.close()
	}

	log.Info().Int64("user_id", c.userID).Int("online", total).Msg("user connected")
	h.broadcastOnlineUsers()
}

// Disconnect removes c. If c was already replaced by a newer connection the
// mapping and typing state are left alone.
func (h *Hub) Disconnect(c *Client) {
	c.close()

	h.mu.Lock()
	if h.clients[c.userID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.userID)
	peers := h.typing[c.userID]
	delete(h.typing, c.userID)
	total := len(h.clients)
	h.mu.Unlock()

	for peerID := range peers {
		h.Notify(peerID, models.EventUserTyping, h.typingEvent(c.userID, false))
	}

	log.Info().Int64("user_id", c.userID).Int("online", total).Msg("user disconnected")
	h.broadcastOnlineUsers()
}

// Typing records that userID started or stopped typing to receiverID and
// tells the receiver. A stop without a matching start is ignored.
func (h *Hub) Typing(userID, receiverID int64, isTyping bool) {
	h.mu.Lock()
	if isTyping {
		if h.typing[userID] == nil {
			h.typing[userID] = make(map[int64]time.Time)
		}
		h.typing[userID][receiverID] = h.now()
	} else {
		peers, ok := h.typing[userID]
		if !ok {
			h.mu.Unlock()
			return
		}
		if _, ok := peers[receiverID]; !ok {
			h.mu.Unlock()
			return
		}
		delete(peers, receiverID)
		if len(peers) == 0 {
			delete(h.typing, userID)
		}
	}
	h.mu.Unlock()

	h.Notify(receiverID, models.EventUserTyping, h.typingEvent(userID, isTyping))
}

func (h *Hub) typingEvent(userID int64, isTyping bool) models.TypingEvent {
	return models.TypingEvent{UserID: userID, IsTyping: isTyping, Timestamp: h.now().UnixMilli()}
}

// Notify sends an event to userID if connected. It reports whether the
// event was queued; offline users and full buffers drop the event.
func (h *Hub) Notify(userID int64, event string, payload any) bool {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}

	data, err := encodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return false
	}
	return c.enqueue(data)
}

// Broadcast sends an event to every connected user.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

func (h *Hub) broadcastOnlineUsers() {
	h.Broadcast(models.EventOnlineUsers, h.OnlineUserIDs())
}

// IsOnline reports whether userID has a live connection.
func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// OnlineUserIDs returns the connected users in ascending order.
func (h *Hub) OnlineUserIDs() []int64 {
	h.mu.RLock()
	ids := make([]int64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func encodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: event, Payload: raw})
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Int64("user_id", c.userID).Msg("send buffer full, dropping event")
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// HandleWebSocket upgrades an authenticated request. A userId query
// parameter, when present, must match the token.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	value, exists := c.Get("user_id")
	userID, ok := value.(int64)
	if !exists || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "unauthorized")})
		return
	}
	if q := c.Query("userId"); q != "" && q != strconv.FormatInt(userID, 10) {
		c.JSON(http.StatusForbidden, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "userId does not match token")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, userID, conn)
	h.Connect(client)

	go client.writePump()
	go client.readPump()
}

type typingPayload struct {
	ReceiverID int64 `json:"receiverId"`
	IsTyping   bool  `json:"isTyping"`
}

type receiptPayload struct {
	MessageID int64 `json:"messageId"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Int64("user_id", c.userID).Msg("websocket error")
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "typing":
		var p typingPayload
		if json.Unmarshal(frame.Payload, &p) != nil || p.ReceiverID == 0 {
			return
		}
		c.hub.Typing(c.userID, p.ReceiverID, p.IsTyping)

	case "mark_delivered", "mark_read":
		var p receiptPayload
		if json.Unmarshal(frame.Payload, &p) != nil || p.MessageID == 0 {
			return
		}
		status := c.hub.status
		if status == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		var err error
		if frame.Type == "mark_read" {
			_, err = status.MarkAsRead(ctx, p.MessageID, c.userID)
		} else {
			_, err = status.MarkAsDelivered(ctx, p.MessageID, c.userID)
		}
		if err != nil {
			log.Debug().Err(err).Int64("user_id", c.userID).Int64("message_id", p.MessageID).Str("event", frame.Type).Msg("receipt rejected")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
