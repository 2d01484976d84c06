package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"
)

// Notifier sends Web Push notifications to subscribed users.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
	send            func(data []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

// Subscription represents a stored Web Push subscription.
type Subscription struct {
	Endpoint  string `json:"endpoint" binding:"required"`
	KeyP256dh string `json:"p256dh" binding:"required"`
	KeyAuth   string `json:"auth" binding:"required"`
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty;
// every method is safe to call on a nil Notifier.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey string) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Subscribe stores sub for userID. Re-subscribing an endpoint moves it to
// the new user and clears any revocation.
func (n *Notifier) Subscribe(ctx context.Context, userID int64, sub Subscription) error {
	if n == nil {
		return nil
	}
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			revoked_at = NULL
	`, userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth)
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

// Unsubscribe revokes the endpoint if it belongs to userID.
func (n *Notifier) Unsubscribe(ctx context.Context, userID int64, endpoint string) error {
	if n == nil {
		return nil
	}
	_, err := n.db.ExecContext(ctx,
		"UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP WHERE endpoint = ? AND user_id = ?",
		endpoint, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke push subscription: %w", err)
	}
	return nil
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// NotifyNewMessage pushes a new-message notification to every active
// subscription of receiverID. Delivery happens in the background.
func (n *Notifier) NotifyNewMessage(receiverID, senderID int64) {
	if n == nil {
		return
	}

	subs, err := n.subscriptions(receiverID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", receiverID).Msg("push: failed to query subscriptions")
		return
	}
	if len(subs) == 0 {
		log.Debug().Int64("user_id", receiverID).Msg("push: no active subscriptions")
		return
	}

	var sender string
	if err := n.db.QueryRow("SELECT username FROM users WHERE id = ?", senderID).Scan(&sender); err != nil {
		sender = "someone"
	}
	data, _ := json.Marshal(payload{
		Title: "New message",
		Body:  "New message from " + sender,
		URL:   fmt.Sprintf("/?chat=%d", senderID),
	})

	log.Debug().Int64("user_id", receiverID).Int("subscriptions", len(subs)).Msg("push: sending notification")
	for _, sub := range subs {
		go n.sendToSubscription(sub, data)
	}
}

func (n *Notifier) subscriptions(userID int64) ([]Subscription, error) {
	rows, err := n.db.Query(
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (n *Notifier) sendToSubscription(sub Subscription, data []byte) {
	resp, err := n.send(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      "mailto:push@nameh.local",
		TTL:             86400,
	})
	if err != nil {
		log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push: failed to send")
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if _, err := n.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint); err != nil {
			log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push: failed to remove expired subscription")
			return
		}
		log.Info().Str("endpoint", sub.Endpoint).Int("status", resp.StatusCode).Msg("push: removed expired subscription")
	}
}
