package push

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/nameh/internal/db"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.GetConn().Exec(`INSERT INTO users (id, username, password_hash) VALUES (1, 'alice', 'x'), (2, 'bob', 'x')`)
	require.NoError(t, err)

	n := NewNotifier(database.GetConn(), "pub", "priv")
	require.NotNil(t, n)
	return n
}

func TestNewNotifierWithoutKeysIsNil(t *testing.T) {
	n := NewNotifier(nil, "", "")
	assert.Nil(t, n)
	assert.Empty(t, n.VAPIDPublicKey())
	assert.NoError(t, n.Subscribe(context.Background(), 1, Subscription{}))
	n.NotifyNewMessage(1, 2)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	n := newTestNotifier(t)
	ctx := context.Background()
	sub := Subscription{Endpoint: "https://push.example/1", KeyP256dh: "p", KeyAuth: "a"}

	require.NoError(t, n.Subscribe(ctx, 2, sub))
	require.NoError(t, n.Subscribe(ctx, 2, sub))
	subs, err := n.subscriptions(2)
	require.NoError(t, err)
	assert.Equal(t, []Subscription{sub}, subs)

	require.NoError(t, n.Unsubscribe(ctx, 1, sub.Endpoint))
	subs, err = n.subscriptions(2)
	require.NoError(t, err)
	assert.Len(t, subs, 1, "another user cannot revoke the endpoint")

	require.NoError(t, n.Unsubscribe(ctx, 2, sub.Endpoint))
	subs, err = n.subscriptions(2)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestNotifyNewMessageRemovesGoneSubscriptions(t *testing.T) {
	n := newTestNotifier(t)
	ctx := context.Background()
	require.NoError(t, n.Subscribe(ctx, 2, Subscription{Endpoint: "https://push.example/gone", KeyP256dh: "p", KeyAuth: "a"}))

	var mu sync.Mutex
	var bodies []string
	n.send = func(data []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		return &http.Response{StatusCode: http.StatusGone, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	n.NotifyNewMessage(2, 1)

	assert.Eventually(t, func() bool {
		subs, err := n.subscriptions(2)
		return err == nil && len(subs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "alice")
}
