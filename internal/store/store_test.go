package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/nameh/internal/db"
	"github.com/4xmen/nameh/internal/keys"
	"github.com/4xmen/nameh/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.GetConn().Exec(`
		INSERT INTO users (id, username, password_hash) VALUES (1, 'alice', 'x'), (2, 'bob', 'x'), (3, 'carol', 'x');
		INSERT INTO groups (id, name) VALUES (10, 'team');
		INSERT INTO group_members (group_id, user_id) VALUES (10, 1), (10, 3);
	`)
	require.NoError(t, err)
	return database.GetConn()
}

func ptr[T any](v T) *T { return &v }

func directMessage(from, to int64, text string) *models.Message {
	return &models.Message{SenderID: from, ReceiverID: ptr(to), Text: ptr(text)}
}

func TestCreateAndGetMessageWithEnvelope(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	encryptedAt := time.Now().UTC()
	msg := directMessage(1, 2, "hello")
	msg.Envelope = &models.Envelope{
		Ciphertext: "c", IV: "i", AuthTag: "a", Algorithm: "AES-256-CBC-HMAC", IntegrityHash: "h", KeyID: "k",
	}
	msg.Encryption = models.EncryptionMeta{IsEncrypted: true, SecurityLevel: models.SecurityEnterprise, EncryptedAt: &encryptedAt}
	msg.File = &models.FileAttachment{URL: "/api/files/x", Name: "x.pdf", Size: 12, ContentType: "application/pdf"}

	require.NoError(t, s.Create(ctx, msg))
	require.NotZero(t, msg.ID)

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.TextValue())
	assert.Equal(t, msg.Envelope, got.Envelope)
	assert.True(t, got.Encryption.IsEncrypted)
	assert.Equal(t, models.SecurityEnterprise, got.Encryption.SecurityLevel)
	assert.NotNil(t, got.Encryption.EncryptedAt)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, msg.File, got.File)
	assert.Empty(t, got.Reactions)
	assert.True(t, got.IsDirect())
}

func TestGetMissingMessage(t *testing.T) {
	s := NewMessages(newTestDB(t))
	_, err := s.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversationOrdersOldestFirst(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, m := range []*models.Message{
		directMessage(2, 1, "second"),
		directMessage(1, 2, "first"),
		directMessage(1, 3, "elsewhere"),
		directMessage(1, 2, "third"),
	} {
		offset := map[int]time.Duration{0: time.Second, 1: 0, 2: 0, 3: 2 * time.Second}[i]
		m.CreatedAt = base.Add(offset)
		require.NoError(t, s.Create(ctx, m))
	}

	msgs, err := s.ListConversation(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].TextValue())
	assert.Equal(t, "second", msgs[1].TextValue())
	assert.Equal(t, "third", msgs[2].TextValue())
}

func TestMutateReactions(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	msg := directMessage(1, 2, "hi")
	require.NoError(t, s.Create(ctx, msg))

	_, err := s.MutateReactions(ctx, msg.ID, func(r models.Reactions) bool { return r.Add("👍", 2) })
	require.NoError(t, err)
	_, err = s.MutateReactions(ctx, msg.ID, func(r models.Reactions) bool { return r.Add("👍", 2) })
	require.NoError(t, err)

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got.Reactions["👍"].IDs())

	_, err = s.MutateReactions(ctx, 12345, func(r models.Reactions) bool { return true })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusUpdatesNeverRegress(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	msg := directMessage(1, 2, "hi")
	require.NoError(t, s.Create(ctx, msg))
	now := time.Now().UTC()

	changed, err := s.MarkRead(ctx, msg.ID, 1, now)
	require.NoError(t, err)
	assert.False(t, changed, "only the receiver can read")

	changed, err = s.MarkRead(ctx, msg.ID, 2, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkDelivered(ctx, msg.ID, now)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	require.NotNil(t, got.ReadBy)
	assert.Equal(t, int64(2), *got.ReadBy)
	assert.NotNil(t, got.ReadAt)
}

func TestMarkAllRead(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	for _, m := range []*models.Message{
		directMessage(1, 2, "a"),
		directMessage(1, 2, "b"),
		directMessage(2, 1, "reply"),
	} {
		require.NoError(t, s.Create(ctx, m))
	}

	n, err := s.MarkAllRead(ctx, 1, 2, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.MarkAllRead(ctx, 1, 2, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStripEnvelope(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	msg := directMessage(1, 2, "hi")
	msg.Envelope = &models.Envelope{Ciphertext: "c", IV: "i", AuthTag: "a"}
	msg.Encryption = models.EncryptionMeta{IsEncrypted: true, SecurityLevel: models.SecurityEnterprise}
	require.NoError(t, s.Create(ctx, msg))

	require.NoError(t, s.StripEnvelope(ctx, msg.ID))

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Envelope)
	assert.False(t, got.Encryption.IsEncrypted)
	assert.Equal(t, models.SecurityLegacy, got.Encryption.SecurityLevel)
	assert.Equal(t, "hi", got.TextValue())

	assert.ErrorIs(t, s.StripEnvelope(ctx, 999), ErrNotFound)
}

func TestListDirectPairsAndCounts(t *testing.T) {
	conn := newTestDB(t)
	s := NewMessages(conn)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, directMessage(1, 2, "a")))
	require.NoError(t, s.Create(ctx, directMessage(2, 1, "b")))
	require.NoError(t, s.Create(ctx, directMessage(3, 1, "c")))
	require.NoError(t, s.Create(ctx, &models.Message{SenderID: 1, GroupID: ptr(int64(10)), Text: ptr("g")}))

	pairs, err := s.ListDirectPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DirectPair{{1, 2}, {1, 3}}, pairs)

	counts, err := s.CountBySecurityLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[models.SecurityLegacy])
}

func TestKeyRecordLifecycle(t *testing.T) {
	users := NewUsers(newTestDB(t))
	ctx := context.Background()

	rec, err := users.GetKeyRecord(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = users.GetKeyRecord(ctx, 99)
	assert.ErrorIs(t, err, keys.ErrUserNotFound)

	created := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, users.SaveKeyRecord(ctx, 1, &models.KeyRecord{
		KeyID: "key_1", KeyMaterial: "material", CreatedAt: created, ExpiresAt: created.Add(time.Hour), IsActive: true,
	}))

	rec, err = users.GetKeyRecord(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "key_1", rec.KeyID)
	assert.True(t, rec.IsActive)
	assert.True(t, created.Equal(rec.CreatedAt))
	assert.Nil(t, rec.RotatedAt)

	require.NoError(t, users.DeactivateKeyRecord(ctx, 1, created.Add(time.Minute)))
	rec, err = users.GetKeyRecord(ctx, 1)
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.NotNil(t, rec.RotatedAt)

	assert.ErrorIs(t, users.SaveKeyRecord(ctx, 99, &models.KeyRecord{KeyID: "k"}), keys.ErrUserNotFound)
}

func TestSecuritySettings(t *testing.T) {
	users := NewUsers(newTestDB(t))
	ctx := context.Background()

	settings, err := users.GetSecuritySettings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, settings.EncryptionEnabled)
	assert.True(t, settings.KeyRotationEnabled)
	assert.Nil(t, settings.UpdatedAt)

	_, err = users.UpdateSecuritySettings(ctx, 1, true, false)
	require.NoError(t, err)

	settings, err = users.GetSecuritySettings(ctx, 1)
	require.NoError(t, err)
	assert.False(t, settings.KeyRotationEnabled)
	assert.NotNil(t, settings.UpdatedAt)

	_, err = users.GetSecuritySettings(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupMembership(t *testing.T) {
	groups := NewGroups(newTestDB(t))
	ctx := context.Background()

	member, err := groups.IsMember(ctx, 10, 1)
	require.NoError(t, err)
	assert.True(t, member)

	member, err = groups.IsMember(ctx, 10, 2)
	require.NoError(t, err)
	assert.False(t, member)

	ids, err := groups.MemberIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)

	exists, err := groups.Exists(ctx, 11)
	require.NoError(t, err)
	assert.False(t, exists)
}
