package storage

import (
	"path/filepath"
	"testing"
	"time"

	"parley/internal/auth"
	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addUser(t *testing.T, store *BboltStorage, id, email, username string) {
	t.Helper()
	require.NoError(t, store.CreateCredentials(auth.Credentials{
		User: models.User{
			ID:        id,
			Email:     email,
			Username:  username,
			CreatedAt: time.Now().Unix(),
		},
		PasswordHash: "hash",
	}))
}

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)
	addUser(t, store, "u1", "alice@example.com", "Alice")

	t.Run("DuplicateEmail", func(t *testing.T) {
		err := store.CreateCredentials(auth.Credentials{User: models.User{ID: "u9", Email: "ALICE@example.com"}})
		assert.ErrorIs(t, err, models.ErrEmailTaken)
	})

	t.Run("ByEmail", func(t *testing.T) {
		creds, err := store.GetCredentialsByEmail("Alice@Example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", creds.ID)
		assert.Equal(t, "hash", creds.PasswordHash)

		_, err = store.GetCredentialsByEmail("nobody@example.com")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("ByUsernameCaseInsensitive", func(t *testing.T) {
		u, err := store.FindUserByUsername("aLiCe")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)

		_, err = store.FindUserByUsername("bob")
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = store.FindUserByUsername("")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("UpdateProfile", func(t *testing.T) {
		addUser(t, store, "u2", "bob@example.com", "")

		u, err := store.UpdateProfile("u2", "ALICE", "")
		assert.ErrorIs(t, err, models.ErrUsernameTaken)
		assert.Empty(t, u.Username)

		u, err = store.UpdateProfile("u2", "Bob", "/uploads/avatar")
		require.NoError(t, err)
		assert.Equal(t, "Bob", u.Username)
		assert.Equal(t, "/uploads/avatar", u.AvatarURL)

		u, err = store.UpdateProfile("u2", "Robert", "")
		require.NoError(t, err)
		assert.Equal(t, "/uploads/avatar", u.AvatarURL)

		_, err = store.FindUserByUsername("bob")
		assert.ErrorIs(t, err, models.ErrNotFound)
		found, err := store.FindUserByUsername("robert")
		require.NoError(t, err)
		assert.Equal(t, "u2", found.ID)

		_, err = store.UpdateProfile("missing", "x", "")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		users, err := store.ListUsers()
		require.NoError(t, err)
		assert.Len(t, users, 2)
	})
}

func TestStorage_Friendship(t *testing.T) {
	store := newTestStorage(t)
	const conv = "u1_u2"

	ok, err := store.AcceptRequest("u2", "u1", conv)
	require.NoError(t, err)
	assert.False(t, ok, "accept without pending request must be a no-op")
	exists, err := store.ConversationExists(conv)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.PutRequest("u2", "u1"))
	require.NoError(t, store.PutRequest("u2", "u1"))
	require.NoError(t, store.PutRequest("u1", "u2"))

	requests, err := store.ListRequests("u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, requests)

	ok, err = store.AcceptRequest("u2", "u1", conv)
	require.NoError(t, err)
	require.True(t, ok)

	for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
		edges, err := store.ListFriends(pair[0])
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, pair[1], edges[0].FriendID)
		assert.Equal(t, conv, edges[0].ConversationID)

		requests, err := store.ListRequests(pair[0])
		require.NoError(t, err)
		assert.Empty(t, requests)
	}

	exists, err = store.ConversationExists(conv)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.ErrorIs(t, store.PutRequest("u1", "u2"), models.ErrAlreadyFriends)

	_, err = store.AppendMessage(models.Message{ID: "m1", ConversationID: conv, UserID: "u1", Text: "hi"})
	require.NoError(t, err)

	removed, err := store.RemoveFriendship("u2", "u1", conv)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.RemoveFriendship("u2", "u1", conv)
	require.NoError(t, err, "removal must tolerate missing edges")
	assert.False(t, removed)

	for _, id := range []string{"u1", "u2"} {
		edges, err := store.ListFriends(id)
		require.NoError(t, err)
		assert.Empty(t, edges)
	}
	_, err = store.ListMessages(conv)
	assert.ErrorIs(t, err, models.ErrNoSuchConversation)
}

func TestStorage_Messages(t *testing.T) {
	store := newTestStorage(t)
	const conv = "u1_u2"

	_, err := store.AppendMessage(models.Message{ID: "m0", ConversationID: conv, UserID: "u1", Text: "lost"})
	assert.ErrorIs(t, err, models.ErrNoSuchConversation)

	require.NoError(t, store.PutRequest("u2", "u1"))
	_, err = store.AcceptRequest("u2", "u1", conv)
	require.NoError(t, err)

	m1, err := store.AppendMessage(models.Message{ID: "m1", ConversationID: conv, UserID: "u1", Text: "hello", Timestamp: 2000})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.Seq)

	// Clock went backwards: timestamp is clamped.
	m2, err := store.AppendMessage(models.Message{ID: "m2", ConversationID: conv, UserID: "u2", FileURL: "/uploads/f", Timestamp: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, int64(2000), m2.Timestamp)

	_, err = store.AppendMessage(models.Message{ID: "m3", ConversationID: conv, UserID: "u1", Text: "third", Timestamp: 3000})
	require.NoError(t, err)

	msgs, err := store.ListMessages(conv)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "/uploads/f", msgs[1].FileURL)
	assert.Equal(t, "third", msgs[2].Text)
	assert.NotNil(t, msgs[0].ReadBy)

	t.Run("Pages", func(t *testing.T) {
		page, more, err := store.ListMessagesBefore(conv, 0, 2)
		require.NoError(t, err)
		assert.True(t, more)
		require.Len(t, page, 2)
		assert.Equal(t, "m2", page[0].ID)
		assert.Equal(t, "m3", page[1].ID)

		page, more, err = store.ListMessagesBefore(conv, 2, 2)
		require.NoError(t, err)
		assert.False(t, more)
		require.Len(t, page, 1)
		assert.Equal(t, "m1", page[0].ID)

		page, more, err = store.ListMessagesBefore(conv, 100, 10)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Len(t, page, 3)

		_, _, err = store.ListMessagesBefore("nope", 0, 10)
		assert.ErrorIs(t, err, models.ErrNoSuchConversation)
	})

	t.Run("MarkRead", func(t *testing.T) {
		changed, err := store.MarkRead(conv, "u2")
		require.NoError(t, err)
		assert.Equal(t, 2, changed)

		changed, err = store.MarkRead(conv, "u2")
		require.NoError(t, err)
		assert.Equal(t, 0, changed, "marking twice must be idempotent")

		msgs, err := store.ListMessages(conv)
		require.NoError(t, err)
		assert.Equal(t, []string{"u2"}, msgs[0].ReadBy)
		assert.Empty(t, msgs[1].ReadBy, "author never reads own message")
		assert.Equal(t, []string{"u2"}, msgs[2].ReadBy)

		_, err = store.MarkRead("nope", "u2")
		assert.ErrorIs(t, err, models.ErrNoSuchConversation)
	})
}

func TestStorage_FilesAndPush(t *testing.T) {
	store := newTestStorage(t)

	meta := FileMetadata{ID: "f1", Hash: "abcd", MimeType: "image/png", Size: 10, UserID: "u1"}
	require.NoError(t, store.UpsertFileMetadata(meta))
	got, err := store.GetFileMetadata("f1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	_, err = store.GetFileMetadata("f2")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Error(t, store.UpsertFileMetadata(FileMetadata{ID: "f3"}), "metadata without content hash")

	require.NoError(t, store.UpsertPushSubscription(DBPushSubscription{UserID: "u1", Endpoint: "https://push/1", P256dh: "k", Auth: "a"}))
	require.NoError(t, store.UpsertPushSubscription(DBPushSubscription{UserID: "u1", Endpoint: "https://push/2", P256dh: "k", Auth: "a"}))
	subs, err := store.ListPushSubscriptions("u1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, store.DeletePushSubscription("u1", "https://push/1"))
	subs, err = store.ListPushSubscriptions("u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push/2", subs[0].Endpoint)
}

func TestStorage_DeleteUser(t *testing.T) {
	store := newTestStorage(t)
	addUser(t, store, "u1", "alice@example.com", "Alice")
	addUser(t, store, "u2", "bob@example.com", "Bob")
	addUser(t, store, "u3", "carol@example.com", "Carol")
	const conv = "u1_u2"

	require.NoError(t, store.PutRequest("u1", "u2"))
	_, err := store.AcceptRequest("u1", "u2", conv)
	require.NoError(t, err)
	_, err = store.AppendMessage(models.Message{ID: "m1", ConversationID: conv, UserID: "u1", Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.PutRequest("u3", "u1"))
	require.NoError(t, store.PutRequest("u1", "u3"))
	require.NoError(t, store.UpsertPushSubscription(DBPushSubscription{UserID: "u1", Endpoint: "https://push/1"}))

	edges, err := store.DeleteUser("u1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "u2", edges[0].FriendID)
	assert.Equal(t, conv, edges[0].ConversationID)

	_, err = store.GetUser("u1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.GetCredentialsByEmail("alice@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.FindUserByUsername("alice")
	assert.ErrorIs(t, err, models.ErrNotFound)

	friends, err := store.ListFriends("u2")
	require.NoError(t, err)
	assert.Empty(t, friends)
	exists, err := store.ConversationExists(conv)
	require.NoError(t, err)
	assert.False(t, exists)

	requests, err := store.ListRequests("u3")
	require.NoError(t, err)
	assert.Empty(t, requests, "requests sent by the deleted user are gone")
	subs, err := store.ListPushSubscriptions("u1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	addUser(t, store, "u4", "alice@example.com", "Alice")

	_, err = store.DeleteUser("u1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, store.UpdatePasswordHash("u2", "new-hash"))
	creds, err := store.GetCredentialsByEmail("bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", creds.PasswordHash)
	assert.ErrorIs(t, store.UpdatePasswordHash("u1", "x"), models.ErrNotFound)
}
