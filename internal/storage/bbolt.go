package storage

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"parley/internal/auth"
	"parley/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames")
	bucketEmails        = []byte("emails")
	bucketFriends       = []byte("friends")
	bucketRequests      = []byte("requests")
	bucketConversations = []byte("conversations")
	bucketFiles         = []byte("files")
	bucketPush          = []byte("push_subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketEmails,
			bucketFriends,
			bucketRequests,
			bucketConversations,
			bucketFiles,
			bucketPush,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func toUser(u DBUser) models.User {
	return models.User{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
	}
}

func getUser(tx *bbolt.Tx, id string) (DBUser, error) {
	var u DBUser
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return u, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err := u.UnmarshalBinary(data); err != nil {
		return u, fmt.Errorf("failed to unmarshal user %s: %w", id, err)
	}
	return u, nil
}

// CreateCredentials stores a new account. Emails are unique case-insensitively.
func (s *BboltStorage) CreateCredentials(credentials auth.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		emailKey := []byte(strings.ToLower(credentials.Email))
		if emails.Get(emailKey) != nil {
			return models.ErrEmailTaken
		}

		dbUser := &DBUser{
			ID:            credentials.ID,
			Email:         credentials.Email,
			Username:      credentials.Username,
			UsernameLower: strings.ToLower(credentials.Username),
			AvatarURL:     credentials.AvatarURL,
			PasswordHash:  credentials.PasswordHash,
			CreatedAt:     credentials.CreatedAt,
		}
		if dbUser.UsernameLower != "" {
			usernames := tx.Bucket(bucketUsernames)
			if usernames.Get([]byte(dbUser.UsernameLower)) != nil {
				return models.ErrUsernameTaken
			}
			if err := usernames.Put([]byte(dbUser.UsernameLower), []byte(dbUser.ID)); err != nil {
				return err
			}
		}
		if err := emails.Put(emailKey, []byte(dbUser.ID)); err != nil {
			return err
		}
		return put(tx.Bucket(bucketUsers), dbUser)
	})
}

// GetCredentialsByEmail looks up an account by email, ignoring case.
func (s *BboltStorage) GetCredentialsByEmail(email string) (auth.Credentials, error) {
	var creds auth.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketEmails).Get([]byte(strings.ToLower(email)))
		if id == nil {
			return models.ErrNotFound
		}
		u, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		creds = auth.Credentials{User: toUser(u), PasswordHash: u.PasswordHash}
		return nil
	})
	return creds, err
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = toUser(u)
		return nil
	})
	return user, err
}

// FindUserByUsername resolves a username with a case-insensitive exact match.
func (s *BboltStorage) FindUserByUsername(username string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		lower := strings.ToLower(username)
		if lower == "" {
			return models.ErrNotFound
		}
		id := tx.Bucket(bucketUsernames).Get([]byte(lower))
		if id == nil {
			return fmt.Errorf("username %s: %w", username, models.ErrNotFound)
		}
		u, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		user = toUser(u)
		return nil
	})
	return user, err
}

// ListUsers returns every account ordered by creation time.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u DBUser
			if err := u.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, toUser(u))
			return nil
		})
	})
	slices.SortFunc(users, func(a, b models.User) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
	return users, err
}

// UpdateProfile changes the username and/or avatar. Empty arguments keep the
// current value.
func (s *BboltStorage) UpdateProfile(id, username, avatarURL string) (models.User, error) {
	var user models.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}

		if lower := strings.ToLower(username); lower != "" && lower != u.UsernameLower {
			usernames := tx.Bucket(bucketUsernames)
			if usernames.Get([]byte(lower)) != nil {
				return models.ErrUsernameTaken
			}
			if u.UsernameLower != "" {
				if err := usernames.Delete([]byte(u.UsernameLower)); err != nil {
					return err
				}
			}
			if err := usernames.Put([]byte(lower), []byte(u.ID)); err != nil {
				return err
			}
			u.UsernameLower = lower
		}
		if username != "" {
			u.Username = username
		}
		if avatarURL != "" {
			u.AvatarURL = avatarURL
		}

		user = toUser(u)
		return put(tx.Bucket(bucketUsers), &u)
	})
	return user, err
}

func (s *BboltStorage) UpdatePasswordHash(id, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		u.PasswordHash = passwordHash
		return put(tx.Bucket(bucketUsers), &u)
	})
}

func deleteBucket(parent *bbolt.Bucket, name string) error {
	err := parent.DeleteBucket([]byte(name))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

// DeleteUser removes an account in one transaction together with its
// indexes, friendships, shared conversations, pending requests in both
// directions and push subscriptions. It returns the friendship edges the
// account held so the former friends can be told.
func (s *BboltStorage) DeleteUser(id string) ([]models.FriendEdge, error) {
	var edges []models.FriendEdge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEmails).Delete([]byte(strings.ToLower(u.Email))); err != nil {
			return err
		}
		if u.UsernameLower != "" {
			if err := tx.Bucket(bucketUsernames).Delete([]byte(u.UsernameLower)); err != nil {
				return err
			}
		}

		friends := tx.Bucket(bucketFriends)
		if own := friends.Bucket([]byte(id)); own != nil {
			err := own.ForEach(func(k, v []byte) error {
				var f DBFriend
				if err := f.UnmarshalBinary(v); err != nil {
					return err
				}
				edges = append(edges, models.FriendEdge{
					FriendID:       f.FriendID,
					ConversationID: f.ConversationID,
					Since:          f.Since,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, e := range edges {
			if b := friends.Bucket([]byte(e.FriendID)); b != nil {
				if err := b.Delete([]byte(id)); err != nil {
					return err
				}
			}
			if err := deleteBucket(tx.Bucket(bucketConversations), e.ConversationID); err != nil {
				return err
			}
		}
		if err := deleteBucket(friends, id); err != nil {
			return err
		}

		requests := tx.Bucket(bucketRequests)
		if err := deleteBucket(requests, id); err != nil {
			return err
		}
		c := requests.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				continue
			}
			if err := requests.Bucket(k).Delete([]byte(id)); err != nil {
				return err
			}
		}

		if err := deleteBucket(tx.Bucket(bucketPush), id); err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func friendEdge(tx *bbolt.Tx, owner, friend string) *DBFriend {
	b := tx.Bucket(bucketFriends).Bucket([]byte(owner))
	if b == nil {
		return nil
	}
	data := b.Get([]byte(friend))
	if data == nil {
		return nil
	}
	var f DBFriend
	if err := f.UnmarshalBinary(data); err != nil {
		return nil
	}
	return &f
}

// PutRequest records a pending request from sender to target. Re-sending
// overwrites the previous request.
func (s *BboltStorage) PutRequest(targetID, senderID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if friendEdge(tx, targetID, senderID) != nil || friendEdge(tx, senderID, targetID) != nil {
			return models.ErrAlreadyFriends
		}
		b, err := tx.Bucket(bucketRequests).CreateBucketIfNotExists([]byte(targetID))
		if err != nil {
			return fmt.Errorf("failed to create requests bucket: %w", err)
		}
		return put(b, &DBRequest{SenderID: senderID, CreatedAt: s.now().Unix()})
	})
}

// ListRequests returns the ids of users with a pending request to targetID,
// oldest first.
func (s *BboltStorage) ListRequests(targetID string) ([]string, error) {
	var requests []DBRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRequests).Bucket([]byte(targetID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r DBRequest
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			requests = append(requests, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(requests, func(a, b DBRequest) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.SenderID
	}
	return ids, nil
}

func deleteRequest(tx *bbolt.Tx, targetID, senderID string) error {
	b := tx.Bucket(bucketRequests).Bucket([]byte(targetID))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(senderID))
}

// AcceptRequest converts the pending request sender -> accepter into a
// friendship in a single transaction: both edges, the empty conversation and
// removal of pending requests in both directions. It reports false without
// changes when no such request exists.
func (s *BboltStorage) AcceptRequest(accepterID, senderID, conversationID string) (bool, error) {
	accepted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketRequests).Bucket([]byte(accepterID))
		if pending == nil || pending.Get([]byte(senderID)) == nil {
			return nil
		}

		since := s.now().Unix()
		friends := tx.Bucket(bucketFriends)
		for _, edge := range [][2]string{{accepterID, senderID}, {senderID, accepterID}} {
			b, err := friends.CreateBucketIfNotExists([]byte(edge[0]))
			if err != nil {
				return fmt.Errorf("failed to create friends bucket: %w", err)
			}
			if err := put(b, &DBFriend{FriendID: edge[1], ConversationID: conversationID, Since: since}); err != nil {
				return err
			}
		}

		if _, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists([]byte(conversationID)); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		if err := deleteRequest(tx, accepterID, senderID); err != nil {
			return err
		}
		if err := deleteRequest(tx, senderID, accepterID); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// ListFriends returns the friendship edges owned by userID.
func (s *BboltStorage) ListFriends(userID string) ([]models.FriendEdge, error) {
	var edges []models.FriendEdge
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFriends).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var f DBFriend
			if err := f.UnmarshalBinary(v); err != nil {
				return err
			}
			edges = append(edges, models.FriendEdge{
				FriendID:       f.FriendID,
				ConversationID: f.ConversationID,
				Since:          f.Since,
			})
			return nil
		})
	})
	return edges, err
}

// RemoveFriendship deletes both friendship edges and the conversation with
// its whole history. Missing pieces are tolerated; the result reports whether
// anything existed.
func (s *BboltStorage) RemoveFriendship(userA, userB, conversationID string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		friends := tx.Bucket(bucketFriends)
		for _, edge := range [][2]string{{userA, userB}, {userB, userA}} {
			b := friends.Bucket([]byte(edge[0]))
			if b == nil || b.Get([]byte(edge[1])) == nil {
				continue
			}
			if err := b.Delete([]byte(edge[1])); err != nil {
				return err
			}
			removed = true
		}

		err := tx.Bucket(bucketConversations).DeleteBucket([]byte(conversationID))
		switch {
		case errors.Is(err, bbolt.ErrBucketNotFound):
		case err != nil:
			return fmt.Errorf("failed to delete conversation: %w", err)
		default:
			removed = true
		}
		return nil
	})
	return removed, err
}

func (s *BboltStorage) ConversationExists(conversationID string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketConversations).Bucket([]byte(conversationID)) != nil
		return nil
	})
	return exists, err
}

func toMessage(m DBMessage) models.Message {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return models.Message{
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Text:           m.Text,
		HTML:           m.HTML,
		FileURL:        m.FileURL,
		Timestamp:      m.Timestamp,
		ReadBy:         readBy,
	}
}

// AppendMessage adds a message to the end of its conversation, assigning the
// next sequence number. The timestamp is raised to the last message's
// timestamp if the clock went backwards.
func (s *BboltStorage) AppendMessage(message models.Message) (models.Message, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if message.ConversationID == "" {
			return errors.New("message missing conversationID")
		}
		b := tx.Bucket(bucketConversations).Bucket([]byte(message.ConversationID))
		if b == nil {
			return models.ErrNoSuchConversation
		}

		if k, v := b.Cursor().Last(); k != nil {
			var last DBMessage
			if err := last.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if message.Timestamp < last.Timestamp {
				message.Timestamp = last.Timestamp
			}
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		message.Seq = int64(seq)

		dbMessage := &DBMessage{
			ID:             message.ID,
			Seq:            message.Seq,
			ConversationID: message.ConversationID,
			UserID:         message.UserID,
			Text:           message.Text,
			HTML:           message.HTML,
			FileURL:        message.FileURL,
			Timestamp:      message.Timestamp,
		}
		if err := put(b, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		message = toMessage(*dbMessage)
		return nil
	})
	return message, err
}

// ListMessages returns the full history of a conversation, oldest first.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket([]byte(conversationID))
		if b == nil {
			return models.ErrNoSuchConversation
		}
		return b.ForEach(func(k, v []byte) error {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(m))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// ListMessagesBefore returns up to limit messages with seq < beforeSeq, oldest
// first, and whether older messages remain. beforeSeq <= 0 means from the end.
func (s *BboltStorage) ListMessagesBefore(conversationID string, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	var (
		messages []models.Message
		hasMore  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket([]byte(conversationID))
		if b == nil {
			return models.ErrNoSuchConversation
		}

		c := b.Cursor()
		var k, v []byte
		if beforeSeq <= 0 {
			k, v = c.Last()
		} else {
			k, v = c.Seek(seqKey(beforeSeq))
			if k == nil {
				k, v = c.Last()
			}
			for k != nil && bytes.Compare(k, seqKey(beforeSeq)) >= 0 {
				k, v = c.Prev()
			}
		}

		for ; k != nil; k, v = c.Prev() {
			if len(messages) == limit {
				hasMore = true
				break
			}
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(m))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	slices.Reverse(messages)
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, hasMore, nil
}

// MarkRead adds readerID to the reader set of every message not authored by
// readerID. It returns the number of messages that changed.
func (s *BboltStorage) MarkRead(conversationID, readerID string) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket([]byte(conversationID))
		if b == nil {
			return models.ErrNoSuchConversation
		}

		var updates []*DBMessage
		err := b.ForEach(func(k, v []byte) error {
			var m DBMessage
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.UserID == readerID || slices.Contains(m.ReadBy, readerID) {
				return nil
			}
			m.ReadBy = append(m.ReadBy, readerID)
			updates = append(updates, &m)
			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids mutating a bucket while iterating it.
		for _, m := range updates {
			if err := put(b, m); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}
