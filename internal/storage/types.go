package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID            string `msgpack:"id"`
	Email         string `msgpack:"email"`
	Username      string `msgpack:"username"`
	UsernameLower string `msgpack:"usernameLower"`
	AvatarURL     string `msgpack:"avatarUrl"`
	PasswordHash  string `msgpack:"passwordHash"`
	CreatedAt     int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

// DBFriend is one direction of a friendship edge, stored under the owner's bucket.
type DBFriend struct {
	FriendID       string `msgpack:"friendId"`
	ConversationID string `msgpack:"conversationId"`
	Since          int64  `msgpack:"since"`
}

func (f *DBFriend) Key() []byte {
	return []byte(f.FriendID)
}

func (f *DBFriend) MarshalBinary() (data []byte, err error) {
	type alias DBFriend
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFriend) UnmarshalBinary(data []byte) error {
	type alias DBFriend
	return msgpack.Unmarshal(data, (*alias)(f))
}

// DBRequest is a pending friend request, stored under the target's bucket.
type DBRequest struct {
	SenderID  string `msgpack:"senderId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBRequest) Key() []byte {
	return []byte(r.SenderID)
}

func (r *DBRequest) MarshalBinary() (data []byte, err error) {
	type alias DBRequest
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRequest) UnmarshalBinary(data []byte) error {
	type alias DBRequest
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	ID             string   `msgpack:"id"`
	Seq            int64    `msgpack:"seq"`
	ConversationID string   `msgpack:"conversationId"`
	UserID         string   `msgpack:"userId"`
	Text           string   `msgpack:"text"`
	HTML           string   `msgpack:"html"`
	FileURL        string   `msgpack:"fileUrl"`
	Timestamp      int64    `msgpack:"timestamp"`
	ReadBy         []string `msgpack:"readBy"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

// put marshals a record and stores it under its own key.
func put(b bucketPutter, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}

type bucketPutter interface {
	Put(key []byte, value []byte) error
}
