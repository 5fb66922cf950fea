package models

import (
	"encoding/json"
	"errors"
	"slices"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrSelfReference      = errors.New("request targets oneself")
	ErrAlreadyFriends     = errors.New("already friends")
	ErrUnauthorized       = errors.New("connection is not authenticated")
	ErrStaleSession       = errors.New("connection superseded by a newer session")
	ErrNoSuchConversation = errors.New("no such conversation")
	ErrNotParticipant     = errors.New("user is not a participant of the conversation")
	ErrEmptyMessage       = errors.New("message has neither text nor file")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User represents a user in the system.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
	CreatedAt int64  `json:"createdAt"` // Unix timestamp (seconds)
}

// Profile is the part of a user other users may see.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

func (u User) Profile() Profile {
	return Profile{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
}

// Friend is a user the viewer is befriended with, together with the
// conversation they share.
type Friend struct {
	Profile
	ConversationID string `json:"conversationId"`
}

// FriendEdge is one direction of a friendship as stored.
type FriendEdge struct {
	FriendID       string
	ConversationID string
	Since          int64
}

// OnlineStatus reports whether a user currently has a live connection.
type OnlineStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// Message represents a chat message.
type Message struct {
	ID             string   `json:"id"`
	Seq            int64    `json:"seq"`
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	Text           string   `json:"text"`
	HTML           string   `json:"html,omitempty"`
	FileURL        string   `json:"fileUrl,omitempty"`
	Timestamp      int64    `json:"timestamp"` // Unix timestamp (milliseconds)
	ReadBy         []string `json:"readBy"`
}

// IsReadBy reports whether userID acknowledged the message.
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ClientMessage is an inbound websocket frame. Payload shape depends on Type.
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// ServerMessage is an outbound websocket frame.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Payload any               `json:"payload,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeAuthenticate      ClientMessageType = "authenticate"
	ClientMessageTypeGetInitialData    ClientMessageType = "get-initial-data"
	ClientMessageTypeSendFriendRequest ClientMessageType = "send-friend-request"
	ClientMessageTypeAcceptRequest     ClientMessageType = "accept-friend-request"
	ClientMessageTypeUnfriend          ClientMessageType = "unfriend"
	ClientMessageTypeGetMessages       ClientMessageType = "get-messages"
	ClientMessageTypeGetMessagesPage   ClientMessageType = "get-messages-page"
	ClientMessageTypeSendMessage       ClientMessageType = "send-message"
	ClientMessageTypeTypingStart       ClientMessageType = "typing-start"
	ClientMessageTypeTypingStop        ClientMessageType = "typing-stop"
	ClientMessageTypeMessagesRead      ClientMessageType = "messages-read"
	ClientMessageTypeCallRequest       ClientMessageType = "call-request"
	ClientMessageTypeCallResponse      ClientMessageType = "call-response"
	ClientMessageTypeOffer             ClientMessageType = "webrtc-offer"
	ClientMessageTypeAnswer            ClientMessageType = "webrtc-answer"
	ClientMessageTypeICECandidate      ClientMessageType = "webrtc-ice-candidate"
	ClientMessageTypeCallEnd           ClientMessageType = "call-end"
	ClientMessageTypePushSubscribe     ClientMessageType = "push-subscribe"
)

type ServerMessageType string

const (
	ServerMessageTypeAuthSuccess   ServerMessageType = "auth-success"
	ServerMessageTypeFriendsList   ServerMessageType = "friends-list"
	ServerMessageTypeRequestsList  ServerMessageType = "requests-list"
	ServerMessageTypeHistory       ServerMessageType = "messages-history"
	ServerMessageTypePage          ServerMessageType = "messages-page"
	ServerMessageTypeNewMessage    ServerMessageType = "new-message"
	ServerMessageTypeNewRequest    ServerMessageType = "new-request"
	ServerMessageTypeReloadData    ServerMessageType = "reload-data"
	ServerMessageTypeStatusError   ServerMessageType = "status-error"
	ServerMessageTypeStatusSuccess ServerMessageType = "status-success"
	ServerMessageTypeUnfriended    ServerMessageType = "unfriended"
	ServerMessageTypeOnlineStatus  ServerMessageType = "online-status"
	ServerMessageTypeFriendsOnline ServerMessageType = "friends-online-status"
	ServerMessageTypeTypingStatus  ServerMessageType = "typing-status"
	ServerMessageTypeMessageRead   ServerMessageType = "message-read"
	ServerMessageTypeIncomingCall  ServerMessageType = "incoming-call"
	ServerMessageTypeCallResponse  ServerMessageType = "call-response"
	ServerMessageTypeOffer         ServerMessageType = "webrtc-offer"
	ServerMessageTypeAnswer        ServerMessageType = "webrtc-answer"
	ServerMessageTypeICECandidate  ServerMessageType = "webrtc-ice-candidate"
	ServerMessageTypeCallEnded     ServerMessageType = "call-ended"
)

// Outbound payloads.

type MessagesHistory struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

type MessagesPage struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
}

type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type Unfriended struct {
	FriendID string `json:"friendId"`
}

type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageRead struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

type IncomingCall struct {
	CallerID       string   `json:"callerId"`
	CallerUsername string   `json:"callerUsername"`
	CallType       CallType `json:"callType"`
}

// Call response reasons. A plain accept carries no reason.
const (
	CallReasonDeclined     = "declined"
	CallReasonBusy         = "busy"
	CallReasonDisconnected = "disconnected"
	CallReasonHangup       = "hangup"
)

type CallResponse struct {
	ResponderID string   `json:"responderId"`
	Accepted    bool     `json:"accepted"`
	CallType    CallType `json:"callType"`
	Reason      string   `json:"reason,omitempty"`
}

type WebRTCOffer struct {
	SenderID string          `json:"senderId"`
	Offer    json.RawMessage `json:"offer"`
}

type WebRTCAnswer struct {
	SenderID string          `json:"senderId"`
	Answer   json.RawMessage `json:"answer"`
}

type WebRTCCandidate struct {
	SenderID  string          `json:"senderId"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEnded struct {
	EndedBy string `json:"endedBy"`
	Reason  string `json:"reason,omitempty"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
