package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"parley/internal/conversation"
	"parley/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pion/webrtc/v4"
)

type authSuccess struct {
	User       models.User        `json:"user"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type friendRequestPayload struct {
	Username string `json:"username"`
}

type acceptRequestPayload struct {
	SenderID string `json:"senderId"`
}

type unfriendPayload struct {
	FriendID string `json:"friendId"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type pagePayload struct {
	ConversationID string `json:"conversationId"`
	BeforeSeq      int64  `json:"beforeSeq"`
	Limit          int    `json:"limit"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	FileURL        string `json:"fileUrl"`
}

type callRequestPayload struct {
	TargetUserID string          `json:"targetUserId"`
	CallType     models.CallType `json:"callType"`
}

type callResponsePayload struct {
	TargetUserID string          `json:"targetUserId"`
	Accepted     bool            `json:"accepted"`
	CallType     models.CallType `json:"callType"`
}

type sdpPayload struct {
	TargetUserID string          `json:"targetUserId"`
	Offer        json.RawMessage `json:"offer"`
	Answer       json.RawMessage `json:"answer"`
	Candidate    json.RawMessage `json:"candidate"`
}

type callEndPayload struct {
	TargetUserID string `json:"targetUserId"`
}

func (g *Gateway) routeTable() map[models.ClientMessageType]handler {
	return map[models.ClientMessageType]handler{
		models.ClientMessageTypeAuthenticate:      route(g.handleAuthenticate),
		models.ClientMessageTypeGetInitialData:    route(g.handleInitialData),
		models.ClientMessageTypeSendFriendRequest: route(g.handleFriendRequest),
		models.ClientMessageTypeAcceptRequest:     route(g.handleAcceptRequest),
		models.ClientMessageTypeUnfriend:          route(g.handleUnfriend),
		models.ClientMessageTypeGetMessages:       route(g.handleGetMessages),
		models.ClientMessageTypeGetMessagesPage:   route(g.handleGetMessagesPage),
		models.ClientMessageTypeSendMessage:       route(g.handleSendMessage),
		models.ClientMessageTypeTypingStart:       route(g.typing(true)),
		models.ClientMessageTypeTypingStop:        route(g.typing(false)),
		models.ClientMessageTypeMessagesRead:      route(g.handleMessagesRead),
		models.ClientMessageTypeCallRequest:       route(g.handleCallRequest),
		models.ClientMessageTypeCallResponse:      route(g.handleCallResponse),
		models.ClientMessageTypeOffer:             route(g.handleOffer),
		models.ClientMessageTypeAnswer:            route(g.handleAnswer),
		models.ClientMessageTypeICECandidate:      route(g.handleICECandidate),
		models.ClientMessageTypeCallEnd:           route(g.handleCallEnd),
		models.ClientMessageTypePushSubscribe:     route(g.handlePushSubscribe),
	}
}

func (g *Gateway) handleAuthenticate(c *Connection, p authenticatePayload) error {
	userID, err := g.Tokens.GetUserID(p.Token)
	if err != nil {
		return err
	}
	return g.bind(c, userID)
}

func (g *Gateway) handleInitialData(c *Connection, _ struct{}) error {
	friends, err := g.Relations.Friends(c.userID)
	if err != nil {
		return err
	}
	requests, err := g.Relations.Requests(c.userID)
	if err != nil {
		return err
	}
	ids := make([]string, len(friends))
	for i, f := range friends {
		ids[i] = f.ID
	}

	c.Send(models.ServerMessage{Type: models.ServerMessageTypeFriendsList, Payload: friends})
	c.Send(models.ServerMessage{Type: models.ServerMessageTypeRequestsList, Payload: requests})
	c.Send(models.ServerMessage{Type: models.ServerMessageTypeFriendsOnline, Payload: g.Presence.OnlineStatus(ids)})
	return nil
}

func (g *Gateway) handleFriendRequest(c *Connection, p friendRequestPayload) error {
	target, err := g.Relations.SendRequest(c.userID, p.Username)
	if err != nil {
		return err
	}
	succeed(c, fmt.Sprintf("Friend request sent to %s", target.Username))
	return nil
}

func (g *Gateway) handleAcceptRequest(c *Connection, p acceptRequestPayload) error {
	ok, err := g.Relations.AcceptRequest(c.userID, p.SenderID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Debug("no pending request to accept", "user_id", c.userID, "sender_id", p.SenderID)
	}
	return nil
}

func (g *Gateway) handleUnfriend(c *Connection, p unfriendPayload) error {
	if p.FriendID == "" {
		return fmt.Errorf("%w: friendId is required", errBadPayload)
	}
	return g.Relations.Unfriend(c.userID, p.FriendID)
}

func (g *Gateway) participant(c *Connection, conversationID string) error {
	if _, ok := conversation.Peer(conversationID, c.userID); !ok {
		return models.ErrNotParticipant
	}
	return nil
}

func (g *Gateway) handleGetMessages(c *Connection, p conversationPayload) error {
	if err := g.participant(c, p.ConversationID); err != nil {
		return err
	}
	messages, err := g.Convs.FetchHistory(p.ConversationID)
	if err != nil {
		return err
	}
	g.Convs.Join(p.ConversationID, c)
	c.Send(models.ServerMessage{
		Type:    models.ServerMessageTypeHistory,
		Payload: models.MessagesHistory{ConversationID: p.ConversationID, Messages: messages},
	})
	return nil
}

func (g *Gateway) handleGetMessagesPage(c *Connection, p pagePayload) error {
	if err := g.participant(c, p.ConversationID); err != nil {
		return err
	}
	messages, more, err := g.Convs.FetchPage(p.ConversationID, p.BeforeSeq, p.Limit)
	if err != nil {
		return err
	}
	g.Convs.Join(p.ConversationID, c)
	c.Send(models.ServerMessage{
		Type: models.ServerMessageTypePage,
		Payload: models.MessagesPage{
			ConversationID: p.ConversationID,
			Messages:       messages,
			HasMore:        more,
		},
	})
	return nil
}

func (g *Gateway) handleSendMessage(c *Connection, p sendMessagePayload) error {
	_, err := g.Convs.PostMessage(p.ConversationID, c.userID, p.Text, p.FileURL)
	return err
}

func (g *Gateway) typing(isTyping bool) func(c *Connection, p conversationPayload) error {
	return func(c *Connection, p conversationPayload) error {
		g.Convs.Typing(p.ConversationID, c.userID, c, isTyping)
		return nil
	}
}

func (g *Gateway) handleMessagesRead(c *Connection, p conversationPayload) error {
	_, err := g.Convs.MarkRead(p.ConversationID, c.userID)
	return err
}

func (g *Gateway) handleCallRequest(c *Connection, p callRequestPayload) error {
	target := p.TargetUserID
	if target == "" || target == c.userID {
		return fmt.Errorf("%w: invalid call target", errBadPayload)
	}
	if p.CallType != models.CallTypeVideo {
		p.CallType = models.CallTypeAudio
	}
	if c.busyWith(target) {
		return errInCall
	}

	peer, local := g.localConnection(target)
	if local && peer.busyWith(c.userID) {
		slog.Info("call target busy", "caller", c.userID, "target", target)
		c.Send(models.ServerMessage{
			Type: models.ServerMessageTypeCallResponse,
			Payload: models.CallResponse{
				ResponderID: target,
				Accepted:    false,
				CallType:    p.CallType,
				Reason:      models.CallReasonBusy,
			},
		})
		return nil
	}

	caller, err := g.Users.GetUser(c.userID)
	if err != nil {
		caller = c.user
	}

	upgrade := c.inCallWith(target)
	delivered, err := g.Relay.CallRequest(caller, target, p.CallType)
	if err != nil {
		return err
	}
	if upgrade {
		c.call.media = p.CallType
		if local && peer.inCallWith(c.userID) {
			peer.call.media = p.CallType
		}
		return nil
	}
	if !delivered && !g.Presence.IsOnline(target) {
		slog.Debug("call target offline", "caller", c.userID, "target", target)
		return nil
	}
	c.startCall(target, callDirectionCaller, p.CallType)
	if local {
		peer.startCall(c.userID, callDirectionReceiver, p.CallType)
	}
	return nil
}

func (g *Gateway) handleCallResponse(c *Connection, p callResponsePayload) error {
	if _, err := g.Relay.CallResponse(c.userID, p.TargetUserID, p.Accepted, p.CallType, ""); err != nil {
		return err
	}
	peer, local := g.localConnection(p.TargetUserID)
	if p.Accepted {
		c.advanceCall(p.TargetUserID, callPhaseNegotiating)
		if local {
			peer.advanceCall(c.userID, callPhaseNegotiating)
		}
		return nil
	}
	c.endCall(p.TargetUserID)
	if local {
		peer.endCall(c.userID)
	}
	return nil
}

func (g *Gateway) handleOffer(c *Connection, p sdpPayload) error {
	_, err := g.Relay.Offer(c.userID, p.TargetUserID, p.Offer)
	return err
}

func (g *Gateway) handleAnswer(c *Connection, p sdpPayload) error {
	if _, err := g.Relay.Answer(c.userID, p.TargetUserID, p.Answer); err != nil {
		return err
	}
	c.advanceCall(p.TargetUserID, callPhaseActive)
	if peer, ok := g.localConnection(p.TargetUserID); ok {
		peer.advanceCall(c.userID, callPhaseActive)
	}
	return nil
}

func (g *Gateway) handleICECandidate(c *Connection, p sdpPayload) error {
	_, err := g.Relay.ICECandidate(c.userID, p.TargetUserID, p.Candidate)
	return err
}

func (g *Gateway) handleCallEnd(c *Connection, p callEndPayload) error {
	if _, err := g.Relay.CallEnd(c.userID, p.TargetUserID, models.CallReasonHangup); err != nil {
		return err
	}
	c.endCall(p.TargetUserID)
	if peer, ok := g.localConnection(p.TargetUserID); ok {
		peer.endCall(c.userID)
	}
	return nil
}

func (g *Gateway) handlePushSubscribe(c *Connection, sub webpush.Subscription) error {
	if g.Push == nil {
		return errPushDisabled
	}
	if err := g.Push.Subscribe(c.userID, sub); err != nil {
		return err
	}
	succeed(c, "Notifications enabled")
	return nil
}
