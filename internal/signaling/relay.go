// Package signaling forwards call negotiation messages between two peers.
//
// The relay keeps no call state. Payloads such as SDP offers and ICE
// candidates are passed through untouched, tagged with the sender identity.
// A target without a live connection silently misses the message.
package signaling

import (
	"encoding/json"
	"errors"

	"parley/internal/models"
)

var ErrMissingPeer = errors.New("signal needs both a sender and a target")

// Notifier delivers events to online identities.
type Notifier interface {
	Notify(identity string, msg models.ServerMessage) bool
}

type Relay struct {
	notifier Notifier
}

func NewRelay(notifier Notifier) *Relay {
	return &Relay{notifier: notifier}
}

func (r *Relay) forward(from, target string, msg models.ServerMessage) (bool, error) {
	if from == "" || target == "" {
		return false, ErrMissingPeer
	}
	return r.notifier.Notify(target, msg), nil
}

// CallRequest rings target with an incoming call from caller.
func (r *Relay) CallRequest(caller models.User, target string, callType models.CallType) (bool, error) {
	return r.forward(caller.ID, target, models.ServerMessage{
		Type: models.ServerMessageTypeIncomingCall,
		Payload: models.IncomingCall{
			CallerID:       caller.ID,
			CallerUsername: caller.Username,
			CallType:       callType,
		},
	})
}

// CallResponse answers a ring. A refusal carries a reason such as declined or
// busy.
func (r *Relay) CallResponse(from, target string, accepted bool, callType models.CallType, reason string) (bool, error) {
	if accepted {
		reason = ""
	} else if reason == "" {
		reason = models.CallReasonDeclined
	}
	return r.forward(from, target, models.ServerMessage{
		Type: models.ServerMessageTypeCallResponse,
		Payload: models.CallResponse{
			ResponderID: from,
			Accepted:    accepted,
			CallType:    callType,
			Reason:      reason,
		},
	})
}

func (r *Relay) Offer(from, target string, offer json.RawMessage) (bool, error) {
	return r.forward(from, target, models.ServerMessage{
		Type:    models.ServerMessageTypeOffer,
		Payload: models.WebRTCOffer{SenderID: from, Offer: offer},
	})
}

func (r *Relay) Answer(from, target string, answer json.RawMessage) (bool, error) {
	return r.forward(from, target, models.ServerMessage{
		Type:    models.ServerMessageTypeAnswer,
		Payload: models.WebRTCAnswer{SenderID: from, Answer: answer},
	})
}

func (r *Relay) ICECandidate(from, target string, candidate json.RawMessage) (bool, error) {
	return r.forward(from, target, models.ServerMessage{
		Type:    models.ServerMessageTypeICECandidate,
		Payload: models.WebRTCCandidate{SenderID: from, Candidate: candidate},
	})
}

// CallEnd tells target that from hung up or went away.
func (r *Relay) CallEnd(from, target, reason string) (bool, error) {
	if reason == "" {
		reason = models.CallReasonHangup
	}
	return r.forward(from, target, models.ServerMessage{
		Type:    models.ServerMessageTypeCallEnded,
		Payload: models.CallEnded{EndedBy: from, Reason: reason},
	})
}
