package ws

import "parley/internal/models"

type callDirection string

const (
	callDirectionCaller   callDirection = "caller"
	callDirectionReceiver callDirection = "receiver"
)

type callPhase string

const (
	callPhaseRinging     callPhase = "ringing"
	callPhaseNegotiating callPhase = "negotiating"
	callPhaseActive      callPhase = "active"
)

// callState is the connection's view of its current call. A nil state means
// idle.
type callState struct {
	peer      string
	direction callDirection
	media     models.CallType
	phase     callPhase
}

// busyWith reports whether c is in a call with someone other than peer.
func (c *Connection) busyWith(peer string) bool {
	return c.call != nil && c.call.peer != peer
}

func (c *Connection) inCallWith(peer string) bool {
	return c.call != nil && c.call.peer == peer
}

func (c *Connection) startCall(peer string, dir callDirection, media models.CallType) {
	c.call = &callState{peer: peer, direction: dir, media: media, phase: callPhaseRinging}
}

// advanceCall moves the call with peer forward. Calls never move backwards.
func (c *Connection) advanceCall(peer string, phase callPhase) {
	if !c.inCallWith(peer) {
		return
	}
	if c.call.phase == callPhaseActive {
		return
	}
	if c.call.phase == callPhaseNegotiating && phase == callPhaseRinging {
		return
	}
	c.call.phase = phase
}

func (c *Connection) endCall(peer string) {
	if c.inCallWith(peer) {
		c.call = nil
	}
}
