// Package signaling relays WebRTC call negotiation between connections.
// Payloads (SDP offers and answers, ICE candidates) are forwarded untouched.
package signaling

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
)

// Relay forwards signaling events. It keeps no state of its own; every
// method runs on the hub goroutine.
type Relay struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// New creates a Relay.
func New(h *hub.Hub, logger zerolog.Logger) *Relay {
	return &Relay{hub: h, logger: logger}
}

// StartVideoCall announces a call to the whole channel, sender included.
func (r *Relay) StartVideoCall(conn *hub.Connection, data json.RawMessage) {
	channelID := protocol.StringArg(data, "channel_id", "channelId")
	if channelID == "" {
		r.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "channel_id is required")
		return
	}
	var payload any = data
	if protocol.Field(data, "channel_id", "channelId") == "" {
		payload = map[string]string{"channel_id": channelID}
	}
	r.hub.EmitToRoom(room.ChannelRoom(channelID), protocol.EventVideoCallStarted, payload, "")
}

// CallUser delivers an offer to the connection in "to", or to every device of
// "to_user" except the caller.
func (r *Relay) CallUser(conn *hub.Connection, data json.RawMessage) {
	payload := protocol.CallMade{
		Offer:  protocol.RawArg(data, "offer"),
		Socket: conn.ID,
	}

	if toUser := protocol.Field(data, "to_user", "toUser"); toUser != "" {
		if n := r.hub.EmitToRoom(room.UserRoom(toUser), protocol.EventCallMade, payload, conn.ID); n == 0 {
			r.dropped(conn, protocol.EventCallUser, &hub.RoutingError{Target: room.UserRoom(toUser)})
		}
		return
	}
	r.toConnection(conn, protocol.EventCallUser, data, protocol.EventCallMade, payload)
}

// MakeAnswer returns an answer to the calling connection.
func (r *Relay) MakeAnswer(conn *hub.Connection, data json.RawMessage) {
	r.toConnection(conn, protocol.EventMakeAnswer, data, protocol.EventAnswerMade, protocol.AnswerMade{
		Socket: conn.ID,
		Answer: protocol.RawArg(data, "answer"),
	})
}

// IceCandidate forwards one ICE candidate to the peer connection.
func (r *Relay) IceCandidate(conn *hub.Connection, data json.RawMessage) {
	r.toConnection(conn, protocol.EventIceCandidate, data, protocol.EventIceCandidate, protocol.IceCandidate{
		Candidate: protocol.RawArg(data, "candidate"),
		Socket:    conn.ID,
	})
}

// CallRejected tells the caller the call was declined.
func (r *Relay) CallRejected(conn *hub.Connection, data json.RawMessage) {
	r.toConnection(conn, protocol.EventCallRejected, data, protocol.EventCallRejected, protocol.CallRejected{
		Socket: conn.ID,
	})
}

func (r *Relay) toConnection(conn *hub.Connection, inbound string, data json.RawMessage, outbound string, payload any) {
	target := protocol.Field(data, "to")
	if target == "" {
		r.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "to is required")
		return
	}
	if err := r.hub.EmitToConnection(target, outbound, payload); err != nil {
		r.dropped(conn, inbound, err)
	}
}

// dropped logs a relay that reached nobody. The sender is not told.
func (r *Relay) dropped(conn *hub.Connection, event string, err error) {
	var routeErr *hub.RoutingError
	if errors.As(err, &routeErr) {
		r.logger.Debug().Err(err).Str("event", event).Str("from", conn.ID).Msg("signaling target gone")
		return
	}
	r.logger.Warn().Err(err).Str("event", event).Str("from", conn.ID).Msg("signaling relay failed")
}
