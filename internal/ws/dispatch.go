package ws

import (
	"encoding/json"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/ingest"
	"github.com/xiaot623/huddle/internal/presence"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/signaling"
)

// handlerFunc handles one client event on the hub goroutine.
type handlerFunc func(conn *hub.Connection, data json.RawMessage)

// Handlers are the components client events are routed to.
type Handlers struct {
	Messages *ingest.Pipeline
	Calls    *signaling.Relay
	Presence *presence.Tracker
}

func (s *Server) routes(hs Handlers) map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.EventJoinUser:           hs.Presence.JoinUser,
		protocol.EventUserOnline:         hs.Presence.UserOnline,
		protocol.EventJoinChannel:        s.joinChannel,
		protocol.EventLeaveChannel:       s.leaveChannel,
		protocol.EventSendMessage:        hs.Messages.Send,
		protocol.EventDeleteMessage:      hs.Messages.Delete,
		protocol.EventTypingStart:        hs.Presence.TypingStart,
		protocol.EventTypingStop:         hs.Presence.TypingStop,
		protocol.EventGetChannelPresence: hs.Presence.ChannelPresence,
		protocol.EventStartVideoCall:     hs.Calls.StartVideoCall,
		protocol.EventCallUser:           hs.Calls.CallUser,
		protocol.EventMakeAnswer:         hs.Calls.MakeAnswer,
		protocol.EventIceCandidate:       hs.Calls.IceCandidate,
		protocol.EventCallRejected:       hs.Calls.CallRejected,
	}
}

func (s *Server) joinChannel(conn *hub.Connection, data json.RawMessage) {
	channelID := protocol.StringArg(data, "channel_id", "channelId", "id")
	if channelID == "" {
		s.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "channel_id is required")
		return
	}
	if s.hub.Join(conn, room.ChannelRoom(channelID)) {
		s.logger.Debug().Str("connection_id", conn.ID).Str("channel_id", channelID).Msg("joined channel")
	}
}

func (s *Server) leaveChannel(conn *hub.Connection, data json.RawMessage) {
	channelID := protocol.StringArg(data, "channel_id", "channelId", "id")
	if channelID == "" {
		s.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "channel_id is required")
		return
	}
	if s.hub.Leave(conn, room.ChannelRoom(channelID)) {
		s.logger.Debug().Str("connection_id", conn.ID).Str("channel_id", channelID).Msg("left channel")
	}
}
