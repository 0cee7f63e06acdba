// Package protocol defines the websocket event protocol between clients and the realtime server.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Events from client to server
const (
	EventJoinUser           = "join_user"
	EventJoinChannel        = "join_channel"
	EventLeaveChannel       = "leave_channel"
	EventUserOnline         = "user_online"
	EventSendMessage        = "send_message"
	EventDeleteMessage      = "delete_message"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventStartVideoCall     = "start_video_call"
	EventCallUser           = "call_user"
	EventMakeAnswer         = "make_answer"
	EventIceCandidate       = "ice_candidate"
	EventCallRejected       = "call_rejected"
	EventGetChannelPresence = "get_channel_presence"
)

// Events from server to client
const (
	EventNewMessage       = "new_message"
	EventChannelActivity  = "channel_activity"
	EventMessageError     = "message_error"
	EventMessageDeleted   = "message_deleted"
	EventUserTyping       = "user_typing"
	EventUserStopTyping   = "user_stop_typing"
	EventVideoCallStarted = "video_call_started"
	EventCallMade         = "call_made"
	EventAnswerMade       = "answer_made"
	EventUserPresence     = "user_presence"
	EventChannelPresence  = "channel_presence"
	EventError            = "error"
)

// Error codes carried by the error event.
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnknownEvent     = "unknown_event"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeIdentityMismatch = "identity_mismatch"
	ErrorCodeForbidden        = "forbidden"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeInternalError    = "internal_error"
)

// ErrMissingEvent is returned for frames without an event name.
var ErrMissingEvent = errors.New("event is required")

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Decode parses a raw inbound frame.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Encode marshals an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}

// StringArg reads an id argument that is either a bare JSON string (or number)
// or an object carrying one of keys.
func StringArg(data json.RawMessage, keys ...string) string {
	r := gjson.ParseBytes(data)
	switch r.Type {
	case gjson.String, gjson.Number:
		return r.String()
	case gjson.JSON:
		return Field(data, keys...)
	}
	return ""
}

// Field returns the first of keys present in the object data, as a string.
func Field(data json.RawMessage, keys ...string) string {
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return ""
	}
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null {
			return v.String()
		}
	}
	return ""
}

// RawArg returns the raw JSON of key, or nil when absent.
func RawArg(data json.RawMessage, key string) json.RawMessage {
	v := gjson.GetBytes(data, key)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// ChannelActivity is the advisory event following a new message.
type ChannelActivity struct {
	ChannelID   string    `json:"channel_id"`
	LastMessage string    `json:"last_message"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageError is sent to the origin when a message cannot be accepted.
type MessageError struct {
	Error string `json:"error"`
}

// MessageDeleted announces a removed message to its channel.
type MessageDeleted struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// UserTyping is relayed to a channel while someone types.
type UserTyping struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id"`
}

// UserStopTyping ends a typing indicator.
type UserStopTyping struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// CallMade carries an offer to the callee.
type CallMade struct {
	Offer  json.RawMessage `json:"offer,omitempty"`
	Socket string          `json:"socket"`
}

// AnswerMade carries an answer back to the caller.
type AnswerMade struct {
	Socket string          `json:"socket"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// IceCandidate carries one ICE candidate to the peer.
type IceCandidate struct {
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Socket    string          `json:"socket"`
}

// CallRejected tells the caller the callee declined.
type CallRejected struct {
	Socket string `json:"socket"`
}

// UserPresence is emitted on online/offline transitions.
type UserPresence struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// ChannelPresence answers get_channel_presence.
type ChannelPresence struct {
	ChannelID string   `json:"channel_id"`
	Online    []string `json:"online"`
}

// ErrorPayload is the data of the error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
