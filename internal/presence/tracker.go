// Package presence tracks online state and relays typing indicators.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/metrics"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/session"
)

// StatusStore is the slice of the persistence service presence needs.
type StatusStore interface {
	SetUserOnline(ctx context.Context, userID string, online bool) error
	GetChannelMembers(ctx context.Context, channelID string) ([]string, error)
}

// Mirror receives presence transitions for other services (e.g. Redis).
type Mirror interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

// TokenVerifier checks the token presented on identify.
type TokenVerifier interface {
	Verify(token, userID string) error
}

// State is a user's presence as seen by this process.
type State struct {
	UserID      string    `json:"user_id"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
	Connections int       `json:"connections"`
}

type update struct {
	userID   string
	online   bool
	lastSeen time.Time
}

// Tracker owns presence state. Handlers run on the hub goroutine; store and
// mirror writes are applied in order by Run.
type Tracker struct {
	hub      *hub.Hub
	store    StatusStore
	mirror   Mirror
	verifier TokenVerifier
	timeout  time.Duration
	logger   zerolog.Logger

	// hub goroutine only
	states map[string]*State

	updates chan update
}

// New creates a Tracker and hooks it to connection removal. Call before h.Run.
func New(h *hub.Hub, s StatusStore, timeout time.Duration, logger zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &Tracker{
		hub:     h,
		store:   s,
		timeout: timeout,
		logger:  logger,
		states:  make(map[string]*State),
		updates: make(chan update, 256),
	}
	h.OnDisconnect(t.disconnected)
	return t
}

// SetMirror sets an additional presence sink. Call before Run.
func (t *Tracker) SetMirror(m Mirror) {
	t.mirror = m
}

// SetVerifier requires identify events to carry a valid token. Call before Run.
func (t *Tracker) SetVerifier(v TokenVerifier) {
	t.verifier = v
}

// Run writes presence transitions to the store and mirror until ctx is done,
// then flushes whatever is still queued. Cancel ctx only after the hub has
// stopped so the offline transitions of its final disconnects are included.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case u := <-t.updates:
			t.apply(u)
		case <-ctx.Done():
			t.drain()
			return
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case u := <-t.updates:
			t.apply(u)
		default:
			return
		}
	}
}

func (t *Tracker) apply(u update) {
	t.persist(u)
	if !u.online {
		t.hub.Post(func() { t.forget(u) })
	}
}

// forget drops an offline user's entry once its transition is stored, so
// states only holds users seen online and not yet mirrored offline. A newer
// transition keeps the entry.
func (t *Tracker) forget(u update) {
	st, ok := t.states[u.userID]
	if !ok || st.Online || !st.LastSeen.Equal(u.lastSeen) {
		return
	}
	delete(t.states, u.userID)
}

func (t *Tracker) persist(u update) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	start := time.Now()
	if err := t.store.SetUserOnline(ctx, u.userID, u.online); err != nil {
		t.logger.Warn().Err(err).Str("user_id", u.userID).Bool("online", u.online).Msg("failed to store presence")
	}
	metrics.PersistDuration.WithLabelValues("set_user_online").Observe(time.Since(start).Seconds())

	if t.mirror != nil {
		if err := t.mirror.SetPresence(ctx, u.userID, u.online, u.lastSeen); err != nil {
			t.logger.Warn().Err(err).Str("user_id", u.userID).Msg("failed to mirror presence")
		}
	}
}

// JoinUser binds the connection to a user and its personal room.
func (t *Tracker) JoinUser(conn *hub.Connection, data json.RawMessage) {
	userID := protocol.StringArg(data, "userId", "user_id", "id")
	if userID == "" {
		t.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "userId is required")
		return
	}
	t.identify(conn, userID, protocol.Field(data, "token"))
}

// UserOnline marks the user online, identifying the connection first if needed.
func (t *Tracker) UserOnline(conn *hub.Connection, data json.RawMessage) {
	userID := protocol.StringArg(data, "userId", "user_id", "id")
	if userID == "" {
		t.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "userId is required")
		return
	}
	if !t.identify(conn, userID, protocol.Field(data, "token")) {
		return
	}

	st := t.state(userID)
	if st.Online {
		return
	}
	st.Online = true
	st.LastSeen = time.Now().UTC()
	t.transition(st)
}

func (t *Tracker) identify(conn *hub.Connection, userID, token string) bool {
	if current := conn.UserID(); current != "" {
		if current != userID {
			t.hub.ReplyError(conn, protocol.ErrorCodeIdentityMismatch, session.ErrIdentityMismatch.Error())
			return false
		}
		return true
	}

	if t.verifier != nil {
		if err := t.verifier.Verify(token, userID); err != nil {
			t.logger.Debug().Err(err).Str("connection_id", conn.ID).Str("user_id", userID).Msg("identify refused")
			t.hub.ReplyError(conn, protocol.ErrorCodeUnauthorized, err.Error())
			return false
		}
	}

	if _, err := t.hub.Identify(conn, userID); err != nil {
		code := protocol.ErrorCodeInternalError
		if errors.Is(err, session.ErrIdentityMismatch) {
			code = protocol.ErrorCodeIdentityMismatch
		}
		t.hub.ReplyError(conn, code, err.Error())
		return false
	}

	t.logger.Debug().Str("connection_id", conn.ID).Str("user_id", userID).Msg("connection identified")
	return true
}

// disconnected is the hub's removal hook.
func (t *Tracker) disconnected(_ *hub.Connection, userID string, last bool) {
	if userID == "" || !last {
		return
	}
	st, ok := t.states[userID]
	if !ok || !st.Online {
		return
	}
	st.Online = false
	st.LastSeen = time.Now().UTC()
	t.transition(st)
}

func (t *Tracker) transition(st *State) {
	if st.Online {
		metrics.OnlineUsers.Inc()
	} else {
		metrics.OnlineUsers.Dec()
	}

	t.hub.EmitToRoom(room.PresenceRoom, protocol.EventUserPresence, protocol.UserPresence{
		UserID:   st.UserID,
		Online:   st.Online,
		LastSeen: st.LastSeen,
	}, "")

	select {
	case t.updates <- update{userID: st.UserID, online: st.Online, lastSeen: st.LastSeen}:
	default:
		t.logger.Warn().Str("user_id", st.UserID).Msg("presence update queue full, dropping store write")
	}

	t.logger.Info().Str("user_id", st.UserID).Bool("online", st.Online).Msg("presence changed")
}

func (t *Tracker) state(userID string) *State {
	st, ok := t.states[userID]
	if !ok {
		st = &State{UserID: userID}
		t.states[userID] = st
	}
	return st
}

// TypingStart relays a typing indicator to the channel, excluding the sender.
func (t *Tracker) TypingStart(conn *hub.Connection, data json.RawMessage) {
	channelID := protocol.Field(data, "channel_id", "channelId")
	if channelID == "" {
		t.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "channel_id is required")
		return
	}
	t.hub.EmitToRoom(room.ChannelRoom(channelID), protocol.EventUserTyping, protocol.UserTyping{
		UserID:    protocol.Field(data, "user_id", "userId"),
		Username:  protocol.Field(data, "username"),
		ChannelID: channelID,
	}, conn.ID)
}

// TypingStop clears a typing indicator, excluding the sender.
func (t *Tracker) TypingStop(conn *hub.Connection, data json.RawMessage) {
	channelID := protocol.Field(data, "channel_id", "channelId")
	if channelID == "" {
		t.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "channel_id is required")
		return
	}
	t.hub.EmitToRoom(room.ChannelRoom(channelID), protocol.EventUserStopTyping, protocol.UserStopTyping{
		UserID:    protocol.Field(data, "user_id", "userId"),
		ChannelID: channelID,
	}, conn.ID)
}

// ChannelPresence replies with the channel members that are currently online.
func (t *Tracker) ChannelPresence(conn *hub.Connection, data json.RawMessage) {
	channelID := protocol.StringArg(data, "channel_id", "channelId")
	if channelID == "" {
		t.hub.ReplyError(conn, protocol.ErrorCodeInvalidMessage, "channel_id is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		start := time.Now()
		members, err := t.store.GetChannelMembers(ctx, channelID)
		metrics.PersistDuration.WithLabelValues("get_channel_members").Observe(time.Since(start).Seconds())

		t.hub.Post(func() {
			if err != nil {
				t.logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to load channel members")
				t.hub.ReplyError(conn, protocol.ErrorCodeInternalError, "failed to load channel members")
				return
			}
			online := make([]string, 0, len(members))
			for _, userID := range members {
				if st, ok := t.states[userID]; ok && st.Online {
					online = append(online, userID)
				}
			}
			t.hub.Reply(conn, protocol.EventChannelPresence, protocol.ChannelPresence{
				ChannelID: channelID,
				Online:    online,
			})
		})
	}()
}

// Lookup returns userID's presence from any goroutine.
func (t *Tracker) Lookup(ctx context.Context, userID string) (State, error) {
	var out State
	err := t.hub.Do(ctx, func() {
		out = State{UserID: userID}
		if st, ok := t.states[userID]; ok {
			out = *st
		}
		out.Connections = len(t.hub.Sessions().Connections(userID))
	})
	return out, err
}
