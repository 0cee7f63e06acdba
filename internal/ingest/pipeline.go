// Package ingest validates, persists and broadcasts chat messages.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/metrics"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/store"
)

const (
	previewLength = 100

	sendFailed   = "Failed to send message"
	deleteFailed = "Failed to delete message"
)

// MessageStore is the slice of the persistence service the pipeline needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg store.NewMessage) (*store.Message, error)
	DeleteMessage(ctx context.Context, id, userID string) (bool, error)
}

// Pipeline moves a message through Received, Validated, Persisted and Broadcast.
// Handlers run on the hub goroutine; store calls run in their own goroutine and
// post their outcome back to the hub.
type Pipeline struct {
	hub     *hub.Hub
	store   MessageStore
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a Pipeline. timeout bounds every store call.
func New(h *hub.Hub, s MessageStore, timeout time.Duration, logger zerolog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pipeline{hub: h, store: s, timeout: timeout, logger: logger}
}

// Send handles send_message. Runs on the hub goroutine.
func (p *Pipeline) Send(conn *hub.Connection, data json.RawMessage) {
	msg := decodeMessage(data)
	if err := validateMessage(msg); err != nil {
		p.reject(conn, err)
		return
	}

	go p.persist(conn, msg)
}

func (p *Pipeline) persist(conn *hub.Connection, msg store.NewMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	record, err := p.store.CreateMessage(ctx, msg)
	metrics.PersistDuration.WithLabelValues("create_message").Observe(time.Since(start).Seconds())
	if err != nil {
		perr := &PersistenceError{Op: "create_message", Err: err}
		p.logger.Warn().Err(perr).
			Str("connection_id", conn.ID).
			Str("channel_id", msg.ChannelID).
			Msg("message not persisted")
		p.hub.Post(func() {
			metrics.EventsRejected.WithLabelValues("persistence").Inc()
			p.hub.Reply(conn, protocol.EventMessageError, protocol.MessageError{Error: sendFailed})
		})
		return
	}

	p.hub.Post(func() {
		p.broadcast(record)
	})
}

// broadcast fans a persisted record out to its channel. Runs on the hub goroutine.
func (p *Pipeline) broadcast(record *store.Message) {
	roomID := room.ChannelRoom(record.ChannelID)
	delivered := p.hub.EmitToRoom(roomID, protocol.EventNewMessage, record, "")
	p.hub.EmitAdvisory(roomID, protocol.EventChannelActivity, protocol.ChannelActivity{
		ChannelID:   record.ChannelID,
		LastMessage: preview(record.Content),
		Timestamp:   record.CreatedAt,
	}, "")

	p.logger.Debug().
		Str("message_id", record.ID).
		Str("channel_id", record.ChannelID).
		Int("delivered", delivered).
		Msg("message broadcast")
}

// Delete handles delete_message. Runs on the hub goroutine.
func (p *Pipeline) Delete(conn *hub.Connection, data json.RawMessage) {
	messageID := protocol.Field(data, "messageId", "message_id", "id")
	userID := protocol.Field(data, "userId", "user_id")
	channelID := protocol.Field(data, "channel_id", "channelId")

	switch {
	case messageID == "":
		p.reject(conn, &ValidationError{Field: "messageId"})
		return
	case userID == "":
		p.reject(conn, &ValidationError{Field: "userId"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		start := time.Now()
		deleted, err := p.store.DeleteMessage(ctx, messageID, userID)
		metrics.PersistDuration.WithLabelValues("delete_message").Observe(time.Since(start).Seconds())
		if err != nil {
			p.logger.Warn().Err(&PersistenceError{Op: "delete_message", Err: err}).
				Str("message_id", messageID).
				Msg("message not deleted")
		}

		p.hub.Post(func() {
			if err != nil || !deleted {
				p.hub.Reply(conn, protocol.EventMessageError, protocol.MessageError{Error: deleteFailed})
				return
			}
			if channelID != "" {
				p.hub.EmitToRoom(room.ChannelRoom(channelID), protocol.EventMessageDeleted, protocol.MessageDeleted{
					ID:        messageID,
					ChannelID: channelID,
					UserID:    userID,
				}, "")
			}
		})
	}()
}

func (p *Pipeline) reject(conn *hub.Connection, err error) {
	metrics.EventsRejected.WithLabelValues("validation").Inc()
	p.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("message rejected")
	p.hub.Reply(conn, protocol.EventMessageError, protocol.MessageError{Error: err.Error()})
}

func decodeMessage(data json.RawMessage) store.NewMessage {
	msg := store.NewMessage{
		Content:     protocol.Field(data, "content"),
		ChannelID:   protocol.Field(data, "channel_id", "channelId"),
		UserID:      protocol.Field(data, "user_id", "userId"),
		MessageType: protocol.Field(data, "message_type", "messageType"),
	}
	if url := protocol.Field(data, "file_url", "fileUrl"); url != "" {
		msg.FileURL = &url
	}
	return msg
}

func validateMessage(msg store.NewMessage) error {
	switch {
	case strings.TrimSpace(msg.Content) == "":
		return &ValidationError{Field: "content"}
	case msg.ChannelID == "":
		return &ValidationError{Field: "channel_id"}
	case msg.UserID == "":
		return &ValidationError{Field: "user_id"}
	}
	return nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength])
}
