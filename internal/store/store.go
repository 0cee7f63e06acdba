// Package store provides the persistence collaborators used by the realtime core.
package store

import (
	"context"
	"strings"
	"time"
)

// DefaultMessageType is used when a message does not specify one.
const DefaultMessageType = "text"

// DefaultChannels are seeded into an empty database.
var DefaultChannels = []struct {
	ID          string
	Name        string
	Description string
}{
	{"general", "general", "General discussion"},
	{"random", "random", "Random conversations"},
	{"help", "help", "Get help and support"},
}

// NewMessage is the input for CreateMessage.
type NewMessage struct {
	Content     string  `json:"content"`
	ChannelID   string  `json:"channel_id"`
	UserID      string  `json:"user_id"`
	MessageType string  `json:"message_type"`
	FileURL     *string `json:"file_url"`
}

// Message is a persisted chat message hydrated with author display fields.
type Message struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	MessageType string    `json:"message_type"`
	FileURL     *string   `json:"file_url"`
	CreatedAt   time.Time `json:"created_at"`
	Username    string    `json:"username"`
	Avatar      *string   `json:"avatar"`
}

// Store is the persistence service consumed by the realtime core.
type Store interface {
	CreateMessage(ctx context.Context, msg NewMessage) (*Message, error)
	DeleteMessage(ctx context.Context, id, userID string) (bool, error)
	SetUserOnline(ctx context.Context, userID string, online bool) error
	GetChannelMembers(ctx context.Context, channelID string) ([]string, error)
	Close() error
}

// Open selects a Store from url: postgres:// URLs use pgx, http(s):// URLs
// use the remote persistence service, anything else is a SQLite DSN.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return NewRemoteStore(url), nil
	default:
		return NewSQLiteStore(url)
	}
}

func messageType(t string) string {
	if t == "" {
		return DefaultMessageType
	}
	return t
}
