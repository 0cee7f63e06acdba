package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		avatar TEXT,
		online_status BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		file_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool, applies the schema and seeds default channels.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	for _, ch := range DefaultChannels {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO channels (id, name, description) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			ch.ID, ch.Name, ch.Description); err != nil {
			return fmt.Errorf("seed channels: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateMessage inserts a message and returns it joined with its author.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	m := &Message{}
	err := s.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO messages (id, content, channel_id, user_id, message_type, file_url)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, content, channel_id, user_id, message_type, file_url, created_at
		)
		SELECT i.id, i.content, i.channel_id, i.user_id, i.message_type, i.file_url, i.created_at,
			COALESCE(u.username, i.user_id), u.avatar
		FROM inserted i
		LEFT JOIN users u ON u.id = i.user_id
	`, ulid.Make().String(), msg.Content, msg.ChannelID, msg.UserID, messageType(msg.MessageType), msg.FileURL).Scan(
		&m.ID,
		&m.Content,
		&m.ChannelID,
		&m.UserID,
		&m.MessageType,
		&m.FileURL,
		&m.CreatedAt,
		&m.Username,
		&m.Avatar,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// DeleteMessage removes a message authored by userID.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetUserOnline records the user's online flag and last-seen time.
func (s *PostgresStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, online_status, last_seen)
		VALUES ($1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET online_status = EXCLUDED.online_status, last_seen = EXCLUDED.last_seen
	`, userID, online)
	if err != nil {
		return fmt.Errorf("update online status: %w", err)
	}
	return nil
}

// GetChannelMembers lists the user IDs that belong to a channel.
func (s *PostgresStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY joined_at, user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}
