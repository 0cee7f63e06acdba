package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := store.seedChannels(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed channels: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			avatar TEXT,
			online_status INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			is_private INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channel_members (
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel_id, user_id),
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			file_url TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) seedChannels() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, ch := range DefaultChannels {
		if _, err := s.db.Exec(`INSERT INTO channels (id, name, description) VALUES (?, ?, ?)`,
			ch.ID, ch.Name, ch.Description); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateMessage inserts a message and returns it joined with its author.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	id := ulid.Make().String()
	createdAt := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, content, channel_id, user_id, message_type, file_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, msg.Content, msg.ChannelID, msg.UserID, messageType(msg.MessageType), nullString(msg.FileURL), createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return s.getMessage(ctx, id)
}

func (s *SQLiteStore) getMessage(ctx context.Context, id string) (*Message, error) {
	var (
		m       Message
		fileURL sql.NullString
		avatar  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.content, m.channel_id, m.user_id, m.message_type, m.file_url, m.created_at,
			COALESCE(u.username, m.user_id), u.avatar
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.id = ?
	`, id).Scan(&m.ID, &m.Content, &m.ChannelID, &m.UserID, &m.MessageType, &fileURL, &m.CreatedAt,
		&m.Username, &avatar)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	m.FileURL = stringPtr(fileURL)
	m.Avatar = stringPtr(avatar)
	return &m, nil
}

// DeleteMessage removes a message authored by userID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetUserOnline records the user's online flag and last-seen time.
func (s *SQLiteStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, online_status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET online_status = excluded.online_status, last_seen = excluded.last_seen
	`, userID, userID, online, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update online status: %w", err)
	}
	return nil
}

// GetChannelMembers lists the user IDs that belong to a channel.
func (s *SQLiteStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY joined_at, user_id`, channelID)
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

// AddChannelMember records a channel membership. Membership is normally managed
// by the CRUD service; this is used for local setups and tests.
func (s *SQLiteStore) AddChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_members (channel_id, user_id) VALUES (?, ?)`, channelID, userID)
	if err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
