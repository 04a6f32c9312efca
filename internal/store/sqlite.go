package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/sellerdesk/internal/domain"
	"github.com/ashureev/sellerdesk/internal/shared"
)

// HistoryLimit caps the messages LoadConversation returns.
const HistoryLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL keeps readers from blocking the single writer.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultSQLiteRetry}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		external_ref TEXT UNIQUE,
		user_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		agent_role TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS reactions (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		reaction TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, user_id, reaction)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// LoadConversation resolves ref against canonical IDs first, then external refs.
func (s *SQLiteStore) LoadConversation(ctx context.Context, ref string) (*domain.Conversation, error) {
	if ref == "" {
		return nil, nil
	}
	query := `
		SELECT id, external_ref, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ? OR external_ref = ?
		ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END
		LIMIT 1`

	var conv domain.Conversation
	var externalRef, userID sql.NullString
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, ref, ref, ref).Scan(
		&conv.ID, &externalRef, &userID, &conv.Title, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.ExternalRef = externalRef.String
	conv.UserID = userID.String
	conv.CreatedAt = time.Unix(createdAt, 0).UTC()
	conv.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	messages, err := s.recentMessages(ctx, conv.ID, HistoryLimit)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return &conv, nil
}

func (s *SQLiteStore) recentMessages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error) {
	query := `
		SELECT id, conversation_id, role, sender, agent_role, content, metadata_json, created_at
		FROM (
			SELECT rowid AS seq, * FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.Role, &msg.Sender,
			&msg.AgentRole, &msg.Content, &metadata, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode message %s metadata: %w", msg.ID, err)
			}
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	var externalRef, userID any
	if conv.ExternalRef != "" {
		externalRef = conv.ExternalRef
	}
	if conv.UserID != "" {
		userID = conv.UserID
	}

	query := `
	INSERT INTO conversations (id, external_ref, user_id, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	return shared.RetrySQLite(ctx, s.retry, "create conversation", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, externalRef, userID, conv.Title,
			conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
		)
		return err
	})
}

// PersistMessage inserts msg and bumps the conversation's updated_at.
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *domain.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(raw)
	}

	return shared.RetrySQLite(ctx, s.retry, "persist message", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			msg.CreatedAt.Unix(), msg.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, msg.ConversationID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, sender, agent_role, content, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Sender, msg.AgentRole,
			msg.Content, metadata, msg.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
}

// PersistReaction records a reaction, ignoring exact duplicates.
func (s *SQLiteStore) PersistReaction(ctx context.Context, reaction *domain.Reaction) error {
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO reactions (message_id, user_id, reaction, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(message_id, user_id, reaction) DO NOTHING`
	return shared.RetrySQLite(ctx, s.retry, "persist reaction", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			reaction.MessageID, reaction.UserID, reaction.Reaction, reaction.CreatedAt.Unix(),
		)
		return err
	})
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.LastSeenAt.IsZero() {
		user.LastSeenAt = now
	}
	user.UpdatedAt = now
	username := strings.TrimSpace(user.Username)
	if username == "" {
		username = user.UserID
	}

	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`
	return shared.RetrySQLite(ctx, s.retry, "upsert user", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
}
