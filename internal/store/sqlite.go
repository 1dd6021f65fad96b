package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kasa-chat/kasa/internal/domain"
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
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			plan TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			user_id TEXT PRIMARY KEY,
			day TEXT NOT NULL DEFAULT '',
			daily_used INTEGER NOT NULL DEFAULT 0,
			lifetime_total INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser creates a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, plan, timezone, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.UserID, user.Email, user.Plan, user.Timezone, user.CreatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, plan, timezone, created_at FROM users WHERE user_id = ?`,
		userID).Scan(&user.UserID, &user.Email, &user.Plan, &user.Timezone, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateSession creates a new session token for a user.
func (s *SQLiteStore) CreateSession(ctx context.Context, token, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id) VALUES (?, ?)`, token, userID)
	return err
}

// GetSessionUser resolves a session token to its user.
func (s *SQLiteStore) GetSessionUser(ctx context.Context, token string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.user_id, u.email, u.plan, u.timezone, u.created_at
		 FROM sessions s JOIN users u ON u.user_id = s.user_id
		 WHERE s.token = ?`,
		token).Scan(&user.UserID, &user.Email, &user.Plan, &user.Timezone, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		conv.ConversationID, conv.UserID, conv.Title, conv.CreatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, title, created_at FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ConversationID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations lists a user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, title, created_at FROM conversations
		 WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ConversationID, &conv.UserID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// RenameConversation updates the title of a conversation owned by userID.
func (s *SQLiteStore) RenameConversation(ctx context.Context, conversationID, userID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE conversation_id = ? AND user_id = ?`,
		title, conversationID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetConversationTitle sets the title without an ownership check. Used by
// the orchestrator, which has already resolved ownership.
func (s *SQLiteStore) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE conversation_id = ?`, title, conversationID)
	return err
}

// DeleteConversation deletes a conversation and its messages, scoped to the
// owning user.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND conversation_id IN
		 (SELECT conversation_id FROM conversations WHERE conversation_id = ? AND user_id = ?)`,
		conversationID, conversationID, userID)
	if err != nil {
		return err
	}
	_ = res

	res, err = tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// CreateMessage creates a new message, assigning the next seq within the
// conversation in the same statement.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, content, seq, created_at)
		 VALUES (?, ?, ?, ?,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?)`,
		message.MessageID, message.ConversationID, message.Role, message.Content,
		message.ConversationID, message.CreatedAt)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE message_id = ?`, message.MessageID).Scan(&message.Seq)
}

// GetMessages retrieves all messages for a conversation in order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, seq, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessages deletes the given messages, filtered by both ids and the
// owning conversation id so a crafted request cannot touch another
// conversation's rows.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(messageIDs))
	args := []interface{}{conversationID}
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`DELETE FROM messages WHERE conversation_id = ? AND message_id IN (%s)`,
		strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// AuthorizeAndIncrement performs the atomic daily check-and-increment. The
// guarded UPDATE rolls the day key forward (resetting the count) when
// stale, increments when under the limit, and affects zero rows when the
// user is already at the limit for the given day.
func (s *SQLiteStore) AuthorizeAndIncrement(ctx context.Context, userID, day string, limit int) (bool, error) {
	// The rollover arm of the guard allows the first write of a new day
	// unconditionally, so a zero limit must be rejected up front.
	if limit <= 0 {
		return false, nil
	}
	if err := s.ensureCounter(ctx, userID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters
		 SET daily_used = CASE WHEN day = ? THEN daily_used + 1 ELSE 1 END,
		     day = ?
		 WHERE user_id = ? AND (day <> ? OR daily_used < ?)`,
		day, day, userID, day, limit)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetUsage retrieves a user's usage counters.
func (s *SQLiteStore) GetUsage(ctx context.Context, userID string) (*domain.Usage, error) {
	var u domain.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, day, daily_used, lifetime_total FROM usage_counters WHERE user_id = ?`,
		userID).Scan(&u.UserID, &u.Day, &u.DailyUsed, &u.LifetimeTotal)
	if err == sql.ErrNoRows {
		return &domain.Usage{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// IncrementLifetime bumps the lifetime message counter.
func (s *SQLiteStore) IncrementLifetime(ctx context.Context, userID string) error {
	if err := s.ensureCounter(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters SET lifetime_total = lifetime_total + 1 WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) ensureCounter(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, userID)
	return err
}
