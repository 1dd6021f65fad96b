package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/kasa-chat/kasa/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store from a connection string.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			plan TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			user_id TEXT PRIMARY KEY REFERENCES users(user_id),
			day TEXT NOT NULL DEFAULT '',
			daily_used INTEGER NOT NULL DEFAULT 0,
			lifetime_total INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, plan, timezone, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.UserID, user.Email, user.Plan, user.Timezone, user.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, plan, timezone, created_at FROM users WHERE user_id = $1`,
		userID).Scan(&user.UserID, &user.Email, &user.Plan, &user.Timezone, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, token, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id) VALUES ($1, $2)`, token, userID)
	return err
}

func (s *PostgresStore) GetSessionUser(ctx context.Context, token string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.user_id, u.email, u.plan, u.timezone, u.created_at
		 FROM sessions s JOIN users u ON u.user_id = s.user_id
		 WHERE s.token = $1`,
		token).Scan(&user.UserID, &user.Email, &user.Plan, &user.Timezone, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, user_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		conv.ConversationID, conv.UserID, conv.Title, conv.CreatedAt)
	return err
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, title, created_at FROM conversations WHERE conversation_id = $1`,
		conversationID).Scan(&conv.ConversationID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, title, created_at FROM conversations
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
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

func (s *PostgresStore) RenameConversation(ctx context.Context, conversationID, userID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1 WHERE conversation_id = $2 AND user_id = $3`,
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

func (s *PostgresStore) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1 WHERE conversation_id = $2`, title, conversationID)
	return err
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1 AND conversation_id IN
		 (SELECT conversation_id FROM conversations WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = $1 AND user_id = $2`,
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

// CreateMessage assigns the next seq within the conversation. The MAX(seq)
// subquery is not serialized under read-committed, so two concurrent
// inserts can compute the same seq; the unique (conversation_id, seq)
// index turns that into a retryable conflict instead of a duplicate key.
func (s *PostgresStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	for attempt := 0; attempt < 5; attempt++ {
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO messages (message_id, conversation_id, role, content, seq, created_at)
			 VALUES ($1, $2, $3, $4,
			   (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $2), $5)
			 RETURNING seq`,
			message.MessageID, message.ConversationID, message.Role, message.Content,
			message.CreatedAt).Scan(&message.Seq)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_messages_conversation_seq" {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to assign message seq in conversation %s", message.ConversationID)
}

func (s *PostgresStore) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, conversation_id, role, content, seq, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
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

func (s *PostgresStore) DeleteMessages(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(messageIDs))
	args := []interface{}{conversationID}
	for i, id := range messageIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`DELETE FROM messages WHERE conversation_id = $1 AND message_id IN (%s)`,
		strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *PostgresStore) AuthorizeAndIncrement(ctx context.Context, userID, day string, limit int) (bool, error) {
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
		 SET daily_used = CASE WHEN day = $1 THEN daily_used + 1 ELSE 1 END,
		     day = $1
		 WHERE user_id = $2 AND (day <> $1 OR daily_used < $3)`,
		day, userID, limit)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, userID string) (*domain.Usage, error) {
	var u domain.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, day, daily_used, lifetime_total FROM usage_counters WHERE user_id = $1`,
		userID).Scan(&u.UserID, &u.Day, &u.DailyUsed, &u.LifetimeTotal)
	if err == sql.ErrNoRows {
		return &domain.Usage{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) IncrementLifetime(ctx context.Context, userID string) error {
	if err := s.ensureCounter(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters SET lifetime_total = lifetime_total + 1 WHERE user_id = $1`, userID)
	return err
}

func (s *PostgresStore) ensureCounter(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}
