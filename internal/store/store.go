// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/kasa-chat/kasa/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// Session operations
	CreateSession(ctx context.Context, token, userID string) error
	GetSessionUser(ctx context.Context, token string) (*domain.User, error)

	// Conversation operations
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	RenameConversation(ctx context.Context, conversationID, userID, title string) error
	SetConversationTitle(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, conversationID, userID string) error

	// Message operations. CreateMessage assigns the next seq within the
	// conversation. DeleteMessages is scoped by both ids and conversation id.
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	DeleteMessages(ctx context.Context, conversationID string, messageIDs []string) error

	// Usage operations. AuthorizeAndIncrement is the atomic daily
	// check-and-increment: it rolls the counter to the given day key if
	// stale, and returns true only when the increment was applied under
	// the limit. Exactly one of two concurrent calls at limit-1 succeeds.
	AuthorizeAndIncrement(ctx context.Context, userID, day string, limit int) (bool, error)
	GetUsage(ctx context.Context, userID string) (*domain.Usage, error)
	IncrementLifetime(ctx context.Context, userID string) error

	// Lifecycle
	Close() error
}
