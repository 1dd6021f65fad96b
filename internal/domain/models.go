// Package domain defines the core domain models for the chat service.
package domain

import (
	"errors"
	"time"
)

// Plan tiers. Tier names map to daily limits in configuration, not here.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sentinel errors mapped to HTTP status codes at the transport layer.
var (
	ErrNotFound      = errors.New("not found")
	ErrNotOwner      = errors.New("conversation not owned by caller")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrQuotaExceeded = errors.New("daily message limit reached")
	ErrInvalidInput  = errors.New("invalid request input")
)

// User is the system of record for plan and email. Quota decisions read
// this row, never a cached session claim.
type User struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Plan      string    `json:"plan"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is owned exclusively by one user. The title is set once by
// the orchestrator on the first turn and mutated afterwards only by rename.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is one persisted turn of a conversation. Messages are immutable
// once written; edit and regenerate delete a contiguous suffix and append.
type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Seq            int       `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// Usage is a user's quota counters: the count for the current local day and
// the lifetime total of messages sent.
type Usage struct {
	UserID        string `json:"user_id"`
	Day           string `json:"day"`
	DailyUsed     int    `json:"daily_used"`
	LifetimeTotal int    `json:"lifetime_total"`
}
