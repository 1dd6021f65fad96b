// Package auth resolves bearer tokens to authenticated identities.
package auth

import (
	"context"
	"strings"

	"github.com/kasa-chat/kasa/internal/domain"
	"github.com/kasa-chat/kasa/internal/store"
)

// Identity is the authenticated caller for one request. Handlers trust only
// this, never a client-supplied user id or a cached plan claim.
type Identity struct {
	UserID string
	Email  string
}

// Resolver turns a session token into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// StoreResolver resolves tokens against the sessions table.
type StoreResolver struct {
	store store.Store
}

// NewStoreResolver creates a resolver backed by the store.
func NewStoreResolver(db store.Store) *StoreResolver {
	return &StoreResolver{store: db}
}

// Resolve looks up the session and returns the current user identity.
func (r *StoreResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, domain.ErrUnauthorized
	}
	user, err := r.store.GetSessionUser(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if user == nil {
		return Identity{}, domain.ErrUnauthorized
	}
	return Identity{UserID: user.UserID, Email: user.Email}, nil
}
