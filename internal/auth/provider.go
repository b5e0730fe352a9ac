// Package auth provides authentication for the tallyd API.
package auth

import (
	"context"

	"github.com/tallyhq/tally/internal/store"
)

// Identity is the unified account representation for all auth providers.
type Identity struct {
	UserID         string // internal user ID (builtin) or external provider subject
	Email          string
	EmailConfirmed bool
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// SignupProvider is implemented by providers that manage accounts locally.
type SignupProvider interface {
	Signup(ctx context.Context, email, password string) (*store.User, string, error)
	Login(ctx context.Context, email, password string) (string, error)
}
