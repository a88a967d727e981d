package auth

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Scopes granted to API clients.
const (
	// ScopeRead permits reading node state and data.
	ScopeRead = "read"
	// ScopeWrite permits storing data, gossip and sync.
	ScopeWrite = "write"
	// ScopeAdmin permits starting and stopping the node, and includes all
	// other scopes.
	ScopeAdmin = "admin"
)

// Token represents an authenticated API token.
type Token struct {
	// Expiry contains the time the token expires, or zero if there is no
	// expiry.
	Expiry time.Time

	// Scopes contains the scopes the client is granted. If empty then all
	// scopes are granted.
	Scopes []string
}

// Allows returns whether the token grants the given scope.
func (t *Token) Allows(scope string) bool {
	if len(t.Scopes) == 0 {
		return true
	}
	return slices.Contains(t.Scopes, scope) || slices.Contains(t.Scopes, ScopeAdmin)
}

// Verifier verifies client tokens.
type Verifier interface {
	Verify(token string) (*Token, error)
}
