// Package auth authenticates gateway clients by API key.
package auth

import (
	"slices"
	"time"
)

// Identity is the client an API key belongs to.
type Identity struct {
	// ID is the unique identifier for this client.
	ID string
	// Name is the display name for this client.
	Name string
	// Roles gate access to routes that require them.
	Roles []string
}

// HasRole returns true if the identity has the specified role.
func (i *Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// HasAllRoles returns true if the identity has every role in roles.
func (i *Identity) HasAllRoles(roles ...string) bool {
	for _, role := range roles {
		if !i.HasRole(role) {
			return false
		}
	}
	return true
}

// APIKey is a stored credential. The raw key is never stored.
type APIKey struct {
	// Key is the hashed key value (Argon2id PHC format or SHA-256 hex).
	Key string
	// IdentityID maps this key to an Identity.
	IdentityID string
	// Name is a human-readable label for this key.
	Name string
	// ExpiresAt is when the key expires (nil = never expires).
	ExpiresAt *time.Time
	// Revoked indicates if the key has been revoked.
	Revoked bool
}

// IsExpired reports whether the key has expired at now.
// A key with nil ExpiresAt never expires.
func (k *APIKey) IsExpired(now time.Time) bool {
	if k.ExpiresAt == nil {
		return false
	}
	return now.After(*k.ExpiresAt)
}
