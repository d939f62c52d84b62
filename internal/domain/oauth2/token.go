// Package oauth2 validates OAuth 2.0 bearer tokens for resource servers.
package oauth2

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidToken is matched by every token validation failure.
var ErrInvalidToken = errors.New("invalid access token")

// Token info field names.
const (
	FieldExpiresIn   = "expires_in"
	FieldAccessToken = "access_token"
	FieldScope       = "scope"
)

// AccessTokenError reports the field that made token info unusable.
type AccessTokenError struct {
	Field  string
	Reason string
}

func (e *AccessTokenError) Error() string {
	return fmt.Sprintf("invalid access token: %s %s", e.Field, e.Reason)
}

// Is reports ErrInvalidToken as a match.
func (e *AccessTokenError) Is(target error) bool {
	return target == ErrInvalidToken
}

// AccessToken is an immutable validated token.
type AccessToken struct {
	token     string
	expiresAt int64
	scopes    []string
	info      map[string]any
}

// Token returns the raw token string.
func (t *AccessToken) Token() string { return t.token }

// ExpiresAt returns the absolute expiry in milliseconds since the epoch.
func (t *AccessToken) ExpiresAt() int64 { return t.expiresAt }

// Scopes returns a copy of the granted scopes, in source order without
// duplicates.
func (t *AccessToken) Scopes() []string { return slices.Clone(t.scopes) }

// HasScope reports whether scope was granted.
func (t *AccessToken) HasScope(scope string) bool {
	return slices.Contains(t.scopes, scope)
}

// HasScopes reports whether every scope in required was granted, and returns
// those that were not.
func (t *AccessToken) HasScopes(required []string) (bool, []string) {
	var missing []string
	for _, s := range required {
		if !t.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return len(missing) == 0, missing
}

// Info returns the token info the token was built from. The map is the one
// given to Builder.Build, not a copy; callers must not modify it.
func (t *AccessToken) Info() map[string]any { return t.info }

// IsExpired reports whether the token has expired at now (milliseconds).
func (t *AccessToken) IsExpired(now int64) bool {
	return now >= t.expiresAt
}
