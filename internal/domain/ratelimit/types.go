// Package ratelimit throttles requests per client with GCRA.
package ratelimit

import (
	"fmt"
	"time"
)

// Config defines the rate limiting parameters.
type Config struct {
	// Rate is the number of allowed requests per Period.
	Rate int

	// Burst is the number of requests that may arrive back to back.
	// Defaults to Rate.
	Burst int

	// Period is the time window for Rate.
	Period time.Duration
}

// Emission is the interval between two requests at the sustained rate. A
// non-positive Rate counts as one request per Period.
func (c Config) Emission() time.Duration {
	if c.Rate <= 0 {
		return c.Period
	}
	return c.Period / time.Duration(c.Rate)
}

// Result is the outcome of one limiter check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests still allowed right now.
	Remaining int

	// RetryAfter is the wait before the next request is allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the wait until the full burst is available again.
	ResetAfter time.Duration
}

// KeyType identifies what a limiter key is derived from.
type KeyType string

const (
	// KeyTypeIP limits by client address.
	KeyTypeIP KeyType = "ip"

	// KeyTypeIdentity limits by authenticated identity, falling back to the
	// client address for anonymous requests.
	KeyTypeIdentity KeyType = "identity"
)

const keyPrefix = "ratelimit"

// FormatKey returns a structured key, e.g. "ratelimit:ip:192.168.1.1".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
