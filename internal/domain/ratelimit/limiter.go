package ratelimit

import (
	"context"
	"errors"
)

// RateLimiter decides whether a request identified by key may proceed.
//
// Implementations use GCRA (Generic Cell Rate Algorithm), which spreads
// requests evenly over the period instead of resetting at window boundaries.
type RateLimiter interface {
	// Allow consumes one cell for key when permitted by config.
	Allow(ctx context.Context, key string, config Config) (Result, error)
}

// ErrInvalidConfig is returned for a Config whose emission interval is not
// positive.
var ErrInvalidConfig = errors.New("period must be positive and at least one nanosecond per request")
