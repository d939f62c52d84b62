package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.RateLimiter using GCRA in memory.
// A background sweep removes idle keys so memory stays bounded.
type RateLimiter struct {
	cells           map[string]time.Time // theoretical arrival time per key
	mu              sync.Mutex
	time            clock.TimeService
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewRateLimiter creates a limiter sweeping every 5 minutes and forgetting
// keys idle for an hour.
func NewRateLimiter(ts clock.TimeService) *RateLimiter {
	return NewRateLimiterWithConfig(ts, 5*time.Minute, time.Hour)
}

// NewRateLimiterWithConfig creates a limiter with custom sweep settings.
// A nil ts uses the system clock; non-positive durations use the defaults.
func NewRateLimiterWithConfig(ts clock.TimeService, cleanupInterval, maxTTL time.Duration) *RateLimiter {
	if ts == nil {
		ts = clock.System()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	if maxTTL <= 0 {
		maxTTL = time.Hour
	}
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		time:            ts,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// Allow consumes one cell for key if the burst allowance permits it.
func (r *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := clock.ToTime(r.time.Now())

	if config.Rate <= 0 {
		config.Rate = 1
	}
	emission := config.Emission()
	if emission <= 0 {
		return ratelimit.Result{}, ratelimit.ErrInvalidConfig
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	burstOffset := time.Duration(config.Burst) * emission

	tat, exists := r.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	// The request is allowed once now reaches tat minus the burst window.
	allowAt := tat.Add(-burstOffset + emission)
	if now.Before(allowAt) {
		return ratelimit.Result{
			Allowed:    false,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	newTAT := tat.Add(emission)
	r.cells[key] = newTAT

	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	remaining = max(0, min(remaining, config.Burst))

	return ratelimit.Result{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup starts the background sweep. It stops when ctx is cancelled
// or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys whose arrival time is older than maxTTL.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := clock.ToTime(r.time.Now()).Add(-r.maxTTL)
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop stops the sweep and waits for it to exit. Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*RateLimiter)(nil)
