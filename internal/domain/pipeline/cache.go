package pipeline

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// DefaultCacheEntries bounds a CacheFilter created without WithMaxEntries.
const DefaultCacheEntries = 1024

// CacheFilter answers repeated GET requests from memory. Only successful
// responses are stored. A hit never calls next.
type CacheFilter struct {
	ttl        time.Duration
	time       clock.TimeService
	maxEntries int

	mu      sync.Mutex
	entries map[uint64]cacheEntry
}

type cacheEntry struct {
	key       string
	resp      *exchange.Response
	expiresAt int64
}

var _ Filter = (*CacheFilter)(nil)

// CacheOption configures a CacheFilter.
type CacheOption func(*CacheFilter)

// WithMaxEntries caps the number of cached responses.
func WithMaxEntries(n int) CacheOption {
	return func(f *CacheFilter) {
		if n > 0 {
			f.maxEntries = n
		}
	}
}

// NewCacheFilter returns a CacheFilter keeping responses for ttl.
func NewCacheFilter(ttl time.Duration, ts clock.TimeService, opts ...CacheOption) (*CacheFilter, error) {
	if ttl <= 0 {
		return nil, &ConfigError{Component: "cache ttl", Err: errors.New("ttl must be positive")}
	}
	if ts == nil {
		return nil, &ConfigError{Component: "cache time service", Err: ErrNilComponent}
	}
	f := &CacheFilter{
		ttl:        ttl,
		time:       ts,
		maxEntries: DefaultCacheEntries,
		entries:    make(map[uint64]cacheEntry),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Filter serves hits and stores successful misses.
func (f *CacheFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	if req.Method != http.MethodGet || req.URI == nil {
		return next.Handle(ctx, req)
	}

	key := req.URI.String()
	sum := xxhash.Sum64String(key)
	if resp, ok := f.lookup(sum, key); ok {
		return Respond(resp)
	}

	p := next.Handle(ctx, req)
	if p == nil {
		return Respond(exchange.NewInternalServerError(ErrNoResponse))
	}
	return p.ThenOnResult(func(resp *exchange.Response) {
		if resp != nil && resp.Status.IsSuccessful() {
			f.store(sum, key, resp)
		}
	})
}

// Len returns the number of cached entries, expired ones included.
func (f *CacheFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *CacheFilter) lookup(sum uint64, key string) (*exchange.Response, bool) {
	now := f.time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[sum]
	if !ok || e.key != key {
		return nil, false
	}
	if now >= e.expiresAt {
		delete(f.entries, sum)
		return nil, false
	}
	return e.resp.Copy(), true
}

func (f *CacheFilter) store(sum uint64, key string, resp *exchange.Response) {
	expiresAt := f.time.Now() + f.ttl.Milliseconds()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[sum]; !exists && len(f.entries) >= f.maxEntries {
		f.evictLocked()
	}
	f.entries[sum] = cacheEntry{key: key, resp: resp.Copy(), expiresAt: expiresAt}
}

// evictLocked drops the entry closest to expiry. Caller holds f.mu.
func (f *CacheFilter) evictLocked() {
	var (
		victim uint64
		oldest int64
		found  bool
	)
	for sum, e := range f.entries {
		if !found || e.expiresAt < oldest {
			victim, oldest, found = sum, e.expiresAt, true
		}
	}
	if found {
		delete(f.entries, victim)
	}
}
