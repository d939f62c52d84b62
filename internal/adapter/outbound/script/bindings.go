package script

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// LDAPClient is the directory client slot offered to scripts. No
// implementation ships with the gateway; deployments that need one supply it
// through WithLDAPClient.
type LDAPClient interface {
	Search(ctx context.Context, baseDN, filter string, attributes ...string) ([]map[string][]string, error)
}

// Bindings is the fixed set of values a script runs with.
type Bindings struct {
	Context  *reqctx.Context
	Contexts map[string]*reqctx.Context
	Request  *exchange.Request
	// HTTP sends outbound requests.
	HTTP pipeline.Handler
	LDAP LDAPClient
	// Next is the rest of the chain; nil for handlers.
	Next    pipeline.Handler
	Logger  *slog.Logger
	Globals *Globals
	Args    map[string]any
}

// Globals is a concurrent map shared by every invocation of one script.
type Globals struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewGlobals returns an empty map.
func NewGlobals() *Globals {
	return &Globals{values: make(map[string]any)}
}

// Load returns the value stored under key.
func (g *Globals) Load(key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[key]
	return v, ok
}

// Store sets key to value.
func (g *Globals) Store(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = value
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores and returns value. loaded reports which happened.
func (g *Globals) LoadOrStore(key string, value any) (actual any, loaded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.values[key]; ok {
		return v, true
	}
	g.values[key] = value
	return value, false
}

// Update replaces the value of key with fn(old, present) atomically.
func (g *Globals) Update(key string, fn func(old any, present bool) any) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	old, ok := g.values[key]
	v := fn(old, ok)
	g.values[key] = v
	return v
}

// Delete removes key.
func (g *Globals) Delete(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.values, key)
}

// Snapshot returns a copy of every entry.
func (g *Globals) Snapshot() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return maps.Clone(g.values)
}
