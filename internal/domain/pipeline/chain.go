package pipeline

import (
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

var (
	// ErrNilComponent is matched by configuration errors about missing stages.
	ErrNilComponent = errors.New("nil pipeline component")
	// ErrNoResponse is the cause attached when a stage returns no promise.
	ErrNoResponse = errors.New("handler returned no response")
)

// ConfigError reports a pipeline that cannot be built.
type ConfigError struct {
	Component string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline configuration: %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Chain dispatches a request through filters in order, then to the terminal
// handler. It holds no mutable state and may be invoked concurrently.
type Chain struct {
	filters  []Filter
	terminal Handler
}

// Compile-time check that Chain implements Handler.
var _ Handler = (*Chain)(nil)

// NewChain composes filters around terminal. A nil terminal or filter is a
// configuration error.
func NewChain(terminal Handler, filters ...Filter) (*Chain, error) {
	if terminal == nil {
		return nil, &ConfigError{Component: "terminal handler", Err: ErrNilComponent}
	}
	for i, f := range filters {
		if f == nil {
			return nil, &ConfigError{Component: fmt.Sprintf("filter[%d]", i), Err: ErrNilComponent}
		}
	}
	return &Chain{
		filters:  append([]Filter(nil), filters...),
		terminal: terminal,
	}, nil
}

// Handle runs the first filter with a next handler bound to the rest of the
// chain.
func (c *Chain) Handle(ctx *reqctx.Context, req *exchange.Request) *ResponsePromise {
	return link{chain: c}.Handle(ctx, req)
}

// Len returns the number of filters.
func (c *Chain) Len() int { return len(c.filters) }

// link is the next handler seen by filters[pos-1].
type link struct {
	chain *Chain
	pos   int
}

func (l link) Handle(ctx *reqctx.Context, req *exchange.Request) *ResponsePromise {
	if l.pos < len(l.chain.filters) {
		return l.chain.filters[l.pos].Filter(ctx, req, link{chain: l.chain, pos: l.pos + 1})
	}
	return l.chain.terminal.Handle(ctx, req)
}
