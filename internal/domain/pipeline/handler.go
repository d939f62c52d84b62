// Package pipeline composes filters and handlers into the asynchronous
// request pipeline.
//
// A Handler turns a request into a promise of a response. A Filter receives
// the next Handler and may call it once, several times, or not at all. A
// Chain binds an ordered list of filters to a terminal handler and is itself
// a Handler.
//
// Handlers report failures as responses (typically 5xx with a Cause), never
// through the promise: ResponsePromise cannot fail. A panic raised directly by
// a handler is a programming fault; the pipeline lets it propagate so that
// AccessAuditFilter can record it and re-raise it.
package pipeline

import (
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// ResponsePromise is the never-failing promise of a response.
type ResponsePromise = promise.Promise[*exchange.Response, promise.NeverThrows]

// Handler produces a response for a request.
type Handler interface {
	Handle(ctx *reqctx.Context, req *exchange.Request) *ResponsePromise
}

// HandlerFunc is an adapter to allow the use of ordinary functions as
// Handlers. Like http.HandlerFunc, it enables inline handlers.
type HandlerFunc func(ctx *reqctx.Context, req *exchange.Request) *ResponsePromise

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx *reqctx.Context, req *exchange.Request) *ResponsePromise {
	return f(ctx, req)
}

// Filter observes or transforms an exchange and optionally delegates to next.
type Filter interface {
	Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise
}

// FilterFunc is an adapter to allow the use of ordinary functions as Filters.
type FilterFunc func(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise

// Filter calls f(ctx, req, next).
func (f FilterFunc) Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	return f(ctx, req, next)
}

// Compile-time checks.
var (
	_ Handler = HandlerFunc(nil)
	_ Filter  = FilterFunc(nil)
)

// Respond returns an already resolved ResponsePromise.
func Respond(resp *exchange.Response) *ResponsePromise {
	return promise.Resolved[*exchange.Response, promise.NeverThrows](resp)
}

// PassThrough is a Filter that delegates unchanged.
var PassThrough Filter = FilterFunc(func(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	return next.Handle(ctx, req)
})

// MapResponse derives a promise whose response is fn applied to the response
// of p.
func MapResponse(p *ResponsePromise, fn func(*exchange.Response) *exchange.Response) *ResponsePromise {
	return promise.Then(p, func(resp *exchange.Response) (*exchange.Response, promise.NeverThrows) {
		return fn(resp), nil
	}, promise.NoopExceptionFunc[*exchange.Response, promise.NeverThrows]())
}

// Pending returns an unresolved ResponsePromise for handlers that complete
// asynchronously.
func Pending() *ResponsePromise {
	return promise.New[*exchange.Response, promise.NeverThrows]()
}
