package pipeline

import (
	"errors"
	"time"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// ErrTimeout is the cause attached to responses substituted by TimeoutFilter.
var ErrTimeout = errors.New("upstream did not respond in time")

// TimeoutFilter substitutes 504 Gateway Timeout when next does not resolve
// within the configured duration. The inner computation keeps running; its
// late result is discarded.
type TimeoutFilter struct {
	timeout time.Duration
}

var _ Filter = (*TimeoutFilter)(nil)

// NewTimeoutFilter returns a TimeoutFilter. d must be positive.
func NewTimeoutFilter(d time.Duration) (*TimeoutFilter, error) {
	if d <= 0 {
		return nil, &ConfigError{Component: "timeout", Err: errors.New("duration must be positive")}
	}
	return &TimeoutFilter{timeout: d}, nil
}

// Filter races next against the timer.
func (f *TimeoutFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	inner := next.Handle(ctx, req)
	if inner == nil {
		return Respond(exchange.NewInternalServerError(ErrNoResponse))
	}
	if inner.IsDone() {
		return inner
	}

	out := Pending()
	timer := time.AfterFunc(f.timeout, func() {
		out.Resolve(exchange.NewResponse(exchange.StatusGatewayTimeout).SetCause(ErrTimeout))
	})
	inner.ThenOnResult(func(resp *exchange.Response) {
		timer.Stop()
		out.Resolve(resp)
	})
	return out
}
