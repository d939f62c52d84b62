package pipeline

import (
	"errors"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// RetryFilter calls next again while it answers with a server error, up to
// a fixed number of attempts. Each attempt receives its own copy of the
// request. The last response is returned as is.
type RetryFilter struct {
	attempts int
}

var _ Filter = (*RetryFilter)(nil)

// NewRetryFilter returns a RetryFilter making at most attempts calls.
func NewRetryFilter(attempts int) (*RetryFilter, error) {
	if attempts < 1 {
		return nil, &ConfigError{Component: "retry attempts", Err: errors.New("must be at least 1")}
	}
	return &RetryFilter{attempts: attempts}, nil
}

// Filter runs the first attempt.
func (f *RetryFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	return f.attempt(ctx, req, next, 1)
}

func (f *RetryFilter) attempt(ctx *reqctx.Context, req *exchange.Request, next Handler, n int) *ResponsePromise {
	p := next.Handle(ctx, req.Copy())
	if p == nil {
		p = Respond(exchange.NewInternalServerError(ErrNoResponse))
	}
	if n >= f.attempts {
		return p
	}
	return promise.ThenAsync(p, func(resp *exchange.Response) *ResponsePromise {
		if resp != nil && resp.Status.Family() != exchange.FamilyServerError {
			return Respond(resp)
		}
		if err := ctx.Std().Err(); err != nil {
			return Respond(resp)
		}
		return f.attempt(ctx, req, next, n+1)
	}, func(promise.NeverThrows) *ResponsePromise { return Respond(nil) })
}
