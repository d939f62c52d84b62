package ratelimit

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/Sentinel-Gate/filtergate/internal/domain/auth"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// Filter rejects requests over the configured rate with 429 Too Many
// Requests and a Retry-After header. Limiter errors fail open.
type Filter struct {
	limiter RateLimiter
	config  Config
	keyType KeyType
	logger  *slog.Logger
}

var _ pipeline.Filter = (*Filter)(nil)

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// WithKeyType selects how requests are grouped. Defaults to KeyTypeIP.
func WithKeyType(kt KeyType) FilterOption {
	return func(f *Filter) { f.keyType = kt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FilterOption {
	return func(f *Filter) { f.logger = logger }
}

// NewFilter returns a rate limiting filter. Rate and Period must be positive.
func NewFilter(limiter RateLimiter, config Config, opts ...FilterOption) (*Filter, error) {
	if limiter == nil {
		return nil, &pipeline.ConfigError{Component: "rate limiter", Err: pipeline.ErrNilComponent}
	}
	if config.Rate <= 0 || config.Emission() <= 0 {
		return nil, &pipeline.ConfigError{Component: "rate limit", Err: ErrInvalidConfig}
	}
	f := &Filter{
		limiter: limiter,
		config:  config,
		keyType: KeyTypeIP,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Filter checks the limiter before delegating to next.
func (f *Filter) Filter(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler) *pipeline.ResponsePromise {
	key := f.key(ctx)
	result, err := f.limiter.Allow(ctx.Std(), key, f.config)
	if err != nil {
		f.logger.Warn("rate limiter failed, allowing request",
			"transaction_id", reqctx.TransactionIDFrom(ctx),
			"error", err,
		)
		return next.Handle(ctx, req)
	}
	if !result.Allowed {
		f.logger.Debug("rate limit exceeded", "key", key, "retry_after", result.RetryAfter)
		resp := exchange.NewResponse(exchange.StatusTooManyRequests)
		resp.Headers.Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
		resp.Headers.Set("X-RateLimit-Remaining", "0")
		return pipeline.Respond(resp)
	}

	remaining := strconv.Itoa(result.Remaining)
	return pipeline.MapResponse(next.Handle(ctx, req), func(resp *exchange.Response) *exchange.Response {
		if resp != nil {
			resp.Headers.Set("X-RateLimit-Remaining", remaining)
		}
		return resp
	})
}

func (f *Filter) key(ctx *reqctx.Context) string {
	if f.keyType == KeyTypeIdentity {
		if id, ok := auth.IdentityFrom(ctx); ok {
			return FormatKey(KeyTypeIdentity, id.ID)
		}
	}
	addr := "unknown"
	if client, ok := reqctx.ClientFrom(ctx); ok && client.RemoteAddress != "" {
		addr = client.RemoteAddress
	}
	return FormatKey(KeyTypeIP, addr)
}
