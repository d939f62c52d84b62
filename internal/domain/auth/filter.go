package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// DefaultKeyHeader carries the API key when no other header is configured.
const DefaultKeyHeader = "X-API-Key"

// ContextName names the context node carrying the authenticated identity.
const ContextName = "identity"

// APIKeyFilter admits requests carrying a valid API key. The key header is
// removed before the request is forwarded and the identity is added to the
// context chain; see IdentityFrom.
type APIKeyFilter struct {
	service *APIKeyService
	header  string
	roles   []string
	logger  *slog.Logger
}

var _ pipeline.Filter = (*APIKeyFilter)(nil)

// FilterOption configures an APIKeyFilter.
type FilterOption func(*APIKeyFilter)

// WithKeyHeader reads the key from header instead of DefaultKeyHeader.
func WithKeyHeader(header string) FilterOption {
	return func(f *APIKeyFilter) {
		if header != "" {
			f.header = header
		}
	}
}

// WithRequiredRoles rejects identities missing any of roles with 403.
func WithRequiredRoles(roles ...string) FilterOption {
	return func(f *APIKeyFilter) { f.roles = append([]string(nil), roles...) }
}

// WithFilterLogger sets the logger.
func WithFilterLogger(logger *slog.Logger) FilterOption {
	return func(f *APIKeyFilter) { f.logger = logger }
}

// NewAPIKeyFilter returns a filter validating keys with service.
func NewAPIKeyFilter(service *APIKeyService, opts ...FilterOption) (*APIKeyFilter, error) {
	if service == nil {
		return nil, &pipeline.ConfigError{Component: "api key service", Err: pipeline.ErrNilComponent}
	}
	f := &APIKeyFilter{
		service: service,
		header:  DefaultKeyHeader,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Filter authenticates the request.
func (f *APIKeyFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler) *pipeline.ResponsePromise {
	rawKey := req.Headers.Get(f.header)
	if rawKey == "" {
		return pipeline.Respond(f.unauthorized())
	}

	identity, err := f.service.Validate(ctx.Std(), rawKey)
	switch {
	case errors.Is(err, ErrInvalidKey):
		f.logger.Debug("api key rejected", "transaction_id", reqctx.TransactionIDFrom(ctx))
		return pipeline.Respond(f.unauthorized())
	case err != nil:
		f.logger.Error("api key validation failed",
			"transaction_id", reqctx.TransactionIDFrom(ctx),
			"error", err,
		)
		return pipeline.Respond(exchange.NewInternalServerError(err))
	}

	if !identity.HasAllRoles(f.roles...) {
		f.logger.Debug("identity lacks required roles",
			"transaction_id", reqctx.TransactionIDFrom(ctx),
			"identity", identity.ID,
		)
		return pipeline.Respond(exchange.NewResponse(exchange.StatusForbidden))
	}

	req.Headers.Del(f.header)
	return next.Handle(reqctx.Extend(ctx, ContextName, identity), req)
}

func (f *APIKeyFilter) unauthorized() *exchange.Response {
	resp := exchange.NewResponse(exchange.StatusUnauthorized)
	resp.Headers.Set("WWW-Authenticate", fmt.Sprintf("ApiKey header=%q", f.header))
	return resp
}

// IdentityFrom returns the identity authenticated upstream of ctx.
func IdentityFrom(ctx *reqctx.Context) (*Identity, bool) {
	return reqctx.Find[*Identity](ctx)
}
