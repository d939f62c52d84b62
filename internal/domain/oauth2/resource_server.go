package oauth2

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// ContextName names the context node carrying the validated token.
const ContextName = "oauth2"

// Bearer challenge error codes.
const (
	ErrorInvalidRequest    = "invalid_request"
	ErrorInvalidToken      = "invalid_token"
	ErrorInsufficientScope = "insufficient_scope"
)

// ResourceServerFilter admits requests carrying a valid bearer token with
// every required scope. The token is added to the context chain for later
// stages; see TokenFrom.
type ResourceServerFilter struct {
	resolver TokenResolver
	time     clock.TimeService
	realm    string
	scopes   []string
	logger   *slog.Logger
}

var _ pipeline.Filter = (*ResourceServerFilter)(nil)

// ResourceServerOption configures a ResourceServerFilter.
type ResourceServerOption func(*ResourceServerFilter)

// WithRealm sets the realm advertised in challenges.
func WithRealm(realm string) ResourceServerOption {
	return func(f *ResourceServerFilter) { f.realm = realm }
}

// WithRequiredScopes sets the scopes every token must carry.
func WithRequiredScopes(scopes ...string) ResourceServerOption {
	return func(f *ResourceServerFilter) { f.scopes = append([]string(nil), scopes...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResourceServerOption {
	return func(f *ResourceServerFilter) { f.logger = logger }
}

// NewResourceServerFilter returns a filter validating tokens with resolver.
func NewResourceServerFilter(resolver TokenResolver, ts clock.TimeService, opts ...ResourceServerOption) (*ResourceServerFilter, error) {
	if resolver == nil {
		return nil, &pipeline.ConfigError{Component: "token resolver", Err: pipeline.ErrNilComponent}
	}
	if ts == nil {
		return nil, &pipeline.ConfigError{Component: "resource server time service", Err: pipeline.ErrNilComponent}
	}
	f := &ResourceServerFilter{
		resolver: resolver,
		time:     ts,
		realm:    "filtergate",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Filter enforces the bearer token.
func (f *ResourceServerFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler) *pipeline.ResponsePromise {
	values := req.Headers.Values("Authorization")
	if len(values) > 1 {
		return pipeline.Respond(f.challenge(exchange.StatusBadRequest, ErrorInvalidRequest, "multiple Authorization headers"))
	}
	token, ok := bearerToken(values)
	if !ok {
		return pipeline.Respond(f.challenge(exchange.StatusUnauthorized, "", ""))
	}

	p := f.resolver.Resolve(ctx, token)
	if p == nil {
		return pipeline.Respond(exchange.NewInternalServerError(pipeline.ErrNoResponse))
	}
	return promise.ThenAsync(p,
		func(tok *AccessToken) *pipeline.ResponsePromise {
			if tok.IsExpired(f.time.Now()) {
				return pipeline.Respond(f.challenge(exchange.StatusUnauthorized, ErrorInvalidToken, "the access token expired"))
			}
			if ok, missing := tok.HasScopes(f.scopes); !ok {
				f.logger.Debug("token lacks required scopes",
					"transaction_id", reqctx.TransactionIDFrom(ctx),
					"missing", missing,
				)
				return pipeline.Respond(f.challenge(exchange.StatusForbidden, ErrorInsufficientScope, "the access token lacks required scopes"))
			}
			return next.Handle(reqctx.Extend(ctx, ContextName, tok), req)
		},
		func(err error) *pipeline.ResponsePromise {
			if errors.Is(err, ErrInvalidToken) {
				f.logger.Debug("bearer token rejected",
					"transaction_id", reqctx.TransactionIDFrom(ctx),
					"error", err,
				)
				return pipeline.Respond(f.challenge(exchange.StatusUnauthorized, ErrorInvalidToken, "the access token is invalid"))
			}
			f.logger.Error("token resolution failed",
				"transaction_id", reqctx.TransactionIDFrom(ctx),
				"error", err,
			)
			return pipeline.Respond(exchange.NewInternalServerError(err))
		},
	)
}

// challenge builds an error response with a Bearer WWW-Authenticate header.
func (f *ResourceServerFilter) challenge(status exchange.Status, code, description string) *exchange.Response {
	var b strings.Builder
	fmt.Fprintf(&b, "Bearer realm=%q", f.realm)
	if code == ErrorInsufficientScope && len(f.scopes) > 0 {
		fmt.Fprintf(&b, ", scope=%q", strings.Join(f.scopes, " "))
	}
	if code != "" {
		fmt.Fprintf(&b, ", error=%q", code)
	}
	if description != "" {
		fmt.Fprintf(&b, ", error_description=%q", description)
	}
	resp := exchange.NewResponse(status)
	resp.Headers.Set("WWW-Authenticate", b.String())
	return resp
}

func bearerToken(values []string) (string, bool) {
	if len(values) != 1 {
		return "", false
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// TokenFrom returns the token validated by a ResourceServerFilter upstream of
// ctx.
func TokenFrom(ctx *reqctx.Context) (*AccessToken, bool) {
	return reqctx.Find[*AccessToken](ctx)
}
