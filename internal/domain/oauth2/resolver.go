package oauth2

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// TokenResolver turns a raw bearer token into a validated AccessToken.
// Failures matching ErrInvalidToken mean the token itself was rejected; any
// other failure means the resolver could not decide.
type TokenResolver interface {
	Resolve(ctx *reqctx.Context, token string) *promise.Promise[*AccessToken, error]
}

// TokenResolverFunc adapts an ordinary function to a TokenResolver.
type TokenResolverFunc func(ctx *reqctx.Context, token string) *promise.Promise[*AccessToken, error]

// Resolve calls f(ctx, token).
func (f TokenResolverFunc) Resolve(ctx *reqctx.Context, token string) *promise.Promise[*AccessToken, error] {
	return f(ctx, token)
}

// TokenInfoResolver asks a tokeninfo endpoint about a token, passing it as the
// access_token query parameter, and builds the token from the JSON answer.
type TokenInfoResolver struct {
	client   pipeline.Handler
	endpoint *url.URL
	builder  *Builder
}

var (
	_ TokenResolver = (*TokenInfoResolver)(nil)
	_ TokenResolver = TokenResolverFunc(nil)
)

// NewTokenInfoResolver returns a resolver querying endpoint through client.
func NewTokenInfoResolver(client pipeline.Handler, endpoint string, builder *Builder) (*TokenInfoResolver, error) {
	if client == nil {
		return nil, &pipeline.ConfigError{Component: "tokeninfo client", Err: pipeline.ErrNilComponent}
	}
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() {
		return nil, &pipeline.ConfigError{Component: "tokeninfo endpoint", Err: fmt.Errorf("invalid URL %q", endpoint)}
	}
	if builder == nil {
		builder = NewBuilder(nil)
	}
	return &TokenInfoResolver{client: client, endpoint: u, builder: builder}, nil
}

// Resolve queries the endpoint for token.
func (r *TokenInfoResolver) Resolve(ctx *reqctx.Context, token string) *promise.Promise[*AccessToken, error] {
	u := *r.endpoint
	q := u.Query()
	q.Set(FieldAccessToken, token)
	u.RawQuery = q.Encode()

	req, err := exchange.NewRequest("GET", u.String())
	if err != nil {
		return promise.Failed[*AccessToken, error](err)
	}
	req.Headers.Set("Accept", "application/json")

	p := r.client.Handle(ctx, req)
	if p == nil {
		return promise.Failed[*AccessToken, error](pipeline.ErrNoResponse)
	}
	return promise.Then(p, r.fromResponse, promise.NoopExceptionFunc[*AccessToken, error]())
}

func (r *TokenInfoResolver) fromResponse(resp *exchange.Response) (*AccessToken, error) {
	if resp == nil {
		return nil, pipeline.ErrNoResponse
	}
	switch resp.Status.Family() {
	case exchange.FamilySuccessful:
	case exchange.FamilyClientError:
		return nil, &AccessTokenError{
			Field:  "token",
			Reason: fmt.Sprintf("was rejected by the tokeninfo endpoint (%d)", resp.Status.Code),
		}
	default:
		err := fmt.Errorf("tokeninfo endpoint answered %s", resp.Status)
		if resp.Cause != nil {
			err = fmt.Errorf("%w: %w", err, resp.Cause)
		}
		return nil, err
	}

	var info map[string]any
	if err := json.Unmarshal(resp.Entity.Bytes(), &info); err != nil || info == nil {
		return nil, &AccessTokenError{Field: "token info", Reason: "is not a JSON object"}
	}
	return r.builder.Build(info)
}
