package httpclient

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// Upstream describes where a ReverseProxyHandler forwards requests.
type Upstream struct {
	// URL is the target base, e.g. "https://api.example.com/v1".
	URL string
	// PathPrefix is removed from the request path when StripPrefix is set.
	PathPrefix  string
	StripPrefix bool
	// Headers are set on every forwarded request, replacing existing values.
	Headers map[string]string
}

// ReverseProxyHandler rewrites requests onto an upstream and forwards them
// through a client handler.
type ReverseProxyHandler struct {
	base     *url.URL
	upstream Upstream
	client   pipeline.Handler
}

var _ pipeline.Handler = (*ReverseProxyHandler)(nil)

// NewReverseProxyHandler validates upstream and returns the handler.
func NewReverseProxyHandler(upstream Upstream, client pipeline.Handler) (*ReverseProxyHandler, error) {
	if client == nil {
		return nil, &pipeline.ConfigError{Component: "reverse proxy client", Err: pipeline.ErrNilComponent}
	}
	base, err := url.Parse(upstream.URL)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return nil, &pipeline.ConfigError{
			Component: "reverse proxy upstream",
			Err:       fmt.Errorf("%q is not an absolute http url", upstream.URL),
		}
	}
	return &ReverseProxyHandler{base: base, upstream: upstream, client: client}, nil
}

// Handle forwards a copy of req to the upstream.
func (h *ReverseProxyHandler) Handle(ctx *reqctx.Context, req *exchange.Request) *pipeline.ResponsePromise {
	out := req.Copy()

	path := "/"
	rawQuery := ""
	inboundHost := ""
	secure := false
	if req.URI != nil {
		path = req.URI.Path
		rawQuery = req.URI.RawQuery
		inboundHost = req.URI.Host
		secure = req.URI.Scheme == "https"
	}
	if h.upstream.StripPrefix {
		path = strings.TrimPrefix(path, strings.TrimSuffix(h.upstream.PathPrefix, "/"))
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	target := *h.base
	target.Path = strings.TrimRight(h.base.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	out.URI = &target

	for key, value := range h.upstream.Headers {
		out.Headers.Set(key, value)
	}

	if client, ok := reqctx.ClientFrom(ctx); ok {
		if client.RemoteAddress != "" {
			if prior := out.Headers.Get("X-Forwarded-For"); prior != "" {
				out.Headers.Set("X-Forwarded-For", prior+", "+client.RemoteAddress)
			} else {
				out.Headers.Set("X-Forwarded-For", client.RemoteAddress)
			}
		}
		secure = secure || client.Secure
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	out.Headers.Set("X-Forwarded-Proto", scheme)
	if inboundHost != "" {
		out.Headers.Set("X-Forwarded-Host", inboundHost)
	}
	out.Headers.Del("Host")

	return h.client.Handle(ctx, out)
}
