// Package httpclient sends pipeline requests over HTTP.
//
// ClientHandler is the terminal handler used by scripts and by the reverse
// proxy: it performs the round trip on its own goroutine and resolves the
// returned promise with the buffered response. Transport failures become
// 502 Bad Gateway responses carrying the error as their cause.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

const (
	// DefaultTimeout bounds a single round trip.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes bounds buffered response bodies.
	DefaultMaxBodyBytes int64 = 10 << 20
)

// ErrBodyTooLarge is the cause attached when a response body exceeds the limit.
var ErrBodyTooLarge = errors.New("upstream response body too large")

// hopByHopHeaders are meaningful only for a single connection and are not
// forwarded (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ClientHandler performs outbound HTTP requests asynchronously.
type ClientHandler struct {
	client  *http.Client
	maxBody int64
	logger  *slog.Logger
}

var _ pipeline.Handler = (*ClientHandler)(nil)

// Option configures a ClientHandler.
type Option func(*ClientHandler)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *ClientHandler) { h.client.Timeout = d }
}

// WithMaxBodyBytes sets the response body limit.
func WithMaxBodyBytes(n int64) Option {
	return func(h *ClientHandler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithPrivateNetworkBlocking refuses connections to loopback, private and
// link-local addresses, checked after DNS resolution.
func WithPrivateNetworkBlocking() Option {
	return func(h *ClientHandler) {
		h.client.Transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         safeDialContext(),
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
}

// WithTransport replaces the round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *ClientHandler) { h.client.Transport = rt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *ClientHandler) { h.logger = logger }
}

// NewClientHandler creates a handler that does not follow redirects.
func NewClientHandler(opts ...Option) *ClientHandler {
	h := &ClientHandler{
		client: &http.Client{
			Timeout: DefaultTimeout,
			// Redirects are passed through to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle sends req and returns a promise of the upstream response. req must
// carry an absolute URI.
func (h *ClientHandler) Handle(ctx *reqctx.Context, req *exchange.Request) *pipeline.ResponsePromise {
	if req.URI == nil || !req.URI.IsAbs() {
		return pipeline.Respond(exchange.NewInternalServerError(fmt.Errorf("outbound request needs an absolute uri, got %v", req.URI)))
	}
	outReq, err := http.NewRequestWithContext(ctx.Std(), req.Method, req.URI.String(), req.Entity.Reader())
	if err != nil {
		return pipeline.Respond(exchange.NewInternalServerError(fmt.Errorf("building outbound request: %w", err)))
	}
	outReq.Header = req.Headers.Clone()
	if outReq.Header == nil {
		outReq.Header = make(http.Header)
	}
	for _, name := range hopByHopHeaders {
		outReq.Header.Del(name)
	}
	outReq.ContentLength = int64(req.Entity.Len())
	if host := outReq.Header.Get("Host"); host != "" {
		outReq.Host = host
		outReq.Header.Del("Host")
	}

	p := pipeline.Pending()
	txID := reqctx.TransactionIDFrom(ctx)
	go func() {
		p.Resolve(h.roundTrip(outReq, txID))
	}()
	return p
}

func (h *ClientHandler) roundTrip(outReq *http.Request, txID string) *exchange.Response {
	resp, err := h.client.Do(outReq)
	if err != nil {
		h.logger.Warn("upstream request failed",
			"transaction_id", txID,
			"url", outReq.URL.Redacted(),
			"error", err,
		)
		return exchange.NewResponse(exchange.StatusBadGateway).
			SetCause(fmt.Errorf("%s %s: %w", outReq.Method, outReq.URL.Redacted(), err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return exchange.NewResponse(exchange.StatusBadGateway).
			SetCause(fmt.Errorf("reading upstream response: %w", err))
	}
	if int64(len(body)) > h.maxBody {
		return exchange.NewResponse(exchange.StatusBadGateway).SetCause(ErrBodyTooLarge)
	}

	out := exchange.NewResponse(exchange.NewStatus(resp.StatusCode))
	out.Headers = resp.Header.Clone()
	for _, name := range hopByHopHeaders {
		out.Headers.Del(name)
	}
	out.Headers.Del("Content-Length")
	out.Entity.SetBytes(body)
	return out
}
