package http

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/filtergate/internal/ctxkey"
	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// TransactionIDHeader carries an upstream transaction id when trusted.
const TransactionIDHeader = "X-Transaction-ID"

// defaultMaxRequestBody is the maximum buffered request body (10 MB).
const defaultMaxRequestBody = 10 << 20

// GatewayHandler adapts the pipeline to net/http.
type GatewayHandler struct {
	pipeline         pipeline.Handler
	time             clock.TimeService
	maxBody          int64
	trustTransaction bool
	logger           *slog.Logger
}

var _ http.Handler = (*GatewayHandler)(nil)

// GatewayOption configures a GatewayHandler.
type GatewayOption func(*GatewayHandler)

// WithGatewayClock sets the clock used for the requestAudit context.
func WithGatewayClock(ts clock.TimeService) GatewayOption {
	return func(h *GatewayHandler) {
		if ts != nil {
			h.time = ts
		}
	}
}

// WithMaxRequestBody limits buffered request bodies; larger bodies get 413.
func WithMaxRequestBody(n int64) GatewayOption {
	return func(h *GatewayHandler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithTrustedTransactionID reuses an incoming X-Transaction-ID instead of
// minting a new id.
func WithTrustedTransactionID() GatewayOption {
	return func(h *GatewayHandler) { h.trustTransaction = true }
}

// WithGatewayLogger sets the fallback logger when the request carries none.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(h *GatewayHandler) { h.logger = logger }
}

// NewGatewayHandler wraps p.
func NewGatewayHandler(p pipeline.Handler, opts ...GatewayOption) (*GatewayHandler, error) {
	if p == nil {
		return nil, &pipeline.ConfigError{Component: "gateway pipeline", Err: pipeline.ErrNilComponent}
	}
	h := &GatewayHandler{
		pipeline: p,
		time:     clock.System(),
		maxBody:  defaultMaxRequestBody,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP runs one request through the pipeline and writes its response.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.Debug("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := toExchange(r, body)
	if err != nil {
		http.Error(w, "invalid request uri", http.StatusBadRequest)
		return
	}
	ctx := h.contextChain(r)
	txID := reqctx.TransactionIDFrom(ctx)

	resp, err := h.dispatch(ctx, req, logger).Get(r.Context())
	if err != nil {
		logger.Debug("client went away before the response was ready",
			"transaction_id", txID,
			"error", err,
		)
		return
	}
	if resp == nil {
		resp = exchange.NewInternalServerError(pipeline.ErrNoResponse)
	}
	if resp.Status.Family() == exchange.FamilyServerError && resp.Cause != nil {
		logger.Warn("request failed",
			"transaction_id", txID,
			"status", resp.Status.Code,
			"error", resp.Cause,
		)
	}
	writeResponse(w, resp, logger)
}

// dispatch runs the pipeline, turning an escaped panic into a 500.
func (h *GatewayHandler) dispatch(ctx *reqctx.Context, req *exchange.Request, logger *slog.Logger) (p *pipeline.ResponsePromise) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked",
				"transaction_id", reqctx.TransactionIDFrom(ctx),
				"panic", r,
			)
			p = pipeline.Respond(exchange.NewInternalServerError(fmt.Errorf("pipeline panic: %v", r)))
		}
	}()
	if p = h.pipeline.Handle(ctx, req); p == nil {
		p = pipeline.Respond(exchange.NewInternalServerError(pipeline.ErrNoResponse))
	}
	return p
}

// contextChain builds root, transactionId, client and requestAudit.
func (h *GatewayHandler) contextChain(r *http.Request) *reqctx.Context {
	txID := ""
	if h.trustTransaction {
		txID = r.Header.Get(TransactionIDHeader)
	}
	if txID == "" {
		txID = uuid.NewString()
	}

	ctx := reqctx.NewRoot(r.Context())
	ctx = reqctx.WithTransactionID(ctx, txID)
	ctx = reqctx.WithClient(ctx, clientInfo(r))
	return reqctx.WithRequestAudit(ctx, h.time)
}

func (h *GatewayHandler) requestLogger(r *http.Request) *slog.Logger {
	if logger, ok := r.Context().Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

func clientInfo(r *http.Request) reqctx.ClientInfo {
	info := reqctx.ClientInfo{
		UserAgent: r.UserAgent(),
		Secure:    r.TLS != nil,
	}

	remoteHost, remotePort := splitHostPort(r.RemoteAddr)
	info.RemoteAddress = remoteHost
	info.RemotePort = remotePort
	if ip, ok := ClientIPFromContext(r.Context()); ok && ip != "" {
		info.RemoteAddress = ip
	}

	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		info.LocalAddress, info.LocalPort = splitHostPort(addr.String())
	}
	info.LocalName, _ = splitHostPort(r.Host)
	if info.LocalName == "" {
		info.LocalName = r.Host
	}
	return info
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// toExchange converts r into an absolute-URI exchange request.
func toExchange(r *http.Request, body []byte) (*exchange.Request, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req, err := exchange.NewRequest(r.Method, scheme+"://"+r.Host+r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	req.Version = r.Proto
	req.Headers = r.Header.Clone()
	req.Entity.SetBytes(body)
	return req, nil
}

func writeResponse(w http.ResponseWriter, resp *exchange.Response, logger *slog.Logger) {
	header := w.Header()
	for name, values := range resp.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Del("Content-Length")
	header.Set("Content-Length", strconv.Itoa(resp.Entity.Len()))
	code := resp.Status.Code
	if code < 100 || code > 999 {
		code = http.StatusInternalServerError
	}
	w.WriteHeader(code)
	if _, err := w.Write(resp.Entity.Bytes()); err != nil {
		logger.Debug("error writing response body", "error", err)
	}
}
