package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
)

// HTTPTransport is the inbound adapter serving the gateway pipeline and the
// operational endpoints.
type HTTPTransport struct {
	pipeline          pipeline.Handler
	server            *http.Server
	addr              string
	allowedOrigins    []string
	trustProxyHeaders bool
	certFile          string
	keyFile           string
	logger            *slog.Logger
	registry          *prometheus.Registry
	metrics           *Metrics
	healthChecker     *HealthChecker
	auditStore        audit.QueryStore
	adminToken        string
	gatewayOpts       []GatewayOption
	listening         chan net.Addr
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked.
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithTrustProxyHeaders takes the client address from X-Forwarded-For or
// X-Real-IP.
func WithTrustProxyHeaders(trust bool) Option {
	return func(t *HTTPTransport) {
		t.trustProxyHeaders = trust
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithMetrics uses reg and m instead of creating them. Metrics must be
// registered with reg.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithAuditQuery enables /admin/api/audit over store, guarded by token
// when it is non-empty.
func WithAuditQuery(store audit.QueryStore, token string) Option {
	return func(t *HTTPTransport) {
		t.auditStore = store
		t.adminToken = token
	}
}

// WithGatewayOptions passes options to the GatewayHandler.
func WithGatewayOptions(opts ...GatewayOption) Option {
	return func(t *HTTPTransport) {
		t.gatewayOpts = append(t.gatewayOpts, opts...)
	}
}

// NewHTTPTransport creates an HTTP transport serving p.
func NewHTTPTransport(p pipeline.Handler, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		pipeline:       p,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
		listening:      make(chan net.Addr, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = NewRegistry()
		t.metrics = NewMetrics(t.registry)
	}
	return t
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Metrics returns the transport's metrics.
func (t *HTTPTransport) Metrics() *Metrics { return t.metrics }

// Handler builds the routed handler served by Start.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	gw, err := NewGatewayHandler(t.pipeline, append([]GatewayOption{WithGatewayLogger(t.logger)}, t.gatewayOpts...)...)
	if err != nil {
		return nil, err
	}

	// Middleware order (outermost first): Metrics, RequestID, RealIP,
	// DNSRebinding, gateway.
	var gateway http.Handler = gw
	gateway = DNSRebindingProtection(t.allowedOrigins)(gateway)
	gateway = RealIPMiddleware(t.trustProxyHeaders)(gateway)
	gateway = RequestIDMiddleware(t.logger)(gateway)
	gateway = MetricsMiddleware(t.metrics)(gateway)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	metricsHandler := promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	})
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.healthChecker != nil && t.healthChecker.rateLimiter != nil {
			t.metrics.RateLimitKeys.Set(float64(t.healthChecker.rateLimiter.Size()))
		}
		metricsHandler.ServeHTTP(w, r)
	}))
	if t.auditStore != nil {
		mux.Handle("/admin/api/audit", RequestIDMiddleware(t.logger)(NewAuditAPIHandler(t.auditStore, t.adminToken, t.logger)))
	}
	mux.Handle("/", gateway)
	return mux, nil
}

// Start begins accepting connections. It blocks until the context is
// cancelled or the server fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	handler, err := t.Handler()
	if err != nil {
		return err
	}

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.listening <- ln.Addr()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = t.server.ServeTLS(ln, t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = t.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// Listening returns a channel receiving the bound address once Start has
// opened its listener.
func (t *HTTPTransport) Listening() <-chan net.Addr { return t.listening }

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
