package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	auditfile "github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/httpclient"
	"github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/script"
	"github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/telemetry"
	"github.com/Sentinel-Gate/filtergate/internal/config"
	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/domain/auth"
	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/oauth2"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/ratelimit"
)

// Gateway is the assembled request pipeline together with the components
// whose lifecycle its owner drives: Start once before serving, Close once
// after.
type Gateway struct {
	pipeline  pipeline.Handler
	router    *pipeline.Router
	audit     *AuditService
	store     audit.AuditStore
	query     audit.QueryStore
	limiter   *memory.RateLimiter
	telemetry *telemetry.Provider
	closers   []io.Closer
	logger    *slog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// BuildOption customizes BuildGateway.
type BuildOption func(*buildOptions)

type buildOptions struct {
	time            clock.TimeService
	funcs           map[string]script.ScriptFunc
	metrics         AuditMetrics
	transport       http.RoundTripper
	auditWriter     io.Writer
	telemetryWriter io.Writer
}

// WithGatewayClock sets the time service shared by every stage.
func WithGatewayClock(ts clock.TimeService) BuildOption {
	return func(o *buildOptions) { o.time = ts }
}

// WithScriptFuncs registers the Go functions scripts of type
// application/x-go-func may name.
func WithScriptFuncs(funcs map[string]script.ScriptFunc) BuildOption {
	return func(o *buildOptions) { o.funcs = funcs }
}

// WithGatewayAuditMetrics reports audit submissions and drops to m.
func WithGatewayAuditMetrics(m AuditMetrics) BuildOption {
	return func(o *buildOptions) { o.metrics = m }
}

// WithOutboundTransport replaces the round tripper used by proxy routes,
// scripts and token introspection.
func WithOutboundTransport(rt http.RoundTripper) BuildOption {
	return func(o *buildOptions) { o.transport = rt }
}

// WithAuditWriter replaces os.Stdout for the "stdout" audit output.
func WithAuditWriter(w io.Writer) BuildOption {
	return func(o *buildOptions) { o.auditWriter = w }
}

// WithTelemetryWriter replaces the configured telemetry output.
func WithTelemetryWriter(w io.Writer) BuildOption {
	return func(o *buildOptions) { o.telemetryWriter = w }
}

// BuildGateway wires cfg into a Gateway. cfg must have been validated.
// Every construction problem is reported here; nothing is deferred to the
// first request.
func BuildGateway(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger, opts ...BuildOption) (*Gateway, error) {
	if cfg == nil {
		return nil, &pipeline.ConfigError{Component: "gateway config", Err: pipeline.ErrNilComponent}
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions{time: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{logger: logger}
	if err := g.build(ctx, cfg, o); err != nil {
		if g.telemetry != nil {
			_ = g.telemetry.Shutdown(ctx)
		}
		_ = g.closeResources()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) build(ctx context.Context, cfg *config.GatewayConfig, o buildOptions) error {
	if err := g.openAuditStore(ctx, cfg.Audit, o.auditWriter); err != nil {
		return err
	}

	auditOpts := []AuditOption{
		WithChannelSize(cfg.Audit.ChannelSize),
		WithBatchSize(cfg.Audit.BatchSize),
		WithFlushInterval(config.ParseDuration(cfg.Audit.FlushInterval)),
		WithSendTimeout(config.ParseDuration(cfg.Audit.SendTimeout)),
		WithWarningThreshold(cfg.Audit.WarningThreshold),
		WithAuditClock(o.time),
	}
	if o.metrics != nil {
		auditOpts = append(auditOpts, WithAuditMetrics(o.metrics))
	}
	g.audit = NewAuditService(g.store, g.logger, auditOpts...)

	if cfg.Telemetry.Enabled {
		if err := g.setupTelemetry(ctx, cfg.Telemetry, o.telemetryWriter); err != nil {
			return err
		}
	}

	g.limiter = memory.NewRateLimiterWithConfig(o.time,
		config.ParseDuration(cfg.RateLimit.CleanupInterval),
		config.ParseDuration(cfg.RateLimit.MaxTTL),
	)

	rb := &routeBuilder{
		cfg:     cfg,
		opts:    o,
		logger:  g.logger,
		limiter: g.limiter,
		tel:     g.telemetry,
	}
	routes := make([]pipeline.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		h, err := rb.route(rc)
		if err != nil {
			return fmt.Errorf("route %s: %w", rc.Name, err)
		}
		routes = append(routes, pipeline.Route{Name: rc.Name, Prefix: rc.PathPrefix, Handler: h})
	}
	router, err := pipeline.NewRouter(routes...)
	if err != nil {
		return err
	}
	g.router = router

	auditFilterOpts := []pipeline.AccessAuditOption{pipeline.WithAuditLogger(g.logger)}
	if cfg.Audit.RecordHeaders {
		auditFilterOpts = append(auditFilterOpts, pipeline.WithRequestHeaders(keyHeaders(cfg)...))
	}
	accessAudit, err := pipeline.NewAccessAuditFilter(g.audit, o.time, auditFilterOpts...)
	if err != nil {
		return err
	}

	// The access audit filter wraps the router so unmatched requests are
	// audited too.
	chain, err := pipeline.NewChain(router, accessAudit)
	if err != nil {
		return err
	}
	g.pipeline = chain
	return nil
}

// openAuditStore selects the store named by the audit output URI.
func (g *Gateway) openAuditStore(ctx context.Context, cfg config.AuditConfig, stdout io.Writer) error {
	switch {
	case cfg.Output == "stdout":
		if stdout == nil {
			stdout = os.Stdout
		}
		store := memory.NewAuditStoreWithWriter(stdout, cfg.BufferSize)
		g.store, g.query = store, store

	case strings.HasPrefix(cfg.Output, "file://"):
		path := strings.TrimPrefix(cfg.Output, "file://")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		store := memory.NewAuditStoreWithWriter(f, cfg.BufferSize)
		g.store, g.query = store, store

	case strings.HasPrefix(cfg.Output, "dir://"):
		store, err := auditfile.NewDirStore(auditfile.DirConfig{
			Dir:           strings.TrimPrefix(cfg.Output, "dir://"),
			RetentionDays: cfg.RetentionDays,
			MaxFileSizeMB: cfg.MaxFileSizeMB,
			CacheSize:     cfg.BufferSize,
		}, g.logger)
		if err != nil {
			return err
		}
		g.store, g.query = store, store

	case strings.HasPrefix(cfg.Output, "sqlite://"):
		store, err := sqlite.Open(ctx, strings.TrimPrefix(cfg.Output, "sqlite://"))
		if err != nil {
			return err
		}
		g.store, g.query = store, store

	default:
		return fmt.Errorf("unsupported audit output %q", cfg.Output)
	}
	return nil
}

func (g *Gateway) setupTelemetry(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) error {
	if w == nil {
		switch {
		case cfg.Output == "stdout":
			w = os.Stdout
		case strings.HasPrefix(cfg.Output, "file://"):
			f, err := os.OpenFile(strings.TrimPrefix(cfg.Output, "file://"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("open telemetry file: %w", err)
			}
			g.closers = append(g.closers, f)
			w = f
		default:
			w = os.Stderr
		}
	}
	p, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		Output:         w,
		SampleRatio:    cfg.SampleRatio,
		MetricInterval: config.ParseDuration(cfg.MetricInterval),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	g.telemetry = p
	return nil
}

// Start launches the audit worker and the limiter sweep. They run until
// Close.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.audit.Start(ctx)
	g.limiter.StartCleanup(ctx)
	g.logger.Info("gateway started", "routes", len(g.router.Routes()))
}

// Close flushes pending audit events and releases every resource. Safe to
// call more than once.
func (g *Gateway) Close(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		// Stop the audit service before cancelling so pending events are
		// written by the running worker.
		g.audit.Stop()
		if g.cancel != nil {
			g.cancel()
		}
		g.limiter.Stop()

		var errs []error
		if g.store != nil {
			if ferr := g.store.Flush(ctx); ferr != nil {
				errs = append(errs, fmt.Errorf("flush audit store: %w", ferr))
			}
		}
		if g.telemetry != nil {
			if terr := g.telemetry.Shutdown(ctx); terr != nil {
				errs = append(errs, fmt.Errorf("telemetry shutdown: %w", terr))
			}
		}
		if cerr := g.closeResources(); cerr != nil {
			errs = append(errs, cerr)
		}
		err = errors.Join(errs...)
	})
	return err
}

// closeResources closes the audit store and any opened files.
func (g *Gateway) closeResources() error {
	var errs []error
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
		g.store = nil
	}
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

// Pipeline returns the handler serving every request.
func (g *Gateway) Pipeline() pipeline.Handler { return g.pipeline }

// Routes returns the number of configured routes.
func (g *Gateway) Routes() int { return len(g.router.Routes()) }

// AuditService returns the audit sink.
func (g *Gateway) AuditService() *AuditService { return g.audit }

// AuditQuery returns the store backing /admin/api/audit.
func (g *Gateway) AuditQuery() audit.QueryStore { return g.query }

// RateLimiter returns the limiter shared by rate_limit filters.
func (g *Gateway) RateLimiter() *memory.RateLimiter { return g.limiter }

// routeBuilder turns route configuration into handlers. Components that
// hold state across requests (API key service, token resolver, outbound
// client) are created once and shared between routes.
type routeBuilder struct {
	cfg     *config.GatewayConfig
	opts    buildOptions
	logger  *slog.Logger
	limiter *memory.RateLimiter
	tel     *telemetry.Provider

	client   *httpclient.ClientHandler
	apiKeys  *auth.APIKeyService
	resolver *oauth2.TokenInfoResolver
}

func (b *routeBuilder) route(rc config.RouteConfig) (pipeline.Handler, error) {
	terminal, err := b.handler(rc)
	if err != nil {
		return nil, err
	}

	filters := make([]pipeline.Filter, 0, len(rc.Filters)+1)
	if b.tel != nil {
		tf, err := telemetry.NewTracingFilter(rc.Name, b.tel.TracerProvider(), b.tel.MeterProvider())
		if err != nil {
			return nil, err
		}
		filters = append(filters, tf)
	}
	for i, fc := range rc.Filters {
		f, err := b.filter(rc, fc)
		if err != nil {
			return nil, fmt.Errorf("filters[%d] (%s): %w", i, fc.Type, err)
		}
		filters = append(filters, f)
	}
	return pipeline.NewChain(terminal, filters...)
}

func (b *routeBuilder) handler(rc config.RouteConfig) (pipeline.Handler, error) {
	hc := rc.Handler
	switch hc.Type {
	case config.HandlerStatic:
		return pipeline.NewStaticHandler(exchange.NewStatus(hc.Status), config.HeaderMap(hc.Headers), hc.Body), nil

	case config.HandlerProxy:
		if hc.Upstream == nil {
			return nil, &pipeline.ConfigError{Component: "proxy upstream", Err: pipeline.ErrNilComponent}
		}
		client := b.newClient(config.ParseDuration(hc.Upstream.Timeout), hc.Upstream.BlockPrivateNetworks)
		return httpclient.NewReverseProxyHandler(httpclient.Upstream{
			URL:         hc.Upstream.URL,
			PathPrefix:  rc.PathPrefix,
			StripPrefix: hc.Upstream.StripPrefix,
			Headers:     canonicalHeaders(hc.Upstream.Headers),
		}, client)

	case config.HandlerScript:
		s, err := b.script(rc.Name, hc.Script)
		if err != nil {
			return nil, err
		}
		return script.NewScriptableHandler(s)

	default:
		return nil, fmt.Errorf("unknown handler type %q", hc.Type)
	}
}

// keyHeaders lists the custom API key headers configured on any route.
func keyHeaders(cfg *config.GatewayConfig) []string {
	var headers []string
	for _, rc := range cfg.Routes {
		for _, fc := range rc.Filters {
			if fc.Type == config.FilterAPIKey && fc.KeyHeader != "" {
				headers = append(headers, fc.KeyHeader)
			}
		}
	}
	return headers
}

func (b *routeBuilder) filter(rc config.RouteConfig, fc config.FilterConfig) (pipeline.Filter, error) {
	switch fc.Type {
	case config.FilterAPIKey:
		opts := []auth.FilterOption{auth.WithFilterLogger(b.logger)}
		if len(fc.Roles) > 0 {
			opts = append(opts, auth.WithRequiredRoles(fc.Roles...))
		}
		if fc.KeyHeader != "" {
			opts = append(opts, auth.WithKeyHeader(fc.KeyHeader))
		}
		return auth.NewAPIKeyFilter(b.apiKeyService(), opts...)

	case config.FilterOAuth2:
		resolver, err := b.tokenResolver()
		if err != nil {
			return nil, err
		}
		return oauth2.NewResourceServerFilter(resolver, b.opts.time,
			oauth2.WithRealm(b.cfg.OAuth2.Realm),
			oauth2.WithRequiredScopes(fc.Scopes...),
			oauth2.WithLogger(b.logger),
		)

	case config.FilterRateLimit:
		keyType := ratelimit.KeyTypeIP
		if fc.Key == string(ratelimit.KeyTypeIdentity) {
			keyType = ratelimit.KeyTypeIdentity
		}
		return ratelimit.NewFilter(b.limiter, ratelimit.Config{
			Rate:   fc.Rate,
			Burst:  fc.Burst,
			Period: config.ParseDuration(fc.Period),
		}, ratelimit.WithKeyType(keyType), ratelimit.WithLogger(b.logger))

	case config.FilterTimeout:
		return pipeline.NewTimeoutFilter(config.ParseDuration(fc.Timeout))

	case config.FilterCache:
		return pipeline.NewCacheFilter(config.ParseDuration(fc.TTL), b.opts.time, pipeline.WithMaxEntries(fc.MaxEntries))

	case config.FilterRetry:
		return pipeline.NewRetryFilter(fc.Attempts)

	case config.FilterHeader:
		return &pipeline.HeaderFilter{
			RequestRemove:  fc.Request.Remove,
			RequestAdd:     config.HeaderMap(fc.Request.Add),
			ResponseRemove: fc.Response.Remove,
			ResponseAdd:    config.HeaderMap(fc.Response.Add),
		}, nil

	case config.FilterScript:
		s, err := b.script(rc.Name, fc.Script)
		if err != nil {
			return nil, err
		}
		return script.NewScriptableFilter(s)

	default:
		return nil, fmt.Errorf("unknown filter type %q", fc.Type)
	}
}

func (b *routeBuilder) script(name string, sc *config.ScriptConfig) (*script.Script, error) {
	if sc == nil {
		return nil, &pipeline.ConfigError{Component: "script", Err: pipeline.ErrNilComponent}
	}
	return script.New(script.Config{
		Type:   sc.Type,
		Source: sc.Source,
		File:   sc.File,
		Args:   sc.Args,
	},
		script.WithName(name),
		script.WithDir(b.cfg.ScriptDir),
		script.WithLogger(b.logger.With("script", name)),
		script.WithHTTPClient(b.sharedClient()),
		script.WithFuncs(b.opts.funcs),
	)
}

// sharedClient is the outbound client bound to scripts.
func (b *routeBuilder) sharedClient() *httpclient.ClientHandler {
	if b.client == nil {
		b.client = b.newClient(httpclient.DefaultTimeout, false)
	}
	return b.client
}

func (b *routeBuilder) newClient(timeout time.Duration, blockPrivate bool) *httpclient.ClientHandler {
	opts := []httpclient.Option{httpclient.WithLogger(b.logger)}
	if timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(timeout))
	}
	if blockPrivate {
		opts = append(opts, httpclient.WithPrivateNetworkBlocking())
	}
	if b.opts.transport != nil {
		opts = append(opts, httpclient.WithTransport(b.opts.transport))
	}
	return httpclient.NewClientHandler(opts...)
}

// apiKeyService seeds an in-memory key store from the auth section.
func (b *routeBuilder) apiKeyService() *auth.APIKeyService {
	if b.apiKeys != nil {
		return b.apiKeys
	}
	store := memory.NewKeyStore()
	for _, ic := range b.cfg.Auth.Identities {
		store.AddIdentity(&auth.Identity{ID: ic.ID, Name: ic.Name, Roles: ic.Roles})
	}
	for _, kc := range b.cfg.Auth.APIKeys {
		// SHA-256 keys are stored bare so Validate finds them by lookup.
		key := strings.TrimPrefix(kc.KeyHash, "sha256:")
		store.AddKey(&auth.APIKey{Key: key, IdentityID: kc.IdentityID, Name: kc.Name})
	}
	b.apiKeys = auth.NewAPIKeyService(store, b.opts.time)
	return b.apiKeys
}

func (b *routeBuilder) tokenResolver() (*oauth2.TokenInfoResolver, error) {
	if b.resolver != nil {
		return b.resolver, nil
	}
	client := b.newClient(config.ParseDuration(b.cfg.OAuth2.Timeout), false)
	r, err := oauth2.NewTokenInfoResolver(client, b.cfg.OAuth2.TokenInfoURL, oauth2.NewBuilder(b.opts.time))
	if err != nil {
		return nil, err
	}
	b.resolver = r
	return r, nil
}

// canonicalHeaders re-cases header names that Viper lowercased.
func canonicalHeaders(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}
