// Package config provides configuration types for filtergate.
//
// A configuration declares routes. Each route binds a path prefix to one
// terminal handler (static, proxy or script) behind an ordered list of
// filters. Every request passes the access audit filter before reaching the
// router, so the gateway emits one audit event per request regardless of the
// route it matches.
package config

import (
	"net/http"
	"strings"
	"time"
)

// Handler types.
const (
	HandlerStatic = "static"
	HandlerProxy  = "proxy"
	HandlerScript = "script"
)

// Filter types.
const (
	FilterAPIKey    = "api_key"
	FilterOAuth2    = "oauth2"
	FilterRateLimit = "rate_limit"
	FilterTimeout   = "timeout"
	FilterCache     = "cache"
	FilterRetry     = "retry"
	FilterHeader    = "header"
	FilterScript    = "script"
)

// GatewayConfig is the top-level configuration.
type GatewayConfig struct {
	// Server configures the HTTP listener and operational endpoints.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures the identities and API keys used by api_key filters.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures where access events are stored.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// RateLimit configures the shared limiter behind rate_limit filters.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// OAuth2 configures token introspection for oauth2 filters.
	OAuth2 OAuth2Config `yaml:"oauth2" mapstructure:"oauth2"`

	// Telemetry configures OpenTelemetry tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// ScriptDir resolves relative script files. Defaults to the directory
	// of the configuration file, or "." without one.
	ScriptDir string `yaml:"script_dir" mapstructure:"script_dir"`

	// Routes are tried in order; the first matching prefix wins.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"required,min=1,dive"`

	// DevMode enables debug logging and a catch-all route when none is
	// configured.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// AllowedOrigins lists the browser origins accepted by the gateway.
	// Requests carrying any other Origin header are rejected.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`

	// TrustTransactionID propagates an incoming X-Transaction-ID header
	// instead of generating a fresh transaction id.
	TrustTransactionID bool `yaml:"trust_transaction_id" mapstructure:"trust_transaction_id"`

	// MaxRequestBody caps the request entity in bytes. Defaults to 10 MiB.
	MaxRequestBody int64 `yaml:"max_request_body" mapstructure:"max_request_body" validate:"omitempty,min=1"`

	// AdminToken guards /admin/api/audit. Empty restricts it to loopback
	// clients.
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`
}

// AuthConfig configures file-based identities and API keys.
type AuthConfig struct {
	// Identities defines the known clients.
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// IdentityConfig defines a client identity.
type IdentityConfig struct {
	// ID is the unique identifier for this identity.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable name for this identity.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Roles are checked by api_key filters that require roles.
	Roles []string `yaml:"roles" mapstructure:"roles"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the Argon2id PHC hash produced by "filtergate hash-key",
	// or a SHA-256 hex digest prefixed with "sha256:".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`

	// IdentityID references the identity this key authenticates as.
	// Must match an ID in Auth.Identities.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`

	// Name labels the key in logs.
	Name string `yaml:"name" mapstructure:"name"`
}

// AuditConfig configures access event storage.
type AuditConfig struct {
	// Output specifies where access events are written.
	// Valid values: "stdout", "file:///absolute/path/to/audit.log",
	// "dir:///absolute/path/to/audit/" (daily-rotated files) or
	// "sqlite:///absolute/path/to/audit.db".
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing.
	// Defaults to 100 if not specified or 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending records (e.g., "1s", "500ms").
	// Defaults to "1s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long to block when channel is full (e.g., "100ms", "0").
	// Defaults to "0": a full channel drops the record and the request is
	// never held. A positive value blocks the request goroutine up to that
	// long in exchange for fewer drops.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the percentage (0-100) at which to log warnings.
	// Defaults to 80 if not specified.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// BufferSize is the number of recent events kept in memory for
	// /admin/api/audit when the output is stdout or a file.
	// Defaults to 1000 if not specified or 0.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`

	// RetentionDays is how long dir:// output keeps rotated files.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB rotates a dir:// file once it reaches this size.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// RecordHeaders includes request headers in access events.
	RecordHeaders bool `yaml:"record_headers" mapstructure:"record_headers"`
}

// RateLimitConfig configures the shared limiter store.
type RateLimitConfig struct {
	// CleanupInterval is how often expired limiter entries are removed (e.g., "5m").
	// Defaults to "5m" if not specified.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// MaxTTL is the maximum age of a limiter entry before removal (e.g., "1h").
	// Defaults to "1h" if not specified.
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`
}

// OAuth2Config configures the token introspection endpoint.
type OAuth2Config struct {
	// TokenInfoURL is the tokeninfo endpoint queried with the bearer token.
	TokenInfoURL string `yaml:"tokeninfo_url" mapstructure:"tokeninfo_url" validate:"omitempty,url"`

	// Realm is reported in WWW-Authenticate challenges.
	Realm string `yaml:"realm" mapstructure:"realm"`

	// Timeout bounds the introspection call. Defaults to "10s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled adds a tracing filter to every route.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ServiceName is the service.name resource attribute. Defaults to "filtergate".
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	// Output is "stdout", "stderr" or "file://<absolute-path>". Defaults to "stderr".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,telemetry_output"`

	// SampleRatio is the fraction of new traces recorded. Defaults to 1
	// when absent from the file; 0 is a valid explicit value.
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"min=0,max=1"`

	// MetricInterval is the metric export period. Defaults to "60s".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// RouteConfig binds a path prefix to a handler behind filters.
type RouteConfig struct {
	// Name identifies the route in logs, spans and metrics.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// PathPrefix matches whole path segments: "/api" matches "/api/x" but not "/apix".
	PathPrefix string `yaml:"path_prefix" mapstructure:"path_prefix" validate:"required,startswith=/"`

	// Filters run in order, outermost first.
	Filters []FilterConfig `yaml:"filters" mapstructure:"filters" validate:"omitempty,dive"`

	// Handler produces the response.
	Handler HandlerConfig `yaml:"handler" mapstructure:"handler"`
}

// FilterConfig configures one filter. Which fields apply depends on Type.
type FilterConfig struct {
	// Type selects the filter.
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=api_key oauth2 rate_limit timeout cache retry header script"`

	// Roles required by api_key.
	Roles []string `yaml:"roles,omitempty" mapstructure:"roles"`
	// KeyHeader read by api_key. Defaults to X-API-Key.
	KeyHeader string `yaml:"key_header,omitempty" mapstructure:"key_header"`

	// Scopes required by oauth2.
	Scopes []string `yaml:"scopes,omitempty" mapstructure:"scopes"`

	// Rate, Burst and Period configure rate_limit. Key is "ip" or "identity".
	Rate   int    `yaml:"rate,omitempty" mapstructure:"rate" validate:"omitempty,min=1"`
	Burst  int    `yaml:"burst,omitempty" mapstructure:"burst" validate:"omitempty,min=1"`
	Period string `yaml:"period,omitempty" mapstructure:"period" validate:"omitempty,duration"`
	Key    string `yaml:"key,omitempty" mapstructure:"key" validate:"omitempty,oneof=ip identity"`

	// Timeout configures timeout.
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout" validate:"omitempty,duration"`

	// TTL and MaxEntries configure cache.
	TTL        string `yaml:"ttl,omitempty" mapstructure:"ttl" validate:"omitempty,duration"`
	MaxEntries int    `yaml:"max_entries,omitempty" mapstructure:"max_entries" validate:"omitempty,min=1"`

	// Attempts configures retry.
	Attempts int `yaml:"attempts,omitempty" mapstructure:"attempts" validate:"omitempty,min=1"`

	// Request and Response configure header.
	Request  HeaderEditConfig `yaml:"request,omitempty" mapstructure:"request"`
	Response HeaderEditConfig `yaml:"response,omitempty" mapstructure:"response"`

	// Script configures script.
	Script *ScriptConfig `yaml:"script,omitempty" mapstructure:"script"`
}

// HeaderEditConfig removes then adds headers.
type HeaderEditConfig struct {
	Remove []string          `yaml:"remove,omitempty" mapstructure:"remove"`
	Add    map[string]string `yaml:"add,omitempty" mapstructure:"add"`
}

// HandlerConfig configures a route's terminal handler.
type HandlerConfig struct {
	// Type selects the handler.
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=static proxy script"`

	// Status, Headers and Body configure static. Status defaults to 200.
	Status  int               `yaml:"status,omitempty" mapstructure:"status" validate:"omitempty,min=100,max=599"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
	Body    string            `yaml:"body,omitempty" mapstructure:"body"`

	// Upstream configures proxy.
	Upstream *UpstreamConfig `yaml:"upstream,omitempty" mapstructure:"upstream"`

	// Script configures script.
	Script *ScriptConfig `yaml:"script,omitempty" mapstructure:"script"`
}

// UpstreamConfig configures a reverse proxy target.
type UpstreamConfig struct {
	// URL is the target base (e.g., "https://api.example.com/v1").
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
	// StripPrefix removes the route prefix before forwarding.
	StripPrefix bool `yaml:"strip_prefix,omitempty" mapstructure:"strip_prefix"`
	// Headers are set on every forwarded request.
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
	// Timeout bounds the upstream exchange. Defaults to "30s".
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout" validate:"omitempty,duration"`
	// BlockPrivateNetworks refuses to dial loopback and private addresses.
	BlockPrivateNetworks bool `yaml:"block_private_networks,omitempty" mapstructure:"block_private_networks"`
}

// ScriptConfig describes a script-backed filter or handler.
type ScriptConfig struct {
	// Type is the script MIME type: "application/x-cel" or "application/x-go-func".
	Type string `yaml:"type" mapstructure:"type" validate:"required"`
	// Source is the inline script.
	Source string `yaml:"source,omitempty" mapstructure:"source"`
	// File is a path to the script, relative to ScriptDir.
	File string `yaml:"file,omitempty" mapstructure:"file"`
	// Args are exposed to the script as args.
	Args map[string]any `yaml:"args,omitempty" mapstructure:"args"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *GatewayConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// Answer every path so the gateway can be exercised without routes.
	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{
			{
				Name:       "dev-echo",
				PathPrefix: "/",
				Handler: HandlerConfig{
					Type:    HandlerStatic,
					Status:  200,
					Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
					Body:    "filtergate dev mode\n",
				},
			},
		}
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *GatewayConfig) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MaxRequestBody == 0 {
		c.Server.MaxRequestBody = 10 << 20
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "0"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.OAuth2.Realm == "" {
		c.OAuth2.Realm = "filtergate"
	}
	if c.OAuth2.Timeout == "" {
		c.OAuth2.Timeout = "10s"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "filtergate"
	}
	if c.Telemetry.Output == "" {
		c.Telemetry.Output = "stderr"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "60s"
	}

	if c.ScriptDir == "" {
		c.ScriptDir = "."
	}

	for i := range c.Routes {
		c.Routes[i].setDefaults()
	}
}

func (r *RouteConfig) setDefaults() {
	if r.Handler.Type == HandlerStatic && r.Handler.Status == 0 {
		r.Handler.Status = 200
	}
	if r.Handler.Upstream != nil && r.Handler.Upstream.Timeout == "" {
		r.Handler.Upstream.Timeout = "30s"
	}
	for i := range r.Filters {
		f := &r.Filters[i]
		switch f.Type {
		case FilterRateLimit:
			if f.Rate == 0 {
				f.Rate = 100
			}
			if f.Period == "" {
				f.Period = "1m"
			}
			if f.Key == "" {
				f.Key = "ip"
			}
		case FilterCache:
			if f.MaxEntries == 0 {
				f.MaxEntries = 1024
			}
		case FilterRetry:
			if f.Attempts == 0 {
				f.Attempts = 2
			}
		}
	}
}

// ParseDuration parses a duration that passed validation. Empty means zero.
func ParseDuration(s string) time.Duration {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// HeaderMap converts a single-valued header map to an http.Header. Names
// are canonicalized since Viper lowercases map keys.
func HeaderMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	out := make(http.Header, len(m))
	for k, v := range m {
		out.Set(k, v)
	}
	return out
}
