package config

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGatewayConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg GatewayConfig
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Server.MaxRequestBody != 10<<20 {
		t.Errorf("MaxRequestBody = %d, want %d", cfg.Server.MaxRequestBody, 10<<20)
	}
	if cfg.Audit.Output != "stdout" {
		t.Errorf("Audit.Output = %q, want %q", cfg.Audit.Output, "stdout")
	}
	if cfg.Audit.ChannelSize != 1000 || cfg.Audit.BatchSize != 100 {
		t.Errorf("Audit sizes = %d/%d, want 1000/100", cfg.Audit.ChannelSize, cfg.Audit.BatchSize)
	}
	if cfg.Audit.SendTimeout != "0" {
		t.Errorf("Audit.SendTimeout = %q, want 0", cfg.Audit.SendTimeout)
	}
	if cfg.Audit.RetentionDays != 7 || cfg.Audit.MaxFileSizeMB != 100 {
		t.Errorf("Audit rotation = %d days/%d MB, want 7/100", cfg.Audit.RetentionDays, cfg.Audit.MaxFileSizeMB)
	}
	if cfg.RateLimit.CleanupInterval != "5m" || cfg.RateLimit.MaxTTL != "1h" {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Telemetry.Output != "stderr" || cfg.Telemetry.ServiceName != "filtergate" {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if cfg.ScriptDir != "." {
		t.Errorf("ScriptDir = %q, want .", cfg.ScriptDir)
	}
}

func TestGatewayConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{
		Server: ServerConfig{HTTPAddr: ":9090"},
		Audit:  AuditConfig{Output: "sqlite:///var/lib/filtergate/audit.db", ChannelSize: 5},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.Server.HTTPAddr)
	}
	if cfg.Audit.Output != "sqlite:///var/lib/filtergate/audit.db" {
		t.Errorf("Audit.Output = %q", cfg.Audit.Output)
	}
	if cfg.Audit.ChannelSize != 5 {
		t.Errorf("ChannelSize = %d, want 5", cfg.Audit.ChannelSize)
	}
}

func TestRouteConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{Routes: []RouteConfig{{
		Name:       "api",
		PathPrefix: "/api",
		Filters: []FilterConfig{
			{Type: FilterRateLimit},
			{Type: FilterCache, TTL: "1m"},
			{Type: FilterRetry},
		},
		Handler: HandlerConfig{Type: HandlerProxy, Upstream: &UpstreamConfig{URL: "http://backend"}},
	}, {
		Name:       "static",
		PathPrefix: "/",
		Handler:    HandlerConfig{Type: HandlerStatic},
	}}}
	cfg.SetDefaults()

	api := cfg.Routes[0]
	if f := api.Filters[0]; f.Rate != 100 || f.Period != "1m" || f.Key != "ip" {
		t.Errorf("rate_limit defaults = %+v", f)
	}
	if f := api.Filters[1]; f.MaxEntries != 1024 {
		t.Errorf("cache MaxEntries = %d, want 1024", f.MaxEntries)
	}
	if f := api.Filters[2]; f.Attempts != 2 {
		t.Errorf("retry Attempts = %d, want 2", f.Attempts)
	}
	if api.Handler.Upstream.Timeout != "30s" {
		t.Errorf("upstream Timeout = %q, want 30s", api.Handler.Upstream.Timeout)
	}
	if cfg.Routes[1].Handler.Status != 200 {
		t.Errorf("static Status = %d, want 200", cfg.Routes[1].Handler.Status)
	}
}

func TestGatewayConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].PathPrefix != "/" {
		t.Fatalf("Routes = %+v, want one catch-all route", cfg.Routes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("dev config should validate: %v", err)
	}

	off := GatewayConfig{}
	off.SetDevDefaults()
	if len(off.Routes) != 0 {
		t.Error("SetDevDefaults must not change a non-dev config")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := map[string]time.Duration{
		"":      0,
		"  ":    0,
		"250ms": 250 * time.Millisecond,
		"1m":    time.Minute,
		"bogus": 0,
	}
	for in, want := range tests {
		if got := ParseDuration(in); got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHeaderMap(t *testing.T) {
	t.Parallel()

	if HeaderMap(nil) != nil {
		t.Error("HeaderMap(nil) should be nil")
	}
	h := HeaderMap(map[string]string{"x-api-version": "2"})
	if got := h.Get("X-Api-Version"); got != "2" {
		t.Errorf("X-Api-Version = %q, want 2", got)
	}
	if _, ok := h[http.CanonicalHeaderKey("x-api-version")]; !ok {
		t.Error("header name not canonicalized")
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()

	if got := findConfigFileInPaths([]string{t.TempDir()}); got != "" {
		t.Errorf("findConfigFileInPaths() = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "filtergate.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	if got := findConfigFileInPaths([]string{dir}); got != cfgPath {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "filtergate"), []byte("\x7fELF binary"), 0755)

	if got := findConfigFileInPaths([]string{dir}); got != "" {
		t.Errorf("findConfigFileInPaths() = %q, want empty (binary must not match)", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "filtergate.yaml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  http_addr: :8080\n"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "filtergate.yml"), []byte("server:\n  http_addr: :9090\n"), 0644)

	if got := findConfigFileInPaths([]string{dir}); got != yamlPath {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, yamlPath)
	}
}

const sampleConfig = `
server:
  http_addr: "127.0.0.1:9000"
audit:
  output: stdout
auth:
  identities:
    - id: svc
      name: Service
      roles: [reader]
  api_keys:
    - key_hash: "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"
      identity_id: svc
telemetry:
  sample_ratio: 0
routes:
  - name: api
    path_prefix: /api
    filters:
      - type: api_key
        roles: [reader]
      - type: timeout
        timeout: 2s
      - type: header
        response:
          add:
            x-served-by: filtergate
    handler:
      type: proxy
      upstream:
        url: http://127.0.0.1:9001
        strip_prefix: true
  - name: script
    path_prefix: /hello
    handler:
      type: script
      script:
        type: application/x-cel
        file: hello.cel
`

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "filtergate.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("Routes = %d, want 2", len(cfg.Routes))
	}
	api := cfg.Routes[0]
	if len(api.Filters) != 3 || api.Filters[1].Timeout != "2s" {
		t.Errorf("api filters = %+v", api.Filters)
	}
	if got := HeaderMap(api.Filters[2].Response.Add).Get("X-Served-By"); got != "filtergate" {
		t.Errorf("response header = %q, want filtergate", got)
	}
	if !api.Handler.Upstream.StripPrefix || api.Handler.Upstream.Timeout != "30s" {
		t.Errorf("upstream = %+v", api.Handler.Upstream)
	}
	if cfg.ScriptDir != dir {
		t.Errorf("ScriptDir = %q, want config directory %q", cfg.ScriptDir, dir)
	}
	if cfg.Telemetry.SampleRatio != 0 {
		t.Errorf("explicit sample_ratio 0 overwritten: %v", cfg.Telemetry.SampleRatio)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	_ = os.WriteFile(invalid, []byte("routes: []\n"), 0644)
	broken := filepath.Join(dir, "broken.yaml")
	_ = os.WriteFile(broken, []byte("routes: [\n"), 0644)

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "missing", path: filepath.Join(dir, "nope.yaml"), want: "failed to read config file"},
		{name: "syntax", path: broken, want: "failed to read config file"},
		{name: "no routes", path: invalid, want: "config validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadFile() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
