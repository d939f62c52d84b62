// Package integration exercises filtergate end to end: a config file is
// loaded, the gateway is assembled from it, and requests travel over real
// HTTP through the transport, the filter chains and the audit pipeline.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	transport "github.com/Sentinel-Gate/filtergate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/filtergate/internal/config"
	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/service"
)

const adminToken = "s3cret"

// testLogger returns a logger that only reports errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// liveGateway is a gateway served over HTTP on a loopback port.
type liveGateway struct {
	URL     string
	Gateway *service.Gateway
	Dir     string
	stop    func()
}

// startGateway writes configYAML (with {{dir}} replaced by a temp dir) and
// files into a temp directory, loads it, and serves it on 127.0.0.1:0.
func startGateway(t testing.TB, configYAML string, files map[string]string, opts ...service.BuildOption) *liveGateway {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "filtergate.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(configYAML, "{{dir}}", dir)), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	logger := testLogger()
	reg := prometheus.NewRegistry()
	metrics := transport.NewMetrics(reg)
	g, err := service.BuildGateway(context.Background(), cfg, logger,
		append([]service.BuildOption{service.WithGatewayAuditMetrics(metrics)}, opts...)...)
	if err != nil {
		t.Fatalf("BuildGateway() error = %v", err)
	}
	g.Start(context.Background())

	tr := transport.NewHTTPTransport(g.Pipeline(),
		transport.WithAddr("127.0.0.1:0"),
		transport.WithLogger(logger),
		transport.WithMetrics(reg, metrics),
		transport.WithHealthChecker(transport.NewHealthChecker(g.RateLimiter(), g.AuditService(), g.Routes(), "test")),
		transport.WithAuditQuery(g.AuditQuery(), cfg.Server.AdminToken),
		transport.WithGatewayOptions(transport.WithMaxRequestBody(cfg.Server.MaxRequestBody)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx) }()

	var addr string
	select {
	case a := <-tr.Listening():
		addr = a.String()
	case err := <-done:
		cancel()
		t.Fatalf("transport failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("transport did not start listening")
	}

	lg := &liveGateway{URL: "http://" + addr, Gateway: g, Dir: dir}
	var stopped bool
	lg.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
		_ = g.Close(context.Background())
	}
	t.Cleanup(lg.stop)
	return lg
}

// Stop shuts the transport down and drains the audit pipeline.
func (lg *liveGateway) Stop() { lg.stop() }

// do sends a request and returns the response with its body read.
func (lg *liveGateway) do(t testing.TB, method, path string, header http.Header, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, lg.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(data)
}

// auditRecords queries the admin audit API.
func (lg *liveGateway) auditRecords(t testing.TB, query string) []audit.Record {
	t.Helper()
	resp, body := lg.do(t, http.MethodGet, "/admin/api/audit"+query,
		http.Header{"Authorization": {"Bearer " + adminToken}}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit query status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Records []audit.Record `json:"records"`
		Count   int            `json:"count"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("audit query body: %v", err)
	}
	return out.Records
}

// waitForAudit polls the audit API until n records match query.
func (lg *liveGateway) waitForAudit(t testing.TB, query string, n int) []audit.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs := lg.auditRecords(t, query)
		if len(recs) >= n || time.Now().After(deadline) {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
}
