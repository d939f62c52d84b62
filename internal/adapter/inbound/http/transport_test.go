package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sentinel-Gate/filtergate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
)

func staticPipeline() pipeline.Handler {
	return pipeline.NewStaticHandler(exchange.StatusOK, http.Header{"Content-Type": {"text/plain"}}, "hello")
}

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts = append([]Option{WithLogger(discardLogger()), WithMetrics(reg, NewMetrics(reg))}, opts...)
	handler, err := NewHTTPTransport(staticPipeline(), opts...).Handler()
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestTransport_Routes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "gateway", path: "/anything", wantStatus: http.StatusOK, wantBody: "hello"},
		{name: "health", path: "/health", wantStatus: http.StatusOK, wantBody: `"healthy"`},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK, wantBody: "filtergate_in_flight_requests"},
		{name: "audit disabled", path: "/admin/api/audit", wantStatus: http.StatusOK, wantBody: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, srv.URL+tt.path, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestTransport_GatewayHeaders(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, _ := get(t, srv.URL+"/", nil)
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	resp, _ = get(t, srv.URL+"/", http.Header{"Origin": {"https://evil.example"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want 403", resp.StatusCode)
	}
}

func TestTransport_AuditQuery(t *testing.T) {
	t.Parallel()

	store := memory.NewAuditStoreWithWriter(nil)
	records := []audit.Record{
		{ID: "1", AccessEvent: audit.AccessEvent{TransactionID: "tx-1", HTTP: audit.HTTPDetails{
			Request: audit.HTTPRequest{Method: "GET", Path: "http://gw/api/a"}},
			Response: audit.ResponseDetails{StatusCode: "200"}}},
		{ID: "2", AccessEvent: audit.AccessEvent{TransactionID: "tx-2", HTTP: audit.HTTPDetails{
			Request: audit.HTTPRequest{Method: "POST", Path: "http://gw/other"}},
			Response: audit.ResponseDetails{StatusCode: "500"}}},
	}
	if err := store.Append(context.Background(), records...); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, WithAuditQuery(store, "s3cret"))
	auth := http.Header{"Authorization": {"Bearer s3cret"}}

	tests := []struct {
		name       string
		query      string
		header     http.Header
		wantStatus int
		wantCount  int
	}{
		{name: "no token", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", header: http.Header{"Authorization": {"Bearer nope"}}, wantStatus: http.StatusUnauthorized},
		{name: "all", header: auth, wantStatus: http.StatusOK, wantCount: 2},
		{name: "by method", query: "?method=post", header: auth, wantStatus: http.StatusOK, wantCount: 1},
		{name: "by path", query: "?path=/api", header: auth, wantStatus: http.StatusOK, wantCount: 1},
		{name: "by transaction", query: "?transaction_id=tx-2", header: auth, wantStatus: http.StatusOK, wantCount: 1},
		{name: "bad limit", query: "?limit=x", header: auth, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, srv.URL+"/admin/api/audit"+tt.query, tt.header)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got AuditQueryResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatal(err)
			}
			if got.Count != tt.wantCount || len(got.Records) != tt.wantCount {
				t.Errorf("count = %d (%d records), want %d", got.Count, len(got.Records), tt.wantCount)
			}
		})
	}
}

func TestAuditAPIHandler_NoTokenLoopbackOnly(t *testing.T) {
	t.Parallel()

	h := NewAuditAPIHandler(memory.NewAuditStoreWithWriter(nil), "", discardLogger())
	tests := []struct {
		name       string
		remoteAddr string
		wantStatus int
	}{
		{name: "ipv4 loopback", remoteAddr: "127.0.0.1:50000", wantStatus: http.StatusOK},
		{name: "ipv6 loopback", remoteAddr: "[::1]:50000", wantStatus: http.StatusOK},
		{name: "remote", remoteAddr: "203.0.113.9:4444", wantStatus: http.StatusForbidden},
		{name: "private network", remoteAddr: "10.1.2.3:4444", wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin/api/audit", nil)
			r.RemoteAddr = tt.remoteAddr
			r.Header.Set("X-Forwarded-For", "127.0.0.1")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestAuditAPIHandler_TokenAllowsRemote(t *testing.T) {
	t.Parallel()

	h := NewAuditAPIHandler(memory.NewAuditStoreWithWriter(nil), "s3cret", discardLogger())
	r := httptest.NewRequest(http.MethodGet, "/admin/api/audit", nil)
	r.RemoteAddr = "203.0.113.9:4444"
	r.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestTransport_AuditQueryMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, WithAuditQuery(memory.NewAuditStoreWithWriter(nil), ""))

	resp, err := http.Post(srv.URL+"/admin/api/audit", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestTransport_StartAndShutdown(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	tr := NewHTTPTransport(staticPipeline(),
		WithAddr("127.0.0.1:0"),
		WithLogger(discardLogger()),
		WithMetrics(reg, NewMetrics(reg)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx) }()

	var addr string
	select {
	case a := <-tr.Listening():
		addr = a.String()
	case err := <-done:
		t.Fatalf("Start() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not start")
	}

	resp, body := get(t, "http://"+addr+"/x", nil)
	if resp.StatusCode != http.StatusOK || body != "hello" {
		t.Errorf("got %d %q, want 200 hello", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not stop")
	}
}

func TestTransport_NilPipeline(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPTransport(nil, WithLogger(discardLogger())).Handler(); err == nil {
		t.Fatal("Handler() with nil pipeline should fail")
	}
}
