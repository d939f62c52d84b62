package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		incoming string
	}{
		{name: "generated"},
		{name: "propagated", incoming: "req-123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var seen string
			var hasLogger bool
			h := RequestIDMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
				hasLogger = LoggerFromContext(r.Context()) != nil
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if tt.incoming != "" && seen != tt.incoming {
				t.Errorf("request id = %q, want %q", seen, tt.incoming)
			}
			if w.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header = %q, want %q", w.Header().Get(RequestIDHeader), seen)
			}
			if !hasLogger {
				t.Error("logger missing from context")
			}
		})
	}
}

func TestRealIPMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trust   bool
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "forwarded ignored when untrusted", remote: "192.0.2.1:1234",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"}, want: "192.0.2.1"},
		{name: "first forwarded entry", trust: true, remote: "192.0.2.1:1234",
			headers: map[string]string{"X-Forwarded-For": " 198.51.100.1 , 10.0.0.1"}, want: "198.51.100.1"},
		{name: "real ip header", trust: true, remote: "192.0.2.1:1234",
			headers: map[string]string{"X-Real-IP": "198.51.100.2"}, want: "198.51.100.2"},
		{name: "remote without port", remote: "192.0.2.7", want: "192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got string
			h := RealIPMiddleware(tt.trust)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = ClientIPFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)
			if got != tt.want {
				t.Errorf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDNSRebindingProtection(t *testing.T) {
	t.Parallel()

	h := DNSRebindingProtection([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		origin string
		want   int
	}{
		{"", http.StatusNoContent},
		{"https://app.example", http.StatusNoContent},
		{"https://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("origin %q: status = %d, want %d", tt.origin, w.Code, tt.want)
		}
	}
}
