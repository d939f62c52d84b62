package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

func TestTimeoutFilter_SubstitutesGatewayTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, err := NewTimeoutFilter(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewTimeoutFilter() error: %v", err)
	}
	inner := Pending()
	next := HandlerFunc(func(*reqctx.Context, *exchange.Request) *ResponsePromise { return inner })

	resp, err := f.Filter(reqctx.NewRoot(nil), mustRequest(t, "GET", "http://localhost/"), next).
		Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if resp.Status.Code != 504 || !errors.Is(resp.Cause, ErrTimeout) {
		t.Errorf("response = %d (%v), want 504 with ErrTimeout", resp.Status.Code, resp.Cause)
	}

	// The late result is discarded.
	inner.Resolve(exchange.NewResponse(exchange.StatusOK))
}

func TestTimeoutFilter_FastResponseWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, err := NewTimeoutFilter(time.Minute)
	if err != nil {
		t.Fatalf("NewTimeoutFilter() error: %v", err)
	}
	inner := Pending()
	next := HandlerFunc(func(*reqctx.Context, *exchange.Request) *ResponsePromise { return inner })

	out := f.Filter(reqctx.NewRoot(nil), mustRequest(t, "GET", "http://localhost/"), next)
	go inner.Resolve(exchange.NewResponse(exchange.StatusOK))

	resp, err := out.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if resp.Status.Code != 200 {
		t.Errorf("status = %d, want 200", resp.Status.Code)
	}
}

func TestNewTimeoutFilter_RejectsNonPositive(t *testing.T) {
	if _, err := NewTimeoutFilter(0); err == nil {
		t.Error("NewTimeoutFilter(0) error = nil")
	}
}

func TestCacheFilter_HitSkipsNext(t *testing.T) {
	now := int64(1000)
	ts := clock.Func(func() int64 { return now })
	f, err := NewCacheFilter(time.Second, ts)
	if err != nil {
		t.Fatalf("NewCacheFilter() error: %v", err)
	}
	var calls atomic.Int32
	chain, err := NewChain(HandlerFunc(func(*reqctx.Context, *exchange.Request) *ResponsePromise {
		calls.Add(1)
		resp := exchange.NewResponse(exchange.StatusOK)
		resp.Entity.SetString("fresh")
		return Respond(resp)
	}), f)
	if err != nil {
		t.Fatalf("NewChain() error: %v", err)
	}

	first := handle(t, chain, mustRequest(t, "GET", "http://localhost/a?x=1"))
	second := handle(t, chain, mustRequest(t, "GET", "http://localhost/a?x=1"))
	if calls.Load() != 1 {
		t.Errorf("next calls = %d, want 1", calls.Load())
	}
	if second.Entity.String() != "fresh" {
		t.Errorf("cached body = %q, want fresh", second.Entity.String())
	}
	if first == second {
		t.Error("cache returned the stored response instead of a copy")
	}

	handle(t, chain, mustRequest(t, "GET", "http://localhost/a?x=2"))
	if calls.Load() != 2 {
		t.Errorf("next calls after new key = %d, want 2", calls.Load())
	}

	now += 1000
	handle(t, chain, mustRequest(t, "GET", "http://localhost/a?x=1"))
	if calls.Load() != 3 {
		t.Errorf("next calls after expiry = %d, want 3", calls.Load())
	}
}

func TestCacheFilter_SkipsUncacheable(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status exchange.Status
	}{
		{name: "post", method: "POST", status: exchange.StatusOK},
		{name: "server error", method: "GET", status: exchange.StatusInternalServerError},
		{name: "not found", method: "GET", status: exchange.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewCacheFilter(time.Minute, clock.Fixed(0))
			if err != nil {
				t.Fatalf("NewCacheFilter() error: %v", err)
			}
			var calls atomic.Int32
			chain, _ := NewChain(HandlerFunc(func(*reqctx.Context, *exchange.Request) *ResponsePromise {
				calls.Add(1)
				return Respond(exchange.NewResponse(tt.status))
			}), f)
			handle(t, chain, mustRequest(t, tt.method, "http://localhost/"))
			handle(t, chain, mustRequest(t, tt.method, "http://localhost/"))
			if calls.Load() != 2 {
				t.Errorf("next calls = %d, want 2", calls.Load())
			}
		})
	}
}

func TestCacheFilter_EvictsWhenFull(t *testing.T) {
	f, err := NewCacheFilter(time.Minute, clock.Fixed(0), WithMaxEntries(2))
	if err != nil {
		t.Fatalf("NewCacheFilter() error: %v", err)
	}
	chain, _ := NewChain(okHandler("x"), f)
	for _, path := range []string{"/a", "/b", "/c"} {
		handle(t, chain, mustRequest(t, "GET", "http://localhost"+path))
	}
	if f.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.Len())
	}
}

func TestRetryFilter(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantCalls int32
		wantCode  int
	}{
		{name: "first attempt succeeds", attempts: 3, failures: 0, wantCalls: 1, wantCode: 200},
		{name: "recovers after failures", attempts: 3, failures: 2, wantCalls: 3, wantCode: 200},
		{name: "gives up", attempts: 2, failures: 5, wantCalls: 2, wantCode: 502},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewRetryFilter(tt.attempts)
			if err != nil {
				t.Fatalf("NewRetryFilter() error: %v", err)
			}
			var calls atomic.Int32
			chain, _ := NewChain(HandlerFunc(func(*reqctx.Context, *exchange.Request) *ResponsePromise {
				if int(calls.Add(1)) <= tt.failures {
					return Respond(exchange.NewResponse(exchange.StatusBadGateway))
				}
				return Respond(exchange.NewResponse(exchange.StatusOK))
			}), f)
			resp := handle(t, chain, mustRequest(t, "GET", "http://localhost/"))
			if resp.Status.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.Status.Code, tt.wantCode)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestRetryFilter_EachAttemptGetsFreshRequest(t *testing.T) {
	f, _ := NewRetryFilter(2)
	var seen []string
	chain, _ := NewChain(HandlerFunc(func(_ *reqctx.Context, req *exchange.Request) *ResponsePromise {
		seen = append(seen, req.Headers.Get("X-Attempt"))
		req.Headers.Set("X-Attempt", "mutated")
		return Respond(exchange.NewResponse(exchange.StatusInternalServerError))
	}), f)
	req := mustRequest(t, "GET", "http://localhost/")
	req.Headers.Set("X-Attempt", "original")
	handle(t, chain, req)
	if len(seen) != 2 || seen[0] != "original" || seen[1] != "original" {
		t.Errorf("seen = %v, want [original original]", seen)
	}
}

func TestHeaderFilter(t *testing.T) {
	f := &HeaderFilter{
		RequestRemove:  []string{"Cookie"},
		RequestAdd:     http.Header{"X-Gateway": {"filtergate"}},
		ResponseRemove: []string{"Server"},
		ResponseAdd:    http.Header{"X-Frame-Options": {"DENY"}},
	}
	chain, _ := NewChain(HandlerFunc(func(_ *reqctx.Context, req *exchange.Request) *ResponsePromise {
		resp := exchange.NewResponse(exchange.StatusOK)
		resp.Headers.Set("Server", "upstream")
		resp.Headers.Set("X-Seen-Cookie", req.Headers.Get("Cookie"))
		resp.Headers.Set("X-Seen-Gateway", req.Headers.Get("X-Gateway"))
		return Respond(resp)
	}), f)

	req := mustRequest(t, "GET", "http://localhost/")
	req.Headers.Set("Cookie", "session=1")
	resp := handle(t, chain, req)

	checks := map[string]string{
		"X-Seen-Cookie":   "",
		"X-Seen-Gateway":  "filtergate",
		"Server":          "",
		"X-Frame-Options": "DENY",
	}
	for name, want := range checks {
		if got := resp.Headers.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestRouter(t *testing.T) {
	router, err := NewRouter(
		Route{Name: "api", Prefix: "/api", Handler: okHandler("api")},
		Route{Name: "static", Prefix: "/static/", Handler: NewStaticHandler(exchange.StatusOK, http.Header{"Content-Type": {"text/plain"}}, "static")},
	)
	if err != nil {
		t.Fatalf("NewRouter() error: %v", err)
	}
	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/api", wantCode: 200, wantBody: "api"},
		{path: "/api/users", wantCode: 200, wantBody: "api"},
		{path: "/apix", wantCode: 404},
		{path: "/static/app.js", wantCode: 200, wantBody: "static"},
		{path: "/", wantCode: 404},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := handle(t, router, mustRequest(t, "GET", "http://localhost"+tt.path))
			if resp.Status.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.Status.Code, tt.wantCode)
			}
			if resp.Entity.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", resp.Entity.String(), tt.wantBody)
			}
		})
	}
}

func TestNewRouter_NilHandler(t *testing.T) {
	_, err := NewRouter(Route{Name: "broken", Prefix: "/"})
	if !errors.Is(err, ErrNilComponent) {
		t.Errorf("error = %v, want ErrNilComponent", err)
	}
}
