package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, p pipeline.Handler, opts ...GatewayOption) *GatewayHandler {
	t.Helper()
	h, err := NewGatewayHandler(p, append([]GatewayOption{WithGatewayLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewGatewayHandler() error: %v", err)
	}
	return h
}

func TestGatewayHandler_BuildsContextChain(t *testing.T) {
	t.Parallel()

	var (
		names []string
		info  reqctx.ClientInfo
		audit reqctx.RequestAudit
		txID  string
		uri   string
		body  string
	)
	p := pipeline.HandlerFunc(func(ctx *reqctx.Context, req *exchange.Request) *pipeline.ResponsePromise {
		for n := ctx; n != nil; n = n.Parent() {
			names = append(names, n.Name())
		}
		info, _ = reqctx.ClientFrom(ctx)
		audit, _ = reqctx.RequestAuditFrom(ctx)
		txID = reqctx.TransactionIDFrom(ctx)
		uri = req.URI.String()
		body = req.Entity.String()

		resp := exchange.NewResponse(exchange.NewStatus(http.StatusCreated))
		resp.Headers.Set("X-Upstream", "yes")
		resp.Entity.SetString("created")
		return pipeline.Respond(resp)
	})

	h := newGateway(t, p, WithGatewayClock(clock.Fixed(42)))
	r := httptest.NewRequest(http.MethodPost, "http://gw.example:8080/orders?id=7", strings.NewReader("payload"))
	r.RemoteAddr = "203.0.113.9:51000"
	r.Header.Set("User-Agent", "test-agent")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if w.Body.String() != "created" {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("response header not copied")
	}

	want := []string{reqctx.RequestAuditName, reqctx.ClientName, reqctx.TransactionIDName, reqctx.RootName}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("chain = %v, want %v", names, want)
	}
	if info.RemoteAddress != "203.0.113.9" || info.RemotePort != 51000 {
		t.Errorf("remote = %s:%d", info.RemoteAddress, info.RemotePort)
	}
	if info.LocalName != "gw.example" || info.UserAgent != "test-agent" || info.Secure {
		t.Errorf("client info = %+v", info)
	}
	if audit.ReceivedTime != 42 {
		t.Errorf("ReceivedTime = %d, want 42", audit.ReceivedTime)
	}
	if txID == "" {
		t.Error("transaction id not generated")
	}
	if uri != "http://gw.example:8080/orders?id=7" {
		t.Errorf("uri = %q", uri)
	}
	if body != "payload" {
		t.Errorf("request body = %q", body)
	}
}

func TestGatewayHandler_TransactionID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trust   bool
		header  string
		wantHdr bool
	}{
		{name: "untrusted header ignored", header: "tx-upstream"},
		{name: "trusted header reused", trust: true, header: "tx-upstream", wantHdr: true},
		{name: "trusted but absent", trust: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got string
			p := pipeline.HandlerFunc(func(ctx *reqctx.Context, _ *exchange.Request) *pipeline.ResponsePromise {
				got = reqctx.TransactionIDFrom(ctx)
				return pipeline.Respond(exchange.NewResponse(exchange.StatusOK))
			})
			var opts []GatewayOption
			if tt.trust {
				opts = append(opts, WithTrustedTransactionID())
			}
			h := newGateway(t, p, opts...)

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set(TransactionIDHeader, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)

			if (got == tt.header) != tt.wantHdr {
				t.Errorf("transaction id = %q, header %q, want reuse %v", got, tt.header, tt.wantHdr)
			}
			if got == "" {
				t.Error("empty transaction id")
			}
		})
	}
}

func TestGatewayHandler_PanicBecomes500(t *testing.T) {
	t.Parallel()

	h := newGateway(t, pipeline.HandlerFunc(func(*reqctx.Context, *exchange.Request) *pipeline.ResponsePromise {
		panic("handler bug")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestGatewayHandler_NilPromiseBecomes500(t *testing.T) {
	t.Parallel()

	h := newGateway(t, pipeline.HandlerFunc(func(*reqctx.Context, *exchange.Request) *pipeline.ResponsePromise {
		return nil
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestGatewayHandler_BodyTooLarge(t *testing.T) {
	t.Parallel()

	called := false
	h := newGateway(t, pipeline.HandlerFunc(func(*reqctx.Context, *exchange.Request) *pipeline.ResponsePromise {
		called = true
		return pipeline.Respond(exchange.NewResponse(exchange.StatusOK))
	}), WithMaxRequestBody(4))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long")))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if called {
		t.Error("pipeline called for an oversized body")
	}
}

func TestGatewayHandler_ClientGone(t *testing.T) {
	t.Parallel()

	h := newGateway(t, pipeline.HandlerFunc(func(*reqctx.Context, *exchange.Request) *pipeline.ResponsePromise {
		return pipeline.Pending()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	if w.Body.Len() != 0 {
		t.Errorf("wrote %q after the client went away", w.Body.String())
	}
}

func TestGatewayHandler_ClientIPFromMiddleware(t *testing.T) {
	t.Parallel()

	var info reqctx.ClientInfo
	h := newGateway(t, pipeline.HandlerFunc(func(ctx *reqctx.Context, _ *exchange.Request) *pipeline.ResponsePromise {
		info, _ = reqctx.ClientFrom(ctx)
		return pipeline.Respond(exchange.NewResponse(exchange.StatusOK))
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	RealIPMiddleware(true)(h).ServeHTTP(httptest.NewRecorder(), r)

	if info.RemoteAddress != "198.51.100.4" {
		t.Errorf("RemoteAddress = %q, want 198.51.100.4", info.RemoteAddress)
	}
}

func TestNewGatewayHandler_Nil(t *testing.T) {
	t.Parallel()

	if _, err := NewGatewayHandler(nil); err == nil {
		t.Error("NewGatewayHandler(nil) succeeded")
	}
}
