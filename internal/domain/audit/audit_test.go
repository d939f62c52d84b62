package audit

import (
	"context"
	"testing"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

func TestAccessEventBuilder(t *testing.T) {
	t.Parallel()

	req, err := exchange.NewRequest("GET", "https://gw.local:8443/api/items?page=2&tag=a&tag=b")
	if err != nil {
		t.Fatal(err)
	}
	ctx := reqctx.WithClient(
		reqctx.WithTransactionID(reqctx.NewRoot(context.Background()), "tx-1"),
		reqctx.ClientInfo{RemoteAddress: "10.0.0.9", RemotePort: 5511, LocalAddress: "10.0.0.1", LocalName: "gw.local", LocalPort: 8443},
	)

	ev := NewAccessEventBuilder(ctx, req, 0).
		WithHeaders(map[string][]string{"Accept": {"*/*"}}).
		Build(exchange.StatusOK, 12)

	if ev.EventName != EventNameHTTPAccess || ev.TransactionID != "tx-1" {
		t.Errorf("identity fields = %q/%q", ev.EventName, ev.TransactionID)
	}
	if ev.Timestamp != "1970-01-01T00:00:00.000Z" {
		t.Errorf("Timestamp = %q", ev.Timestamp)
	}
	if ev.Client.IP != "10.0.0.9" || ev.Client.Port != 5511 || ev.Server.Host != "gw.local" || ev.Server.Port != 8443 {
		t.Errorf("endpoints = %+v / %+v", ev.Client, ev.Server)
	}
	r := ev.HTTP.Request
	if !r.Secure || r.Method != "GET" || r.Path != "https://gw.local:8443/api/items" {
		t.Errorf("request = %+v", r)
	}
	if got := r.QueryParameters["tag"]; len(got) != 2 {
		t.Errorf("tag params = %v", got)
	}
	if r.Headers["Accept"][0] != "*/*" {
		t.Errorf("headers = %v", r.Headers)
	}
	if ev.Response.StatusCode != "200" || ev.Response.Status != ResponseStatusSuccessful ||
		ev.Response.ElapsedTime != 12 || ev.Response.ElapsedTimeUnits != ElapsedTimeUnitMilliseconds {
		t.Errorf("response = %+v", ev.Response)
	}
}

func TestAccessEventBuilder_Outcome(t *testing.T) {
	t.Parallel()

	req, _ := exchange.NewRequest("POST", "/x")
	b := NewAccessEventBuilder(reqctx.NewRoot(context.Background()), req, 0)

	tests := map[int]string{
		200: ResponseStatusSuccessful,
		302: ResponseStatusSuccessful,
		404: ResponseStatusFailed,
		500: ResponseStatusFailed,
		999: ResponseStatusFailed,
	}
	for code, want := range tests {
		if got := b.Build(exchange.NewStatus(code), 0).Response.Status; got != want {
			t.Errorf("status %d outcome = %q, want %q", code, got, want)
		}
	}
}

func TestQueryFilter_Match(t *testing.T) {
	t.Parallel()

	rec := Record{AccessEvent: AccessEvent{
		TransactionID: "tx-7",
		HTTP:          HTTPDetails{Request: HTTPRequest{Method: "PATCH", Path: "http://gw.local/api/items/7"}},
		Response:      ResponseDetails{StatusCode: "204"},
	}}

	tests := []struct {
		name   string
		filter QueryFilter
		want   bool
	}{
		{"empty", QueryFilter{}, true},
		{"transaction", QueryFilter{TransactionID: "tx-7"}, true},
		{"other transaction", QueryFilter{TransactionID: "tx-8"}, false},
		{"method any case", QueryFilter{Method: "patch"}, true},
		{"other method", QueryFilter{Method: "GET"}, false},
		{"status", QueryFilter{StatusCode: "204"}, true},
		{"path prefix of URL path", QueryFilter{PathPrefix: "/api"}, true},
		{"absolute prefix does not match", QueryFilter{PathPrefix: "http://"}, false},
		{"all fields", QueryFilter{TransactionID: "tx-7", Method: "PATCH", StatusCode: "204", PathPrefix: "/api/items"}, true},
	}
	for _, tt := range tests {
		if got := tt.filter.Match(rec); got != tt.want {
			t.Errorf("%s: Match() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestQueryFilter_EffectiveLimit(t *testing.T) {
	t.Parallel()

	for in, want := range map[int]int{-1: 100, 0: 100, 1: 1, 100: 100, 101: 100} {
		if got := (QueryFilter{Limit: in}).EffectiveLimit(); got != want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
