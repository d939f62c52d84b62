package audit

import (
	"strconv"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// AccessEventBuilder assembles an AccessEvent in stages: request details when
// the request enters, response details when it completes.
type AccessEventBuilder struct {
	event AccessEvent
}

// NewAccessEventBuilder captures everything known before dispatch.
// timestamp is in milliseconds since the epoch.
func NewAccessEventBuilder(ctx *reqctx.Context, req *exchange.Request, timestamp int64) *AccessEventBuilder {
	b := &AccessEventBuilder{event: AccessEvent{
		EventName:     EventNameHTTPAccess,
		Timestamp:     FormatTimestamp(timestamp),
		TransactionID: reqctx.TransactionIDFrom(ctx),
	}}

	secure := false
	if client, ok := reqctx.ClientFrom(ctx); ok {
		b.event.Server = ServerEndpoint{IP: client.LocalAddress, Host: client.LocalName, Port: client.LocalPort}
		b.event.Client = ClientEndpoint{IP: client.RemoteAddress, Port: client.RemotePort}
		secure = client.Secure
	}

	b.event.HTTP.Request = HTTPRequest{
		Secure:          secure || (req.URI != nil && req.URI.Scheme == "https"),
		Method:          req.Method,
		Path:            exchange.PathOf(req.URI),
		QueryParameters: exchange.QueryParameters(req.URI),
	}
	return b
}

// WithHeaders records the given request headers.
func (b *AccessEventBuilder) WithHeaders(headers map[string][]string) *AccessEventBuilder {
	b.event.HTTP.Request.Headers = headers
	return b
}

// Build completes the event with the response status and elapsed time.
func (b *AccessEventBuilder) Build(status exchange.Status, elapsedMillis int64) AccessEvent {
	ev := b.event
	ev.Response = ResponseDetails{
		Status:           outcome(status),
		StatusCode:       strconv.Itoa(status.Code),
		ElapsedTime:      elapsedMillis,
		ElapsedTimeUnits: ElapsedTimeUnitMilliseconds,
	}
	return ev
}

func outcome(status exchange.Status) string {
	if status.IsError() || status.Family() == exchange.FamilyUnknown {
		return ResponseStatusFailed
	}
	return ResponseStatusSuccessful
}
