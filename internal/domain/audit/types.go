// Package audit contains domain types for HTTP access auditing.
package audit

import (
	"net/url"
	"time"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
)

// EventNameHTTPAccess names the event emitted once per request.
const EventNameHTTPAccess = "FILTERGATE-HTTP-ACCESS"

// ElapsedTimeUnitMilliseconds is the unit of AccessEvent.Response.ElapsedTime.
const ElapsedTimeUnitMilliseconds = "MILLISECONDS"

// Response outcome values.
const (
	ResponseStatusSuccessful = "SUCCESSFUL"
	ResponseStatusFailed     = "FAILED"
)

// TimestampLayout formats event timestamps as absolute UTC instants.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// AccessEvent is the snapshot taken when a request completes. It is created
// once, submitted once and never modified afterwards.
type AccessEvent struct {
	// EventName identifies the kind of event.
	EventName string `json:"eventName"`
	// Timestamp is an RFC 3339 UTC instant with millisecond precision.
	Timestamp string `json:"timestamp"`
	// TransactionID correlates all records of one request.
	TransactionID string `json:"transactionId"`
	// Server is the local endpoint that accepted the request.
	Server ServerEndpoint `json:"server"`
	// Client is the remote peer.
	Client ClientEndpoint `json:"client"`
	// HTTP describes the request.
	HTTP HTTPDetails `json:"http"`
	// Response describes the outcome.
	Response ResponseDetails `json:"response"`
}

// ServerEndpoint is the network identity of the gateway for one request.
type ServerEndpoint struct {
	IP   string `json:"ip"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ClientEndpoint is the network identity of the caller.
type ClientEndpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// HTTPDetails wraps the request part of the event.
type HTTPDetails struct {
	Request HTTPRequest `json:"request"`
}

// HTTPRequest is the audited view of a request.
type HTTPRequest struct {
	Secure          bool                `json:"secure"`
	Method          string              `json:"method"`
	Path            string              `json:"path"`
	QueryParameters map[string][]string `json:"queryParameters"`
	Headers         map[string][]string `json:"headers,omitempty"`
}

// URLPath returns the path component of Path, which may be an absolute URI.
func (r HTTPRequest) URLPath() string {
	u, err := url.Parse(r.Path)
	if err != nil {
		return r.Path
	}
	return u.Path
}

// ResponseDetails is the audited outcome.
type ResponseDetails struct {
	Status           string `json:"status"`
	StatusCode       string `json:"statusCode"`
	ElapsedTime      int64  `json:"elapsedTime"`
	ElapsedTimeUnits string `json:"elapsedTimeUnits"`
}

// FormatTimestamp renders a millisecond timestamp the way events carry it.
func FormatTimestamp(ms int64) string {
	return clock.ToTime(ms).Format(TimestampLayout)
}

// RecordID identifies a stored audit record.
type RecordID string

// Record is an AccessEvent as persisted by an AuditStore.
type Record struct {
	ID RecordID `json:"_id"`
	// StoredAt is when the sink accepted the event.
	StoredAt time.Time `json:"storedAt"`
	AccessEvent
}
