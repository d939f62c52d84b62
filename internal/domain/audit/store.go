package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// Sentinel errors for audit operations.
var (
	// ErrDropped is returned when a sink sheds an event under backpressure.
	ErrDropped = errors.New("audit event dropped")
	// ErrSinkClosed is returned when submitting to a stopped sink.
	ErrSinkClosed = errors.New("audit sink closed")
)

// Sink accepts access events. Submit must not block on storage latency; the
// returned promise settles once the event is persisted or rejected.
// Implementations must be safe for concurrent use.
type Sink interface {
	Submit(ctx *reqctx.Context, event AccessEvent) *promise.Promise[RecordID, error]
}

// SinkFunc adapts an ordinary function to a Sink.
type SinkFunc func(ctx *reqctx.Context, event AccessEvent) *promise.Promise[RecordID, error]

// Submit calls f(ctx, event).
func (f SinkFunc) Submit(ctx *reqctx.Context, event AccessEvent) *promise.Promise[RecordID, error] {
	return f(ctx, event)
}

var _ Sink = SinkFunc(nil)

// AuditStore persists audit records.
type AuditStore interface {
	// Append stores records. Called from a background worker.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// QueryFilter narrows audit queries. Zero fields match everything.
type QueryFilter struct {
	TransactionID string
	Method        string
	StatusCode    string
	// PathPrefix matches the path component of the request URI.
	PathPrefix string
	// Limit defaults to 100 and is capped at 100.
	Limit int
}

// EffectiveLimit returns Limit clamped to (0, 100].
func (f QueryFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 100 {
		return 100
	}
	return f.Limit
}

// Match reports whether rec satisfies every non-zero field of f.
func (f QueryFilter) Match(rec Record) bool {
	if f.TransactionID != "" && rec.TransactionID != f.TransactionID {
		return false
	}
	if f.Method != "" && !strings.EqualFold(rec.HTTP.Request.Method, f.Method) {
		return false
	}
	if f.StatusCode != "" && rec.Response.StatusCode != f.StatusCode {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(rec.HTTP.Request.URLPath(), f.PathPrefix) {
		return false
	}
	return true
}

// QueryStore provides read access to stored records, newest first.
type QueryStore interface {
	Recent(n int) []Record
	Query(ctx context.Context, filter QueryFilter) ([]Record, error)
}
