package pipeline

import (
	"log/slog"
	"net/http"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// AccessAuditFilter submits exactly one access event per request, whether the
// rest of the chain resolves or panics.
//
// Elapsed time runs from the received time of the nearest RequestAudit
// context (or a reading taken on entry when there is none) to a reading taken
// on completion. The event timestamp is read on entry.
type AccessAuditFilter struct {
	sink          audit.Sink
	time          clock.TimeService
	recordHeaders bool
	redact        map[string]struct{}
	logger        *slog.Logger
}

// RedactedValue replaces the value of credential headers in recorded events.
const RedactedValue = "[redacted]"

// credentialHeaders are always redacted when headers are recorded.
var credentialHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "X-API-Key"}

// Compile-time check that AccessAuditFilter implements Filter.
var _ Filter = (*AccessAuditFilter)(nil)

// AccessAuditOption configures an AccessAuditFilter.
type AccessAuditOption func(*AccessAuditFilter)

// WithRequestHeaders records request headers in the event. Values of
// Authorization, Proxy-Authorization, Cookie, X-API-Key and of every header
// named in redact are replaced with RedactedValue.
func WithRequestHeaders(redact ...string) AccessAuditOption {
	return func(f *AccessAuditFilter) {
		f.recordHeaders = true
		for _, name := range redact {
			f.redact[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}
}

// WithAuditLogger sets the logger used to report sink failures.
func WithAuditLogger(logger *slog.Logger) AccessAuditOption {
	return func(f *AccessAuditFilter) { f.logger = logger }
}

// NewAccessAuditFilter creates the filter. sink and ts are required.
func NewAccessAuditFilter(sink audit.Sink, ts clock.TimeService, opts ...AccessAuditOption) (*AccessAuditFilter, error) {
	if sink == nil {
		return nil, &ConfigError{Component: "audit sink", Err: ErrNilComponent}
	}
	if ts == nil {
		return nil, &ConfigError{Component: "audit time service", Err: ErrNilComponent}
	}
	f := &AccessAuditFilter{
		sink:   sink,
		time:   ts,
		redact: make(map[string]struct{}, len(credentialHeaders)),
		logger: slog.Default(),
	}
	for _, name := range credentialHeaders {
		f.redact[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Filter dispatches to next and audits the outcome.
func (f *AccessAuditFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	var start int64
	if ra, ok := reqctx.RequestAuditFrom(ctx); ok {
		start = ra.ReceivedTime
	} else {
		start = f.time.Now()
	}

	builder := audit.NewAccessEventBuilder(ctx, req, f.time.Now())
	if f.recordHeaders {
		builder.WithHeaders(f.redactedHeaders(req.Headers))
	}

	p := f.dispatch(ctx, req, next, builder, start)

	return promise.Then(p, func(resp *exchange.Response) (*exchange.Response, promise.NeverThrows) {
		status := exchange.StatusInternalServerError
		if resp != nil {
			status = resp.Status
		}
		f.submit(ctx, builder.Build(status, f.time.Now()-start))
		return resp, nil
	}, promise.NoopExceptionFunc[*exchange.Response, promise.NeverThrows]())
}

func (f *AccessAuditFilter) redactedHeaders(h http.Header) http.Header {
	out := h.Clone()
	for name, values := range out {
		if _, ok := f.redact[http.CanonicalHeaderKey(name)]; !ok {
			continue
		}
		masked := make([]string, len(values))
		for i := range masked {
			masked[i] = RedactedValue
		}
		out[name] = masked
	}
	return out
}

// dispatch calls next; a panic is audited as an internal error and re-raised
// unchanged.
func (f *AccessAuditFilter) dispatch(ctx *reqctx.Context, req *exchange.Request, next Handler, builder *audit.AccessEventBuilder, start int64) *ResponsePromise {
	defer func() {
		if r := recover(); r != nil {
			f.submit(ctx, builder.Build(exchange.StatusInternalServerError, f.time.Now()-start))
			panic(r)
		}
	}()
	if p := next.Handle(ctx, req); p != nil {
		return p
	}
	return Respond(exchange.NewInternalServerError(ErrNoResponse))
}

// submit hands the event to the sink without waiting for it to be stored.
func (f *AccessAuditFilter) submit(ctx *reqctx.Context, event audit.AccessEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("audit sink panicked", "transaction_id", event.TransactionID, "panic", r)
		}
	}()
	result := f.sink.Submit(ctx, event)
	if result == nil {
		return
	}
	result.ThenOnException(func(err error) {
		f.logger.Warn("audit event not recorded",
			"transaction_id", event.TransactionID,
			"error", err,
		)
	})
}
