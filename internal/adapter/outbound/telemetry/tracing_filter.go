package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

const instrumentationName = "github.com/Sentinel-Gate/filtergate"

// ContextName names the context node that carries the span context.
const ContextName = "trace"

// TracingFilter wraps the rest of the chain in a server span. Incoming W3C
// trace headers are honoured and the span context is injected into the
// forwarded request, so upstream calls join the same trace.
type TracingFilter struct {
	route      string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
}

var _ pipeline.Filter = (*TracingFilter)(nil)

// NewTracingFilter creates a filter for route using the given providers.
func NewTracingFilter(route string, tp trace.TracerProvider, mp metric.MeterProvider) (*TracingFilter, error) {
	if tp == nil || mp == nil {
		return nil, &pipeline.ConfigError{Component: "tracing providers", Err: pipeline.ErrNilComponent}
	}
	meter := mp.Meter(instrumentationName)
	requests, err := meter.Int64Counter("filtergate.route.requests",
		metric.WithDescription("Requests handled per route and status code"))
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}
	duration, err := meter.Float64Histogram("filtergate.route.duration",
		metric.WithDescription("Time until the route produced a response"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	return &TracingFilter{
		route:      route,
		tracer:     tp.Tracer(instrumentationName),
		propagator: propagation.TraceContext{},
		requests:   requests,
		duration:   duration,
	}, nil
}

// Filter starts the span, delegates, and ends the span when the response
// is available.
func (f *TracingFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler) *pipeline.ResponsePromise {
	start := time.Now()
	parent := f.propagator.Extract(ctx.Std(), propagation.HeaderCarrier(req.Headers))
	spanCtx, span := f.tracer.Start(parent, req.Method+" "+f.route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", pathOf(req)),
			attribute.String("filtergate.route", f.route),
			attribute.String("filtergate.transaction_id", reqctx.TransactionIDFrom(ctx)),
		),
	)
	f.propagator.Inject(spanCtx, propagation.HeaderCarrier(req.Headers))

	child := reqctx.ExtendStd(ctx, spanCtx, ContextName, span.SpanContext())
	p := f.dispatch(child, req, next, span)

	return pipeline.MapResponse(p, func(resp *exchange.Response) *exchange.Response {
		status := exchange.StatusInternalServerError
		if resp != nil {
			status = resp.Status
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status.Code))
		if status.Code >= http.StatusInternalServerError {
			msg := status.String()
			if resp != nil && resp.Cause != nil {
				span.RecordError(resp.Cause)
				msg = resp.Cause.Error()
			}
			span.SetStatus(codes.Error, msg)
		}
		span.End()

		attrs := metric.WithAttributes(
			attribute.String("route", f.route),
			attribute.Int("status_code", status.Code),
		)
		f.requests.Add(spanCtx, 1, attrs)
		f.duration.Record(spanCtx, float64(time.Since(start).Microseconds())/1000, attrs)
		return resp
	})
}

// dispatch ends the span when next panics, then re-raises.
func (f *TracingFilter) dispatch(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler, span trace.Span) *pipeline.ResponsePromise {
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint("panic: ", r))
			span.End()
			panic(r)
		}
	}()
	if p := next.Handle(ctx, req); p != nil {
		return p
	}
	return pipeline.Respond(exchange.NewInternalServerError(pipeline.ErrNoResponse))
}

// SpanContextFrom returns the span context recorded by a TracingFilter
// upstream of ctx.
func SpanContextFrom(ctx *reqctx.Context) (trace.SpanContext, bool) {
	return reqctx.Find[trace.SpanContext](ctx)
}

func pathOf(req *exchange.Request) string {
	if req.URI == nil {
		return ""
	}
	return req.URI.Path
}
