package tracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter accepts ended spans.
type Exporter interface {
	Export(span *Span) error
}

// RetryableError marks an export failure worth one more attempt.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// OTelExporter replays ended spans into an OpenTelemetry tracer provider,
// preserving identity and timestamps, so any OTLP-speaking backend can
// receive them.
type OTelExporter struct {
	tracer tr.Tracer
}

// NewGRPCExporter ships spans to an OTLP/gRPC collector at target.
func NewGRPCExporter(ctx context.Context, target string) (*OTelExporter, func(context.Context) error, error) {
	conn, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dialing OTLP target: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gRPC exporter: %w", err)
	}

	provider := sdktr.NewTracerProvider(
		sdktr.WithBatcher(exporter),
		sdktr.WithResource(resource.Empty()),
		sdktr.WithIDGenerator(contextIDGenerator{}))

	return newOTelExporter(provider), provider.Shutdown, nil
}

// NewStdoutExporter pretty-prints spans to stdout.
func NewStdoutExporter() (*OTelExporter, func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout exporter: %w", err)
	}

	provider := sdktr.NewTracerProvider(
		sdktr.WithBatcher(exporter),
		sdktr.WithResource(resource.Empty()),
		sdktr.WithIDGenerator(contextIDGenerator{}))

	return newOTelExporter(provider), provider.Shutdown, nil
}

// NewDummyExporter only for testing purposes
func NewDummyExporter() (*OTelExporter, func(context.Context) error, error) {
	provider := sdktr.NewTracerProvider(
		sdktr.WithResource(resource.NewSchemaless(attr.Bool("debug", true))),
		sdktr.WithIDGenerator(contextIDGenerator{}))
	return newOTelExporter(provider), provider.Shutdown, nil
}

func newOTelExporter(provider *sdktr.TracerProvider) *OTelExporter {
	return &OTelExporter{tracer: provider.Tracer("tracebus")}
}

// Export rebuilds the span inside the provider: remote parent context, start
// options carrying the original timestamp and tags, End with the original
// end time. The id generator reads the span's own ids back out of the
// context, so the replayed span keeps its identity.
func (e *OTelExporter) Export(span *Span) error {
	if !span.Ended() {
		return fmt.Errorf("span %s not ended", span.SpanID())
	}

	flags := tr.TraceFlags(0)
	if span.Context().Sampled() {
		flags = tr.FlagsSampled
	}

	ctx := tr.ContextWithSpanContext(context.Background(), tr.NewSpanContext(tr.SpanContextConfig{
		TraceID:    span.TraceID(),
		SpanID:     span.ParentSpanID(),
		TraceFlags: flags,
		Remote:     true,
	}))
	ctx = contextWithIDs(ctx, span.TraceID(), span.SpanID())

	opts := []tr.SpanStartOption{
		tr.WithTimestamp(span.StartTime()),
		tr.WithSpanKind(otelKind(span.Kind())),
	}
	for k, v := range span.Tags() {
		opts = append(opts, tr.WithAttributes(attr.String(k, v)))
	}

	_, otelSpan := e.tracer.Start(ctx, span.Name(), opts...)
	for _, ev := range span.Events() {
		otelSpan.AddEvent(ev.Name, tr.WithTimestamp(ev.Time))
	}
	switch st := span.Status(); st.Code {
	case StatusOK:
		otelSpan.SetStatus(codes.Ok, "")
	case StatusError:
		otelSpan.SetStatus(codes.Error, st.Description)
	}
	otelSpan.End(tr.WithTimestamp(span.EndTime()))
	return nil
}

func otelKind(kind SpanKind) tr.SpanKind {
	switch kind {
	case KindProducer:
		return tr.SpanKindProducer
	case KindConsumer:
		return tr.SpanKindConsumer
	case KindClient:
		return tr.SpanKindClient
	case KindServer:
		return tr.SpanKindServer
	default:
		return tr.SpanKindInternal
	}
}

type idCtxKey struct{}

type spanIDs struct {
	traceID tr.TraceID
	spanID  tr.SpanID
}

func contextWithIDs(ctx context.Context, traceID tr.TraceID, spanID tr.SpanID) context.Context {
	return context.WithValue(ctx, idCtxKey{}, spanIDs{traceID: traceID, spanID: spanID})
}

// contextIDGenerator hands the SDK the ids carried in the context instead of
// random ones, falling back to fresh ids otherwise.
type contextIDGenerator struct{}

func (contextIDGenerator) NewIDs(ctx context.Context) (tr.TraceID, tr.SpanID) {
	if ids, ok := ctx.Value(idCtxKey{}).(spanIDs); ok {
		return ids.traceID, ids.spanID
	}
	tc := NewRoot()
	return tc.TraceID, tc.SpanID
}

func (contextIDGenerator) NewSpanID(ctx context.Context, _ tr.TraceID) tr.SpanID {
	if ids, ok := ctx.Value(idCtxKey{}).(spanIDs); ok {
		return ids.spanID
	}
	return NewRoot().SpanID
}

// LogExporter writes ended spans as structured log lines. Debug aid.
type LogExporter struct {
	logger *logrus.Logger
}

func NewLogExporter(logger *logrus.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

func (e *LogExporter) Export(span *Span) error {
	if !span.Ended() {
		return fmt.Errorf("span %s not ended", span.SpanID())
	}
	st := span.Status()
	e.logger.WithFields(logrus.Fields{
		"trace_id":  span.TraceID().String(),
		"span_id":   span.SpanID().String(),
		"parent_id": span.ParentSpanID().String(),
		"kind":      span.Kind().String(),
		"status":    st.Code.String(),
		"error":     st.Description,
		"start":     span.StartTime(),
		"end":       span.EndTime(),
		"tags":      span.Tags(),
	}).Info(span.Name())
	return nil
}
