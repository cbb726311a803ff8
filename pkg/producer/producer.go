// Package producer publishes messages with the trace context injected into
// the message metadata, so any downstream consumer can continue the trace.
package producer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tracebus/tracebus/pkg/broker"
	"github.com/tracebus/tracebus/pkg/collector"
	"github.com/tracebus/tracebus/pkg/metrics"
	"github.com/tracebus/tracebus/pkg/tracing"
)

type Producer struct {
	conn   broker.Conn
	host   string
	queue  string
	source string

	collector *collector.Collector
	reporter  *metrics.Reporter

	// the conn is not safe for concurrent publishes
	muPublish sync.Mutex
}

type Option func(*Producer)

// WithCollector enables span instrumentation.
func WithCollector(c *collector.Collector) Option {
	return func(p *Producer) { p.collector = c }
}

// WithReporter wires the metrics collaborator.
func WithReporter(r *metrics.Reporter) Option {
	return func(p *Producer) { p.reporter = r }
}

func New(conn broker.Conn, host, queue, source string, opts ...Option) *Producer {
	p := &Producer{conn: conn, host: host, queue: queue, source: source}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends body to the configured queue with the trace context attached
// under the traceparent key. The producer span covers the full network call
// and is ended on every path, success or failure.
func (p *Producer) Publish(ctx context.Context, body []byte) error {
	var span *tracing.Span
	if p.collector != nil {
		span = p.collector.StartSpan(ctx, "publish "+p.queue, tracing.KindProducer, nil)
		span.AddTag("operation", "publish")
		span.AddTag("host", p.host)
		span.AddTag("queue", p.queue)
		defer span.End()
	}

	tc := tracing.NewRoot()
	if span != nil {
		tc = span.Context()
	} else if parent := tracing.SpanFromContext(ctx); parent != nil {
		tc = parent.Context()
	}
	md := broker.Metadata{tracing.TraceParentHeader: tc.String()}

	p.muPublish.Lock()
	err := p.conn.Publish(ctx, p.queue, md, body)
	p.muPublish.Unlock()

	if err != nil {
		if span != nil {
			span.SetStatus(tracing.StatusError, err.Error())
		}
		p.reporter.ReportError(metrics.StagePublish, err)
		return fmt.Errorf("publishing to %s: %w", p.queue, err)
	}

	p.reporter.IncEnqueued(p.source)
	logrus.WithField("trace_id", tc.TraceID.String()).
		WithField("queue", p.queue).
		Debug("tracebus published message")
	return nil
}
