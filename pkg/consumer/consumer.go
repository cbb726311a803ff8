// Package consumer owns the broker connection lifecycle and creates one
// correlated child span per delivery.
//
// A message without a parseable traceparent entry is handled fail-fast by
// default: no span is created, the failure is counted and the message stays
// acknowledged. WithRootFallback switches to promoting such messages to new
// root traces instead.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tracebus/tracebus/pkg/broker"
	"github.com/tracebus/tracebus/pkg/collector"
	"github.com/tracebus/tracebus/pkg/config"
	"github.com/tracebus/tracebus/pkg/metrics"
	"github.com/tracebus/tracebus/pkg/tracing"
)

// State of the broker connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Consuming
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Consuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// Processor handles the payload of one delivery.
type Processor interface {
	Process(ctx context.Context, msg *broker.Message) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *broker.Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg *broker.Message) error {
	return f(ctx, msg)
}

type Consumer struct {
	client    broker.Client
	host      string
	queue     string
	processor Processor

	collector *collector.Collector
	reporter  *metrics.Reporter

	backoff      time.Duration
	rootFallback bool

	state atomic.Int32

	mu   sync.Mutex
	conn broker.Conn
	sub  broker.Subscription
}

type Option func(*Consumer)

// WithCollector enables span instrumentation.
func WithCollector(c *collector.Collector) Option {
	return func(con *Consumer) { con.collector = c }
}

// WithReporter wires the metrics and error-reporting collaborator.
func WithReporter(r *metrics.Reporter) Option {
	return func(con *Consumer) { con.reporter = r }
}

// WithBackoff overrides the fixed wait between failed connect attempts.
func WithBackoff(d time.Duration) Option {
	return func(con *Consumer) { con.backoff = d }
}

// WithRootFallback promotes messages without trace metadata to new root
// traces instead of failing fast.
func WithRootFallback() Option {
	return func(con *Consumer) { con.rootFallback = true }
}

func New(client broker.Client, host, queue string, p Processor, opts ...Option) *Consumer {
	con := &Consumer{
		client:    client,
		host:      host,
		queue:     queue,
		processor: p,
		backoff:   config.ReconnectBackoff,
	}
	for _, opt := range opts {
		opt(con)
	}
	return con
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Start connects and begins consuming, retrying failed attempts after a
// fixed backoff until one succeeds or ctx is cancelled. It returns once
// consuming; the loop does not keep retrying after that.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setState(Disconnected)
			return err
		}

		err := c.connect(ctx)
		if err == nil {
			c.setState(Consuming)
			logrus.WithField("queue", c.queue).Infof("tracebus consuming from %s", c.host)
			return nil
		}

		c.setState(Disconnected)
		c.reporter.ReportError(metrics.StageConnect, err)
		c.reporter.IncReconnect()
		logrus.WithError(err).Warnf("tracebus couldn't connect to %s, retrying in %s", c.host, c.backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

// connect opens connection, queue and subscription, releasing whatever was
// created when a later step fails.
func (c *Consumer) connect(ctx context.Context) error {
	c.setState(Connecting)

	conn, err := c.client.Connect(ctx, c.host)
	if err != nil {
		return err
	}
	if err := conn.DeclareQueue(c.queue); err != nil {
		_ = conn.Close()
		return err
	}
	sub, err := conn.Consume(c.queue, c.handle)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn, c.sub = conn, sub
	c.mu.Unlock()
	return nil
}

// handle runs once per delivery. Nothing raised here may stop the consume
// loop; acknowledgment happened at delivery time, so every path below leaves
// the message handled.
func (c *Consumer) handle(ctx context.Context, msg *broker.Message) {
	header, ok := msg.Metadata[tracing.TraceParentHeader]
	if !ok {
		if c.rootFallback {
			c.process(ctx, msg, nil)
			return
		}
		err := &tracing.FormatError{Reason: "missing traceparent metadata"}
		c.reporter.ReportError(metrics.StageFormat, err)
		logrus.WithField("queue", c.queue).Warn("tracebus dropped message without traceparent")
		return
	}

	tc, err := tracing.Parse(header)
	if err != nil {
		c.reporter.ReportError(metrics.StageFormat, err)
		logrus.WithError(err).WithField("queue", c.queue).Warn("tracebus dropped message with bad traceparent")
		return
	}
	c.process(ctx, msg, &tc)
}

func (c *Consumer) process(ctx context.Context, msg *broker.Message, parent *tracing.TraceContext) {
	logger := logrus.WithField("queue", c.queue)

	var span *tracing.Span
	if c.collector != nil {
		span = c.collector.StartSpan(ctx, "consume "+c.queue, tracing.KindConsumer, parent)
		span.AddTag("queue", c.queue)
		ctx = tracing.ContextWithSpan(ctx, span)
		logger = logger.WithField("trace_id", span.TraceID().String())
		defer span.End()
	}

	if err := c.invoke(ctx, msg); err != nil {
		if span != nil {
			span.SetStatus(tracing.StatusError, err.Error())
		}
		c.reporter.ReportError(metrics.StageProcess, err)
		logger.WithError(err).Error("tracebus couldn't process message")
		return
	}
	logger.Debug("tracebus processed message")
}

// invoke calls the downstream processor, converting a panic into an error so
// one bad message cannot take the process down.
func (c *Consumer) invoke(ctx context.Context, msg *broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return c.processor.Process(ctx, msg)
}

// Stop cancels the consumer registration and closes the connection.
// In-flight handlers are not drained. Errors on the disposal path are
// suppressed; Stop is safe to call twice.
func (c *Consumer) Stop(_ context.Context) error {
	c.mu.Lock()
	sub, conn := c.sub, c.conn
	c.sub, c.conn = nil, nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Cancel(); err != nil {
			logrus.WithError(err).Warn("tracebus couldn't cancel subscription")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logrus.WithError(err).Warn("tracebus couldn't close connection")
		}
	}
	c.setState(Disconnected)
	return nil
}
