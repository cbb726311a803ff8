package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"

	"github.com/tracebus/tracebus/pkg/broker"
	"github.com/tracebus/tracebus/pkg/collector"
	"github.com/tracebus/tracebus/pkg/tracing"
)

const (
	sampleHeader  = "00-cd4262a7f7adf040bdd892959cf8c4fc-4a28d39ff0e725f2-01"
	sampleTraceID = "cd4262a7f7adf040bdd892959cf8c4fc"
	sampleSpanID  = "4a28d39ff0e725f2"
)

// flakyClient fails the first N connect attempts, then hands out conn.
type flakyClient struct {
	mu       sync.Mutex
	failures int
	attempts []time.Time
	conn     broker.Conn
}

func (c *flakyClient) Connect(_ context.Context, host string) (broker.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, time.Now())
	if len(c.attempts) <= c.failures {
		return nil, &broker.ConnectionError{Host: host, Err: errors.New("connection refused")}
	}
	return c.conn, nil
}

func (c *flakyClient) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

// fakeConn records lifecycle calls.
type fakeConn struct {
	mu         sync.Mutex
	declared   []string
	consumeErr error
	handler    broker.HandlerFunc
	closed     bool
	sub        *fakeSub
}

func (c *fakeConn) DeclareQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return nil
}

func (c *fakeConn) Publish(context.Context, string, broker.Metadata, []byte) error {
	return errors.New("not a producer")
}

func (c *fakeConn) Consume(_ string, h broker.HandlerFunc) (broker.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.handler = h
	c.sub = &fakeSub{}
	return c.sub, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSub struct {
	mu        sync.Mutex
	cancelled bool
}

func (s *fakeSub) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

// recordExporter collects ended spans.
type recordExporter struct {
	mu    sync.Mutex
	spans []*tracing.Span
}

func (e *recordExporter) Export(span *tracing.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, span)
	return nil
}

func (e *recordExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spans)
}

func mockNewConsumer(client broker.Client, p Processor, opts ...Option) (*Consumer, *recordExporter) {
	col := collector.New(0)
	rec := &recordExporter{}
	col.RegisterExporter(rec)
	opts = append(opts, WithCollector(col), WithBackoff(20*time.Millisecond))
	return New(client, "tcp://broker:1883", "orders", p, opts...), rec
}

func nopProcessor() Processor {
	return ProcessorFunc(func(context.Context, *broker.Message) error { return nil })
}

func TestConsumer_ReconnectLoop(t *testing.T) {
	const failures = 3
	client := &flakyClient{failures: failures, conn: &fakeConn{}}
	consumer, _ := mockNewConsumer(client, nopProcessor())

	begin := time.Now()
	r.NoError(t, consumer.Start(context.Background()))

	// N failed attempts, then consuming, with the fixed backoff in between
	r.Equal(t, failures+1, client.attemptCount())
	r.Equal(t, Consuming, consumer.State())
	r.GreaterOrEqual(t, time.Since(begin), time.Duration(failures)*20*time.Millisecond)
}

func TestConsumer_StartHonorsCancellation(t *testing.T) {
	// connection never succeeds
	client := &flakyClient{failures: 1 << 30, conn: &fakeConn{}}
	consumer, _ := mockNewConsumer(client, nopProcessor())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		// cancellation during backoff aborts without a further retry
		r.ErrorIs(t, err, context.Canceled)
		r.Equal(t, Disconnected, consumer.State())
	case <-time.After(time.Second):
		t.Fatal("Start didn't honor cancellation")
	}
}

func TestConsumer_ConnectReleasesPartialState(t *testing.T) {
	conn := &fakeConn{consumeErr: errors.New("consume refused")}
	client := &flakyClient{conn: conn}
	consumer, _ := mockNewConsumer(client, nopProcessor())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done

	// the half-opened connection was closed before the retry
	r.Equal(t, true, conn.isClosed())
}

func TestConsumer_CorrelatedProcessing(t *testing.T) {
	var got *tracing.Span
	processor := ProcessorFunc(func(ctx context.Context, _ *broker.Message) error {
		got = tracing.SpanFromContext(ctx)
		return nil
	})
	consumer, rec := mockNewConsumer(&flakyClient{conn: &fakeConn{}}, processor)

	consumer.handle(context.Background(), &broker.Message{
		Queue:    "orders",
		Metadata: broker.Metadata{tracing.TraceParentHeader: sampleHeader},
		Body:     []byte("payload"),
	})

	// the span continues the extracted trace with a fresh span id
	r.Equal(t, 1, rec.count())
	span := rec.spans[0]
	r.Equal(t, got, span)
	r.Equal(t, sampleTraceID, span.TraceID().String())
	r.Equal(t, sampleSpanID, span.ParentSpanID().String())
	r.NotEqual(t, sampleSpanID, span.SpanID().String())
	r.Equal(t, tracing.KindConsumer, span.Kind())
	r.Equal(t, tracing.StatusOK, span.Status().Code)
	r.Equal(t, "orders", span.Tags()["queue"])
}

func TestConsumer_MissingHeaderFailsFast(t *testing.T) {
	invoked := false
	processor := ProcessorFunc(func(context.Context, *broker.Message) error {
		invoked = true
		return nil
	})
	consumer, rec := mockNewConsumer(&flakyClient{conn: &fakeConn{}}, processor)

	consumer.handle(context.Background(), &broker.Message{Queue: "orders", Body: []byte("payload")})

	// no span, no processing; the message stays acknowledged
	r.Equal(t, false, invoked)
	r.Equal(t, 0, rec.count())
}

func TestConsumer_MalformedHeaderFailsFast(t *testing.T) {
	invoked := false
	processor := ProcessorFunc(func(context.Context, *broker.Message) error {
		invoked = true
		return nil
	})
	consumer, rec := mockNewConsumer(&flakyClient{conn: &fakeConn{}}, processor)

	consumer.handle(context.Background(), &broker.Message{
		Queue:    "orders",
		Metadata: broker.Metadata{tracing.TraceParentHeader: "00-nothex-bad-ff"},
	})

	r.Equal(t, false, invoked)
	r.Equal(t, 0, rec.count())
}

func TestConsumer_RootFallback(t *testing.T) {
	consumer, rec := mockNewConsumer(&flakyClient{conn: &fakeConn{}}, nopProcessor(), WithRootFallback())

	consumer.handle(context.Background(), &broker.Message{Queue: "orders", Body: []byte("payload")})

	// promoted to a new root trace instead of failing fast
	r.Equal(t, 1, rec.count())
	r.Equal(t, false, rec.spans[0].ParentSpanID().IsValid())
}

func TestConsumer_ProcessingErrorIsContained(t *testing.T) {
	processor := ProcessorFunc(func(context.Context, *broker.Message) error {
		return errors.New("downstream refused")
	})
	consumer, rec := mockNewConsumer(&flakyClient{conn: &fakeConn{}}, processor)

	consumer.handle(context.Background(), &broker.Message{
		Queue:    "orders",
		Metadata: broker.Metadata{tracing.TraceParentHeader: sampleHeader},
	})

	// the span is still ended, with the error recorded
	r.Equal(t, 1, rec.count())
	r.Equal(t, true, rec.spans[0].Ended())
	r.Equal(t, tracing.StatusError, rec.spans[0].Status().Code)
	r.Equal(t, "downstream refused", rec.spans[0].Status().Description)
}

func TestConsumer_ProcessorPanicIsContained(t *testing.T) {
	processor := ProcessorFunc(func(context.Context, *broker.Message) error {
		panic("boom")
	})
	consumer, rec := mockNewConsumer(&flakyClient{conn: &fakeConn{}}, processor)

	r.NotPanics(t, func() {
		consumer.handle(context.Background(), &broker.Message{
			Queue:    "orders",
			Metadata: broker.Metadata{tracing.TraceParentHeader: sampleHeader},
		})
	})
	r.Equal(t, 1, rec.count())
	r.Equal(t, tracing.StatusError, rec.spans[0].Status().Code)
}

func TestConsumer_Stop(t *testing.T) {
	conn := &fakeConn{}
	consumer, _ := mockNewConsumer(&flakyClient{conn: conn}, nopProcessor())

	r.NoError(t, consumer.Start(context.Background()))
	r.Equal(t, Consuming, consumer.State())

	r.NoError(t, consumer.Stop(context.Background()))
	r.Equal(t, Disconnected, consumer.State())
	r.Equal(t, true, conn.sub.cancelled)
	r.Equal(t, true, conn.isClosed())

	// second Stop is a safe no-op
	r.NoError(t, consumer.Stop(context.Background()))
}
