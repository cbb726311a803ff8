package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"

	"github.com/tracebus/tracebus/pkg/broker"
)

// recorder buffers delivered messages behind a channel for the test to await.
type recorder struct {
	mu   sync.Mutex
	msgs []*broker.Message
	ch   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, queueDepth)}
}

func (rec *recorder) handle(_ context.Context, msg *broker.Message) {
	rec.mu.Lock()
	rec.msgs = append(rec.msgs, msg)
	rec.mu.Unlock()
	rec.ch <- struct{}{}
}

func (rec *recorder) await(t *testing.T, n int) []*broker.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-rec.ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*broker.Message(nil), rec.msgs...)
}

func TestMemory_RoundTrip(t *testing.T) {
	b := New()
	conn, err := b.Client().Connect(context.Background(), "ignored")
	r.NoError(t, err)
	r.NoError(t, conn.DeclareQueue("orders"))

	rec := newRecorder()
	sub, err := conn.Consume("orders", rec.handle)
	r.NoError(t, err)
	defer func() { _ = sub.Cancel() }()

	md := broker.Metadata{"traceparent": "00-cd4262a7f7adf040bdd892959cf8c4fc-4a28d39ff0e725f2-01"}
	r.NoError(t, conn.Publish(context.Background(), "orders", md, []byte("payload")))

	msgs := rec.await(t, 1)
	r.Equal(t, "orders", msgs[0].Queue)
	r.Equal(t, []byte("payload"), msgs[0].Body)
	r.Equal(t, md["traceparent"], msgs[0].Metadata["traceparent"])

	// the metadata was copied, not shared
	md["traceparent"] = "mutated"
	r.NotEqual(t, "mutated", msgs[0].Metadata["traceparent"])
}

func TestMemory_BacklogDelivery(t *testing.T) {
	b := New()
	conn, err := b.Client().Connect(context.Background(), "ignored")
	r.NoError(t, err)

	// published before any consumer exists
	for i := 0; i < 3; i++ {
		r.NoError(t, conn.Publish(context.Background(), "orders", nil, []byte{byte(i)}))
	}

	rec := newRecorder()
	sub, err := conn.Consume("orders", rec.handle)
	r.NoError(t, err)
	defer func() { _ = sub.Cancel() }()

	msgs := rec.await(t, 3)
	r.Equal(t, 3, len(msgs))
}

func TestMemory_CancelStopsDelivery(t *testing.T) {
	b := New()
	conn, err := b.Client().Connect(context.Background(), "ignored")
	r.NoError(t, err)

	rec := newRecorder()
	sub, err := conn.Consume("orders", rec.handle)
	r.NoError(t, err)

	r.NoError(t, conn.Publish(context.Background(), "orders", nil, []byte("before")))
	rec.await(t, 1)

	r.NoError(t, sub.Cancel())
	r.NoError(t, sub.Cancel()) // second call is a safe no-op

	r.NoError(t, conn.Publish(context.Background(), "orders", nil, []byte("after")))
	select {
	case <-rec.ch:
		t.Fatal("delivery after Cancel")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemory_CloseRejectsUse(t *testing.T) {
	b := New()
	conn, err := b.Client().Connect(context.Background(), "ignored")
	r.NoError(t, err)

	rec := newRecorder()
	_, err = conn.Consume("orders", rec.handle)
	r.NoError(t, err)

	r.NoError(t, conn.Close())
	r.Error(t, conn.Publish(context.Background(), "orders", nil, []byte("payload")))
	r.Error(t, conn.DeclareQueue("other"))
	_, err = conn.Consume("orders", rec.handle)
	r.Error(t, err)
}
