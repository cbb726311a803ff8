// Package memory is an in-process queue broker used by tests and demos.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/tracebus/tracebus/pkg/broker"
)

const queueDepth = 1024

// Broker holds named queues. Competing consumers on one queue share its
// backlog; each message goes to exactly one of them.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan *broker.Message
}

func New() *Broker {
	return &Broker{queues: make(map[string]chan *broker.Message)}
}

// Client returns a dialer for this broker. The host argument of Connect is
// ignored.
func (b *Broker) Client() broker.Client {
	return client{b: b}
}

func (b *Broker) queue(name string) chan *broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *broker.Message, queueDepth)
		b.queues[name] = q
	}
	return q
}

type client struct {
	b *Broker
}

func (c client) Connect(_ context.Context, _ string) (broker.Conn, error) {
	return &conn{b: c.b}, nil
}

type conn struct {
	b      *Broker
	mu     sync.Mutex
	closed bool
	subs   []*subscription
}

func (c *conn) DeclareQueue(name string) error {
	if c.isClosed() {
		return errors.New("connection closed")
	}
	c.b.queue(name)
	return nil
}

func (c *conn) Publish(_ context.Context, queue string, md broker.Metadata, body []byte) error {
	if c.isClosed() {
		return errors.New("connection closed")
	}
	msg := &broker.Message{Queue: queue, Metadata: make(broker.Metadata, len(md)), Body: body}
	for k, v := range md {
		msg.Metadata[k] = v
	}
	select {
	case c.b.queue(queue) <- msg:
		return nil
	default:
		return errors.New("queue full")
	}
}

func (c *conn) Consume(queue string, h broker.HandlerFunc) (broker.Subscription, error) {
	if c.isClosed() {
		return nil, errors.New("connection closed")
	}
	sub := &subscription{stop: make(chan struct{}), done: make(chan struct{})}
	go sub.run(c.b.queue(queue), h)

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Cancel()
	}
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type subscription struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (s *subscription) run(ch chan *broker.Message, h broker.HandlerFunc) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case msg := <-ch:
			h(context.Background(), msg)
		}
	}
}

// Cancel stops delivery. The handler already running finishes first.
func (s *subscription) Cancel() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
