// Package broker defines the capability contract the producer and consumer
// program against. Adapters live in the subpackages; pkg/broker/memory is an
// in-process implementation, pkg/broker/mqtt speaks MQTT via paho.
package broker

import (
	"context"
	"fmt"
)

// Metadata travels with every message. String keys and values only; the
// trace context rides here under the traceparent key.
type Metadata map[string]string

// Message is one delivery.
type Message struct {
	Queue    string
	Metadata Metadata
	Body     []byte
}

// HandlerFunc is invoked once per delivery, potentially concurrently,
// bounded only by the broker client's own dispatch concurrency.
type HandlerFunc func(ctx context.Context, msg *Message)

// Subscription is an active consumer registration.
type Subscription interface {
	Cancel() error
}

// Conn is one broker connection plus channel. It is not safe for
// unsynchronized concurrent Publish calls: serialize publishes per conn or
// use one conn per concurrent publisher.
type Conn interface {
	DeclareQueue(name string) error
	Publish(ctx context.Context, queue string, md Metadata, body []byte) error
	Consume(queue string, h HandlerFunc) (Subscription, error)
	Close() error
}

// Client dials brokers.
type Client interface {
	Connect(ctx context.Context, host string) (Conn, error)
}

// ConnectionError reports an unreachable broker. The consumer's reconnect
// loop recovers from these; they never surface to message-processing code.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s unreachable: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
