// Package mqtt adapts paho.mqtt.golang to the broker contract. Queues map to
// topics one-to-one.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tracebus/tracebus/pkg/broker"
	"github.com/tracebus/tracebus/pkg/config"
)

// envelope carries metadata alongside the body. MQTT 3.1.1 has no message
// properties of its own, so the metadata has nowhere else to live.
type envelope struct {
	Metadata broker.Metadata `json:"metadata,omitempty"`
	Body     []byte          `json:"body"`
}

// Client dials MQTT brokers.
type Client struct {
	// ClientID is optional; a random one is minted when empty.
	ClientID string
}

func (c *Client) Connect(_ context.Context, host string) (broker.Conn, error) {
	id := c.ClientID
	if id == "" {
		id = "tracebus-" + uuid.NewString()
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(host)
	opts.SetClientID(id)
	// the reconnect loop owns retries
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(config.BrokerDialTimeout)

	cli := pahomqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(config.BrokerDialTimeout) {
		return nil, &broker.ConnectionError{Host: host, Err: errors.New("connect timeout")}
	}
	if err := token.Error(); err != nil {
		return nil, &broker.ConnectionError{Host: host, Err: err}
	}
	return &conn{host: host, cli: cli}, nil
}

type conn struct {
	host string
	cli  pahomqtt.Client
}

// DeclareQueue is a no-op: MQTT topics exist implicitly.
func (c *conn) DeclareQueue(string) error { return nil }

func (c *conn) Publish(_ context.Context, queue string, md broker.Metadata, body []byte) error {
	payload, err := json.Marshal(envelope{Metadata: md, Body: body})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	token := c.cli.Publish(queue, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return &broker.ConnectionError{Host: c.host, Err: err}
	}
	return nil
}

func (c *conn) Consume(queue string, h broker.HandlerFunc) (broker.Subscription, error) {
	token := c.cli.Subscribe(queue, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
		var env envelope
		if err := json.Unmarshal(m.Payload(), &env); err != nil {
			// not an envelope, hand the raw payload through
			h(context.Background(), &broker.Message{Queue: m.Topic(), Body: m.Payload()})
			return
		}
		h(context.Background(), &broker.Message{Queue: m.Topic(), Metadata: env.Metadata, Body: env.Body})
	})
	if !token.WaitTimeout(config.BrokerDialTimeout) {
		return nil, &broker.ConnectionError{Host: c.host, Err: errors.New("subscribe timeout")}
	}
	if err := token.Error(); err != nil {
		return nil, &broker.ConnectionError{Host: c.host, Err: err}
	}
	return &subscription{cli: c.cli, topic: queue}, nil
}

func (c *conn) Close() error {
	c.cli.Disconnect(250)
	return nil
}

type subscription struct {
	cli   pahomqtt.Client
	topic string
}

func (s *subscription) Cancel() error {
	token := s.cli.Unsubscribe(s.topic)
	token.Wait()
	return token.Error()
}
