// Package transport owns the MQTT subscription that feeds the pipeline.
package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/logging"
)

// MessageSink receives every inbound message. Implementations must not block:
// the callback runs on the paho client's router goroutine.
type MessageSink interface {
	HandleMessage(topic string, payload []byte, receivedAt time.Time)
}

// Options configure the MQTT subscriber.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topics    []string
	QoS       byte
	KeepAlive time.Duration
}

// Subscriber wraps the paho client with reconnect handling and routes
// inbound messages into the pipeline.
type Subscriber struct {
	client mqtt.Client
	opts   Options
	log    *logging.Logger
}

// NewSubscriber builds a subscriber; Connect must be called before messages
// flow. Subscriptions are re-established from the OnConnect hook so they
// survive broker restarts.
func NewSubscriber(opts Options, sink MessageSink, log *logging.Logger) *Subscriber {
	s := &Subscriber{opts: opts, log: log.Named("mqtt")}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		sink.HandleMessage(msg.Topic(), msg.Payload(), time.Now().UTC())
	}

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(keepAlive).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	clientOpts.OnConnect = func(c mqtt.Client) {
		s.log.Info("connected to broker", "broker", opts.BrokerURL)
		for _, topic := range opts.Topics {
			if token := c.Subscribe(topic, opts.QoS, handler); token.Wait() && token.Error() != nil {
				s.log.Error("subscribe failed", "topic", topic, "error", token.Error())
				continue
			}
			s.log.Info("subscribed", "topic", topic, "qos", opts.QoS)
		}
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warn("connection lost", "error", err)
	}
	clientOpts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.log.Info("reconnecting", "broker", opts.BrokerURL)
	}

	s.client = mqtt.NewClient(clientOpts)
	return s
}

// Connect dials the broker, retrying with exponential backoff until the
// context is cancelled.
func (s *Subscriber) Connect(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		s.log.Warn("connect failed", "error", token.Error(), "retry_in", backoff)
		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect: %w", ctx.Err())
		}
	}
}

// IsConnected reports the live broker connection state for health checks.
func (s *Subscriber) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// Close disconnects, allowing in-flight work a short window to complete.
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
	s.log.Info("disconnected")
}
