package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// ErrNotStarted is returned by operations that need a running
// connection manager before Start has been called.
var ErrNotStarted = errors.New("broker: client not started")

// Options configures a broker client. All fields other than URL are
// optional; zero values take the defaults noted per field.
type Options struct {
	// URL of the broker, e.g. "mqtt://host:1883" or "mqtts://host:8883".
	URL string

	// ClientID identifies this session to the broker.
	ClientID string

	// Credentials is the resolved credential variant from [Resolve].
	Credentials Credentials

	// KeepAlive is the MQTT keepalive in seconds. Zero disables the
	// client's background ping entirely, the keepalive workaround
	// carried over from the firmware (see config.BrokerConfig).
	KeepAlive uint16

	// ConnectTimeout bounds how long AwaitConnection blocks for one
	// startup attempt window (default 30s).
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish call (default 10s).
	PublishTimeout time.Duration

	// SubscribeTopic, when non-empty, is subscribed on every
	// (re-)connect. Messages arrive via OnMessage.
	SubscribeTopic string

	// QoS applies to both the subscription and outbound publishes.
	QoS byte

	// OnMessage receives inbound messages on the subscribed topic.
	// Called from paho's receive goroutine; must not block.
	OnMessage func(topic string, payload []byte)

	// InboundLimit caps dispatched messages per minute on the
	// subscribed topic (default 120). Excess messages are dropped.
	InboundLimit int64

	// OnSessionUp fires after each successful (re-)connect, once the
	// subscription has been restored.
	OnSessionUp func()

	// OnSessionDown fires when an established session drops.
	OnSessionDown func(err error)

	Logger *slog.Logger
}

// Client wraps an autopaho connection manager. Reconnection is paho's
// job; the client tracks session state, restores the subscription on
// every connect, and bounds the two blocking suspension points
// (connect, publish) with explicit timeouts.
type Client struct {
	opts   Options
	logger *slog.Logger
	host   string

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
	limiter   *inboundLimiter
}

// New creates a Client but does not connect. Call [Client.Start].
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.InboundLimit <= 0 {
		opts.InboundLimit = 120
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		limiter: newInboundLimiter(opts.InboundLimit, time.Minute, logger),
	}
}

// Host returns the broker host portion of the URL, for display.
func (c *Client) Host() string { return c.host }

// Start launches the connection manager. It returns once the manager
// is running; it does not wait for the session. Use
// [Client.AwaitConnection] for the bounded startup handshake.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}
	c.host = brokerURL.Hostname()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       c.opts.KeepAlive,
		ConnectUsername: c.opts.Credentials.Username,
		ConnectPassword: []byte(c.opts.Credentials.Password),
		TlsCfg:          c.tlsConfig(brokerURL.Scheme),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker",
				"broker", c.opts.URL,
				"auth", string(c.opts.Credentials.Kind),
			)
			c.resubscribe(ctx, cm)
			if c.opts.OnSessionUp != nil {
				c.opts.OnSessionUp()
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
			OnClientError: func(err error) {
				if c.connected.Swap(false) {
					c.logger.Warn("mqtt session lost", "error", err)
					if c.opts.OnSessionDown != nil {
						c.opts.OnSessionDown(err)
					}
				}
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if c.connected.Swap(false) {
					err := fmt.Errorf("server disconnect (reason code %d)", d.ReasonCode)
					c.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
					if c.opts.OnSessionDown != nil {
						c.opts.OnSessionDown(err)
					}
				}
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	go c.limiter.run(ctx)
	return nil
}

// tlsConfig picks the TLS state for the connection: the resolved
// credential TLS when present, otherwise a minimal config for secure
// URL schemes (system roots), otherwise nil for plain TCP.
func (c *Client) tlsConfig(scheme string) *tls.Config {
	if c.opts.Credentials.TLS != nil {
		return c.opts.Credentials.TLS
	}
	switch scheme {
	case "mqtts", "ssl", "tls":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

// AwaitConnection blocks until the session is up or the configured
// connect timeout elapses. This is the bounded startup suspension
// point; steady-state reconnection happens in the background.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	connCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := c.cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("await broker connection: %w", err)
	}
	return nil
}

// IsConnected reports whether the session is currently established,
// read fresh from the session callbacks.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish sends one payload to topic at the configured QoS. The call
// is bounded by the publish timeout; at QoS 1 it returns after the
// broker acknowledges. Failed publishes are not retried here;
// telemetry is at-most-once.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	pubCtx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	_, err := c.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		QoS:     c.opts.QoS,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the session cleanly.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}

// resubscribe restores the command subscription after a (re-)connect.
// Subscribe failures are logged and otherwise ignored: the firmware
// treated a failed subscribe as non-fatal and kept publishing.
func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if c.opts.SubscribeTopic == "" {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: c.opts.SubscribeTopic, QoS: c.opts.QoS},
		},
	}); err != nil {
		c.logger.Warn("mqtt subscribe failed",
			"topic", c.opts.SubscribeTopic, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "topic", c.opts.SubscribeTopic)
}

func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	if !c.limiter.allow() {
		return false, nil
	}
	c.logger.Debug("mqtt message received",
		"topic", pr.Packet.Topic,
		"payload_size", len(pr.Packet.Payload),
	)
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
	}
	return true, nil
}
