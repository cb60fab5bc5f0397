// Package loop implements the telemetry control loop: a single
// goroutine that alternates between a connectivity check and a
// timer-gated publish, reflecting every state change onto the screen.
// All loop state lives in an explicit State struct owned by the
// controller; there are no package-level flags.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/howardginsburg/mqttagent/internal/metrics"
	"github.com/howardginsburg/mqttagent/internal/sensors"
	"github.com/howardginsburg/mqttagent/internal/status"
	"github.com/howardginsburg/mqttagent/internal/telemetry"
)

// displayClip is the payload clamp for a display line, carried over
// from the firmware's 63-byte buffer.
const displayClip = 63

// Broker is the session surface the loop needs. Satisfied by
// *broker.Client; faked in tests.
type Broker interface {
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
}

// NetworkSource reports network reachability. Satisfied by
// *netwatch.Watcher.
type NetworkSource interface {
	IsReady() bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Config holds the loop parameters, resolved once at startup.
type Config struct {
	DeviceID     string
	PublishTopic string
	BrokerHost   string        // for display lines
	Interval     time.Duration // publish cadence
	PollInterval time.Duration // loop tick cadence (default 100ms)
}

// State is the loop's mutable state. It is written only by the loop
// goroutine; a mutex guards it solely so the status server can take
// consistent snapshots.
type State struct {
	MessageID     int64
	LastPublish   time.Time
	HasNetwork    bool
	HasBroker     bool
	Connection    status.ConnectionState
	LastError     string
	LastSample    *telemetry.Sample
	everConnected bool
}

// Snapshot is the status-server view of the loop.
type Snapshot struct {
	Connection   status.ConnectionState `json:"connection"`
	MessageCount int64                  `json:"message_count"`
	LastPublish  time.Time              `json:"last_publish,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
	LastSample   *telemetry.Sample      `json:"last_sample,omitempty"`
	PublishTopic string                 `json:"publish_topic"`
}

// Controller runs the telemetry loop.
type Controller struct {
	cfg     Config
	broker  Broker
	network NetworkSource
	reader  sensors.Reader
	encoder *telemetry.Encoder
	screen  *status.Screen
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   Clock

	mu    sync.Mutex
	state State
}

// New creates a controller. All dependencies are required except
// clock, which defaults to the wall clock.
func New(cfg Config, brk Broker, network NetworkSource, reader sensors.Reader,
	encoder *telemetry.Encoder, screen *status.Screen, m *metrics.Metrics,
	logger *slog.Logger, clock Clock) *Controller {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Controller{
		cfg:     cfg,
		broker:  brk,
		network: network,
		reader:  reader,
		encoder: encoder,
		screen:  screen,
		metrics: m,
		logger:  logger,
		clock:   clock,
	}
}

// Run executes the polling loop until ctx is cancelled. Each cycle is
// one Tick: connectivity check, then timer-gated publish.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	// First cycle immediately; the firmware published on its first
	// loop() pass rather than waiting a full interval.
	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one loop cycle.
func (c *Controller) Tick(ctx context.Context) {
	state := c.ensureConnected()
	if state == status.Connected {
		c.publishIfDue(ctx, c.clock.Now())
	}
}

// ensureConnected derives the connection state fresh from the network
// watcher and the broker session, updates metrics and the screen on
// changes, and returns the state. Reconnection itself is driven by the
// broker client in the background; the loop only observes and
// reflects.
func (c *Controller) ensureConnected() status.ConnectionState {
	hasNetwork := c.network.IsReady()
	hasBroker := c.broker.IsConnected()
	derived := status.Derive(hasNetwork, hasBroker)

	c.mu.Lock()
	prev := c.state.Connection
	prevBroker := c.state.HasBroker
	c.state.HasNetwork = hasNetwork
	c.state.HasBroker = hasBroker
	c.state.Connection = derived
	if derived == status.Connected && prevBroker != hasBroker && c.state.everConnected {
		c.metrics.Reconnects.Inc()
	}
	if derived == status.Connected {
		c.state.everConnected = true
	}
	c.mu.Unlock()

	if derived != prev {
		c.metrics.SetState(derived)
		c.screen.ShowIndicator(derived, status.Reflect(derived, c.cfg.BrokerHost))
		c.logger.Info("connection state changed",
			"from", prev.String(),
			"to", derived.String(),
		)
	}
	return derived
}

// publishIfDue publishes one sample when the interval has elapsed.
// The message ID is consumed per attempt, success or failure, and a
// missed publish is never retried; the next tick simply attempts
// again with the next ID.
func (c *Controller) publishIfDue(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if !c.state.LastPublish.IsZero() && now.Sub(c.state.LastPublish) < c.cfg.Interval {
		c.mu.Unlock()
		return
	}
	c.state.LastPublish = now
	id := c.state.MessageID
	c.state.MessageID++
	c.mu.Unlock()

	c.metrics.PublishAttempts.Inc()

	sample := telemetry.NewSample(id, c.cfg.DeviceID, c.reader.Read(), now)
	payload, err := c.encoder.Encode(sample)
	if err != nil {
		if errors.Is(err, telemetry.ErrPayloadTooLarge) {
			c.metrics.EncodeRejects.Inc()
		}
		c.recordFailure(err)
		return
	}

	c.screen.Show(status.Connected, status.ColorMagenta,
		"Publishing...", c.cfg.PublishTopic)
	c.logger.Info("publishing telemetry",
		"message_id", sample.MessageID,
		"topic", c.cfg.PublishTopic,
		"bytes", len(payload),
	)

	if err := c.broker.Publish(ctx, c.cfg.PublishTopic, payload); err != nil {
		c.recordFailure(err)
		return
	}

	c.mu.Lock()
	c.state.LastError = ""
	c.state.LastSample = &sample
	c.mu.Unlock()

	c.screen.Show(status.Connected, status.ColorGreen,
		"MQTT Active",
		fmt.Sprintf("Temp: %.1fC", sample.Temperature),
		fmt.Sprintf("Hum:  %.1f%%", sample.Humidity),
		fmt.Sprintf("Msg #%d sent", sample.MessageID+1),
	)
	c.logger.Debug("telemetry sent", "message_id", sample.MessageID)
}

// recordFailure logs a failed attempt and shows the error state. The
// message is not retried; error state clears on the next success.
func (c *Controller) recordFailure(err error) {
	c.metrics.PublishFailures.Inc()

	c.mu.Lock()
	c.state.LastError = err.Error()
	c.mu.Unlock()

	c.screen.Show(status.Connected, status.ColorRed,
		"Publish Error", status.ClipForDisplay(err.Error(), displayClip))
	c.logger.Warn("publish failed", "error", err)
}

// OnMessage handles an inbound message on the subscribed command
// topic. Called from the broker client's receive path; it touches only
// concurrency-safe surfaces, never the loop state.
func (c *Controller) OnMessage(topic string, payload []byte) {
	c.metrics.MessagesReceived.Inc()
	c.screen.Show(status.Connected, status.ColorCyan,
		"Msg Received:",
		status.ClipForDisplay(topic, 31),
		status.ClipForDisplay(string(payload), displayClip),
	)
	c.logger.Info("message received",
		"topic", topic,
		"payload_size", len(payload),
	)
}

// Snapshot returns a consistent copy of the loop state for the status
// server.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Connection:   c.state.Connection,
		MessageCount: c.state.MessageID,
		LastPublish:  c.state.LastPublish,
		LastError:    c.state.LastError,
		LastSample:   c.state.LastSample,
		PublishTopic: c.cfg.PublishTopic,
	}
}
