// Package netwatch monitors network reachability, the stand-in for the
// device's Wi-Fi link. A watcher probes a single address in two
// phases:
//
//  1. Startup: a bounded number of attempts separated by a fixed
//     delay. Exhausting the budget is fatal to the caller, matching
//     the firmware's halt-on-boot-failure behavior.
//  2. Steady state: unbounded periodic polling with state-transition
//     callbacks. Retry timing is deliberately constant: no
//     exponential growth, no jitter.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the network is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config configures a watcher.
type Config struct {
	// Name is a human-readable identifier for logging (e.g. "network").
	Name string

	// Probe checks reachability. Must be safe for concurrent use.
	Probe ProbeFunc

	// StartupAttempts is the bounded probe budget during startup
	// (default 30, the firmware's boot loop count).
	StartupAttempts int

	// RetryDelay is the fixed delay between startup attempts
	// (default 500ms, the firmware's loop delay).
	RetryDelay time.Duration

	// PollInterval is the steady-state check cadence (default 5s).
	PollInterval time.Duration

	// ProbeTimeout bounds each individual probe call (default 10s).
	ProbeTimeout time.Duration

	// OnReady is called when the network transitions from down to up.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the network transitions from up to down.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the watcher's health snapshot, suitable for JSON
// serialization in the status endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one address.
type Watcher struct {
	config Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// New creates a watcher. Call [Watcher.StartupProbe] for the blocking
// boot-time phase, then [Watcher.Start] for background polling.
func New(cfg Config) *Watcher {
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = 30
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{config: cfg}
}

// IsReady reports whether the network is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// StartupProbe runs the bounded boot-time attempt loop. It blocks
// until the network answers, the attempt budget is exhausted, or ctx
// is cancelled. A non-nil return means the caller should treat the
// condition as fatal and exit.
func (w *Watcher) StartupProbe(ctx context.Context) error {
	logger := w.config.Logger

	var lastErr error
	for attempt := 1; attempt <= w.config.StartupAttempts; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("network reachable",
				"watcher", w.config.Name,
				"after_attempts", attempt,
			)
			return nil
		}
		lastErr = err

		logger.Debug("startup probe failed, retrying",
			"watcher", w.config.Name,
			"attempt", attempt,
			"max_attempts", w.config.StartupAttempts,
			"retry_delay", w.config.RetryDelay.String(),
			"error", err,
		)

		if attempt < w.config.StartupAttempts && !sleepCtx(ctx, w.config.RetryDelay) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("network unreachable after %d attempts: %w",
		w.config.StartupAttempts, lastErr)
}

// Start launches the steady-state polling goroutine. Use [Watcher.Stop]
// or cancel ctx to end it.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the steady-state polling loop. Each cycle probes once and
// fires the transition callbacks; the next cycle is always one fixed
// PollInterval away regardless of outcome.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			if wasReady && err != nil {
				w.ready.Store(false)
				logger.Info("network became unreachable",
					"watcher", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			} else if !wasReady && err == nil {
				w.ready.Store(true)
				logger.Info("network recovered",
					"watcher", w.config.Name,
				)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			} else if !wasReady && err != nil {
				logger.Debug("network still unreachable",
					"watcher", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// DialProbe returns a ProbeFunc that TCP-dials addr. Reaching the
// broker's listener is the closest portable equivalent of the
// firmware's Wi-Fi status check.
func DialProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// ProbeAddress derives the host:port to probe from a broker URL,
// filling in the scheme's default port when the URL has none.
func ProbeAddress(brokerURL string) (string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", fmt.Errorf("parse broker URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("broker URL %q has no host", brokerURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "mqtts", "ssl", "tls":
			port = "8883"
		default:
			port = "1883"
		}
	}
	return net.JoinHostPort(host, port), nil
}
