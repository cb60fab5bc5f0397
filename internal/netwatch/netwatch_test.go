package netwatch

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// testConfig returns a fast watcher config for tests.
func testConfig(probe ProbeFunc) Config {
	return Config{
		Name:            "test-net",
		Probe:           probe,
		StartupAttempts: 5,
		RetryDelay:      1 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	w := New(Config{Name: "net", Probe: func(ctx context.Context) error { return nil }})

	if w.config.StartupAttempts != 30 {
		t.Errorf("StartupAttempts = %d, want 30", w.config.StartupAttempts)
	}
	if w.config.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", w.config.RetryDelay)
	}
	if w.config.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", w.config.PollInterval)
	}
	if w.config.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", w.config.ProbeTimeout)
	}
}

func TestStartupProbe_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	w := New(testConfig(func(ctx context.Context) error {
		attempts.Add(1)
		return nil
	}))

	if err := w.StartupProbe(context.Background()); err != nil {
		t.Fatalf("StartupProbe() error = %v", err)
	}
	if !w.IsReady() {
		t.Error("expected IsReady() == true after successful startup probe")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestStartupProbe_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	errDown := errors.New("unreachable")
	var attempts atomic.Int32

	w := New(testConfig(func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}))

	if err := w.StartupProbe(context.Background()); err != nil {
		t.Fatalf("StartupProbe() error = %v", err)
	}
	if attempts.Load() != 4 {
		t.Errorf("attempts = %d, want 4", attempts.Load())
	}
}

func TestStartupProbe_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	errDown := errors.New("always down")
	var attempts atomic.Int32

	w := New(testConfig(func(ctx context.Context) error {
		attempts.Add(1)
		return errDown
	}))

	err := w.StartupProbe(context.Background())
	if err == nil {
		t.Fatal("StartupProbe() should fail when every attempt fails")
	}
	if !errors.Is(err, errDown) {
		t.Errorf("error chain should include the probe error, got %v", err)
	}
	if attempts.Load() != 5 {
		t.Errorf("attempts = %d, want exactly the budget of 5", attempts.Load())
	}
	if w.IsReady() {
		t.Error("IsReady() = true after exhaustion, want false")
	}
}

func TestStartupProbe_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(testConfig(func(ctx context.Context) error {
		return errors.New("down")
	}))

	if err := w.StartupProbe(ctx); err == nil {
		t.Fatal("StartupProbe() should return on cancelled context")
	}
}

func TestWatcher_DetectsDownAndRecovery(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shouldFail atomic.Bool
	var downCalled, readyCalled atomic.Int32

	cfg := testConfig(func(ctx context.Context) error {
		if shouldFail.Load() {
			return errors.New("went down")
		}
		return nil
	})
	cfg.OnDown = func(err error) { downCalled.Add(1) }
	cfg.OnReady = func() { readyCalled.Add(1) }

	w := New(cfg)
	if err := w.StartupProbe(ctx); err != nil {
		t.Fatalf("StartupProbe() error = %v", err)
	}
	w.Start(ctx)
	defer w.Stop()

	shouldFail.Store(true)
	time.Sleep(30 * time.Millisecond)
	if w.IsReady() {
		t.Error("expected IsReady() == false after network went down")
	}
	if downCalled.Load() < 1 {
		t.Errorf("OnDown called %d times, want >= 1", downCalled.Load())
	}

	shouldFail.Store(false)
	time.Sleep(30 * time.Millisecond)
	if !w.IsReady() {
		t.Error("expected IsReady() == true after recovery")
	}
	if readyCalled.Load() < 1 {
		t.Errorf("OnReady called %d times, want >= 1", readyCalled.Load())
	}
}

func TestWatcher_Status(t *testing.T) {
	t.Parallel()
	w := New(testConfig(func(ctx context.Context) error {
		return errors.New("unreachable")
	}))

	_ = w.StartupProbe(context.Background())

	s := w.Status()
	if s.Name != "test-net" {
		t.Errorf("Name = %q, want test-net", s.Name)
	}
	if s.Ready {
		t.Error("Ready = true, want false")
	}
	if s.LastError == "" {
		t.Error("LastError should be populated")
	}
	if s.LastCheck.IsZero() {
		t.Error("LastCheck should be set")
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()
	w := New(testConfig(func(ctx context.Context) error { return nil }))
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}
}

func TestDialProbe(t *testing.T) {
	t.Parallel()

	// Listen on an ephemeral port; the probe should reach it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := DialProbe(ln.Addr().String())
	if err := probe(context.Background()); err != nil {
		t.Errorf("probe against live listener failed: %v", err)
	}

	ln.Close()
	if err := probe(context.Background()); err == nil {
		t.Error("probe against closed listener should fail")
	}
}

func TestProbeAddress(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"mqtt://broker.example:1883", "broker.example:1883", false},
		{"mqtt://broker.example", "broker.example:1883", false},
		{"mqtts://broker.example", "broker.example:8883", false},
		{"ssl://broker.example", "broker.example:8883", false},
		{"tcp://broker.example:9999", "broker.example:9999", false},
		{"mqtt://", "", true},
		{"://bad", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ProbeAddress(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProbeAddress(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ProbeAddress(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
