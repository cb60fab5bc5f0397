package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/howardginsburg/mqttagent/internal/loop"
	"github.com/howardginsburg/mqttagent/internal/metrics"
	"github.com/howardginsburg/mqttagent/internal/netwatch"
	"github.com/howardginsburg/mqttagent/internal/sensors"
	"github.com/howardginsburg/mqttagent/internal/status"
	"github.com/howardginsburg/mqttagent/internal/telemetry"
)

type stubBroker struct{}

func (stubBroker) IsConnected() bool                                        { return true }
func (stubBroker) Publish(ctx context.Context, topic string, p []byte) error { return nil }

type stubNetwork struct{}

func (stubNetwork) IsReady() bool { return true }

func newTestServer(t *testing.T) (*Server, *status.Screen) {
	t.Helper()

	reg := prometheus.NewRegistry()
	screen := status.NewScreen(nil)
	ctrl := loop.New(loop.Config{
		DeviceID:     "test-device",
		PublishTopic: "testtopics/topic1",
		Interval:     5 * time.Second,
	}, stubBroker{}, stubNetwork{}, sensors.NewSimulated(1, false),
		telemetry.NewEncoder(256), screen, metrics.New(reg), slog.Default(), nil)

	watcher := netwatch.New(netwatch.Config{
		Name: "network",
		Probe: func(ctx context.Context) error {
			return nil
		},
	})

	return NewServer("127.0.0.1", 0, ctrl, watcher, screen, reg, slog.Default()), screen
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var body StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.Loop.PublishTopic != "testtopics/topic1" {
		t.Errorf("publish topic = %q", body.Loop.PublishTopic)
	}
	if body.Screen.Color != status.ColorBlue {
		t.Errorf("screen color = %q, want initializing blue", body.Screen.Color)
	}
	if body.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestHandleMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] == "" {
		t.Error("version field missing")
	}
}

func TestHandleWS_StreamsFrames(t *testing.T) {
	s, screen := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	// First message is the current frame.
	var first status.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if first.Color != status.ColorBlue {
		t.Errorf("initial frame color = %q, want blue", first.Color)
	}

	// A screen update arrives as the next message.
	screen.Show(status.Connected, status.ColorGreen, "MQTT Active")

	var next status.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	if next.Color != status.ColorGreen {
		t.Errorf("pushed frame color = %q, want green", next.Color)
	}
	if next.Lines[0] != "MQTT Active" {
		t.Errorf("pushed frame line = %q", next.Lines[0])
	}
}
