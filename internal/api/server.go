// Package api implements the local status HTTP server: health and
// status JSON, Prometheus metrics, and a WebSocket feed of screen
// frames.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howardginsburg/mqttagent/internal/buildinfo"
	"github.com/howardginsburg/mqttagent/internal/loop"
	"github.com/howardginsburg/mqttagent/internal/netwatch"
	"github.com/howardginsburg/mqttagent/internal/status"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server. It is read-only: every endpoint
// reports state, none mutates it.
type Server struct {
	address    string
	port       int
	controller *loop.Controller
	watcher    *netwatch.Watcher
	screen     *status.Screen
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	server     *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a status server.
func NewServer(address string, port int, ctrl *loop.Controller, watcher *netwatch.Watcher,
	screen *status.Screen, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		address:    address,
		port:       port,
		controller: ctrl,
		watcher:    watcher,
		screen:     screen,
		gatherer:   gatherer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			// Local status endpoint, no cross-origin policy to enforce.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.withLogging(s.routes()),
		ReadTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// routes builds the request mux. Split out so tests can exercise
// handlers without a listening socket.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /", s.handleRoot)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "mqttagent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// StatusResponse aggregates the loop, network and screen views.
type StatusResponse struct {
	Loop    loop.Snapshot   `json:"loop"`
	Network netwatch.Status `json:"network"`
	Screen  status.Frame    `json:"screen"`
	Uptime  string          `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, StatusResponse{
		Loop:    s.controller.Snapshot(),
		Network: s.watcher.Status(),
		Screen:  s.screen.Snapshot(),
		Uptime:  buildinfo.Uptime().String(),
	}, s.logger)
}

// handleWS streams screen frames to the client as JSON messages,
// starting with the current frame. The connection closes when the
// client goes away or a write fails.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	frames := s.screen.Subscribe(16)
	defer s.screen.Unsubscribe(frames)

	// Drain client reads so close frames and pings are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.screen.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}
