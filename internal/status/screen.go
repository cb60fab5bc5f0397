package status

import (
	"log/slog"
	"sync"
	"time"
)

// Frame is one rendered screen state: the four display lines the
// device's OLED showed, the LED color, and the state that produced
// them. Frames are what WebSocket status subscribers receive.
type Frame struct {
	State     ConnectionState `json:"state"`
	Color     Color           `json:"color"`
	Lines     [4]string       `json:"lines"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Screen is the in-memory stand-in for the OLED panel and RGB LED. It
// holds the current frame, logs every update (the serial-console
// analog), and broadcasts frames to subscribers. Broadcast is
// non-blocking: a slow subscriber misses frames rather than stalling
// the control loop.
type Screen struct {
	logger *slog.Logger

	mu    sync.RWMutex
	frame Frame
	subs  map[chan Frame]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Frame]chan Frame
}

// NewScreen creates a screen showing the initializing frame.
func NewScreen(logger *slog.Logger) *Screen {
	s := &Screen{
		logger:     logger,
		subs:       make(map[chan Frame]struct{}),
		recvToSend: make(map[<-chan Frame]chan Frame),
	}
	s.Show(Disconnected, ColorBlue, "Secure MQTT", "Initializing...")
	return s
}

// Show replaces the screen content. Up to four lines are kept; missing
// lines are cleared. Safe to call from any goroutine, though in
// practice only the control loop writes.
func (s *Screen) Show(state ConnectionState, color Color, lines ...string) {
	var fixed [4]string
	for i := 0; i < len(lines) && i < 4; i++ {
		fixed[i] = lines[i]
	}

	frame := Frame{
		State:     state,
		Color:     color,
		Lines:     fixed,
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	s.frame = frame
	for ch := range s.subs {
		select {
		case ch <- frame:
		default:
			// Subscriber is full, drop the frame rather than block.
		}
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Debug("screen updated",
			"state", state.String(),
			"color", string(color),
			"line1", fixed[0],
			"line2", fixed[1],
		)
	}
}

// ShowIndicator renders a reflector indicator onto the screen.
func (s *Screen) ShowIndicator(state ConnectionState, ind Indicator) {
	s.Show(state, ind.Color, ind.Lines[0], ind.Lines[1], ind.Lines[2])
}

// Snapshot returns the current frame.
func (s *Screen) Snapshot() Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// Subscribe returns a channel that receives every subsequent frame.
// The caller must eventually call Unsubscribe to release it.
func (s *Screen) Subscribe(bufSize int) <-chan Frame {
	ch := make(chan Frame, bufSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	s.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (s *Screen) Unsubscribe(ch <-chan Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sendCh, ok := s.recvToSend[ch]
	if !ok {
		return
	}
	delete(s.subs, sendCh)
	delete(s.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (s *Screen) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ClipForDisplay shortens a payload for a display line, the same clamp
// the firmware applied before printing received messages.
func ClipForDisplay(payload string, max int) string {
	if len(payload) <= max {
		return payload
	}
	return payload[:max]
}
