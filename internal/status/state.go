// Package status models the operator-visible state of the agent: the
// derived connection state, the pure reflector that maps it to an
// indicator color and display text, and the screen model that replaces
// the device's OLED panel and RGB LED for headless operation.
package status

import "fmt"

// ConnectionState is the derived connectivity of the agent. It is
// computed fresh from the network watcher and the broker session on
// every use and never stored as an extra copy.
type ConnectionState int

const (
	// Disconnected means the network layer is unreachable. Broker
	// state is irrelevant in this condition.
	Disconnected ConnectionState = iota
	// NetworkOnly means the network is up but there is no broker
	// session.
	NetworkOnly
	// Connected means both network and broker session are up.
	Connected
)

// Derive computes the connection state from the two underlying
// conditions. Precedence is fixed: no-network dominates no-broker.
func Derive(hasNetwork, hasBroker bool) ConnectionState {
	switch {
	case !hasNetwork:
		return Disconnected
	case !hasBroker:
		return NetworkOnly
	default:
		return Connected
	}
}

// String returns the state name for logs and the status API.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case NetworkOnly:
		return "network_only"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText makes the state render as its name in JSON responses.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = Disconnected
	case "network_only":
		*s = NetworkOnly
	case "connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}
