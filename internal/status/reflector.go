package status

// Color is the RGB LED color vocabulary carried over from the device:
// steady colors for connection state, transient colors for activity.
type Color string

const (
	ColorOff     Color = "off"
	ColorRed     Color = "red"     // no network
	ColorYellow  Color = "yellow"  // network up, no broker session
	ColorGreen   Color = "green"   // fully connected
	ColorBlue    Color = "blue"    // initializing
	ColorMagenta Color = "magenta" // publish in flight
	ColorCyan    Color = "cyan"    // message received
)

// Indicator is what the operator sees for a given connection state: a
// steady LED color and three lines of display text.
type Indicator struct {
	Color Color     `json:"color"`
	Lines [3]string `json:"lines"`
}

// Reflect maps a connection state to its indicator. Pure function, no
// hysteresis: callers invoke it after every state change and show the
// result verbatim. Precedence is inherited from [Derive]: a state
// already encodes that no-network beats no-broker.
func Reflect(state ConnectionState, brokerHost string) Indicator {
	switch state {
	case Disconnected:
		return Indicator{
			Color: ColorRed,
			Lines: [3]string{"No Network", "Reconnecting...", ""},
		}
	case NetworkOnly:
		return Indicator{
			Color: ColorYellow,
			Lines: [3]string{"Network Up", "Connecting MQTT", brokerHost},
		}
	default:
		return Indicator{
			Color: ColorGreen,
			Lines: [3]string{"MQTT Connected", brokerHost, "Ready"},
		}
	}
}
