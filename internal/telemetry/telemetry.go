// Package telemetry defines the outbound payload and its bounded JSON
// encoder. Payloads are flat JSON objects with a fixed key set
// (messageId, deviceId, temperature, humidity, pressure, timestamp)
// and no schema versioning.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/howardginsburg/mqttagent/internal/sensors"
)

// Sample is one telemetry payload. Created fresh for each publish
// attempt and never persisted.
type Sample struct {
	MessageID   int64    `json:"messageId"`
	DeviceID    string   `json:"deviceId,omitempty"`
	Temperature float64  `json:"temperature"`
	Humidity    float64  `json:"humidity"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Timestamp   int64    `json:"timestamp"` // Unix seconds
}

// NewSample builds a Sample from a sensor reading. Float values are
// rounded to two decimals, the precision the device firmware printed.
func NewSample(messageID int64, deviceID string, r sensors.Reading, now time.Time) Sample {
	s := Sample{
		MessageID:   messageID,
		DeviceID:    deviceID,
		Temperature: round2(r.Temperature),
		Humidity:    round2(r.Humidity),
		Timestamp:   now.Unix(),
	}
	if r.Pressure != nil {
		p := round2(*r.Pressure)
		s.Pressure = &p
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ErrPayloadTooLarge is returned when an encoded sample exceeds the
// encoder's fixed capacity. The payload is rejected whole rather than
// truncated: a clipped JSON object would not parse on the receiving
// side, so nothing is emitted.
var ErrPayloadTooLarge = fmt.Errorf("telemetry: payload exceeds capacity")

// Encoder serializes samples into a fixed byte budget, the software
// analog of the firmware's 256-byte stack buffer.
type Encoder struct {
	limit int
}

// NewEncoder creates an encoder with the given capacity in bytes.
// Non-positive values fall back to 256.
func NewEncoder(limit int) *Encoder {
	if limit <= 0 {
		limit = 256
	}
	return &Encoder{limit: limit}
}

// Limit returns the encoder capacity in bytes.
func (e *Encoder) Limit() int { return e.limit }

// Encode serializes the sample to JSON. If the result would exceed the
// capacity, it returns [ErrPayloadTooLarge] wrapped with the sizes and
// emits nothing.
func (e *Encoder) Encode(s Sample) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal sample: %w", err)
	}
	if len(data) > e.limit {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooLarge, len(data), e.limit)
	}
	return data, nil
}
