// Package sensors provides the telemetry data source. The only
// implementation is a simulated reader that reproduces the value
// ranges of the original device firmware; real sensor backends can
// satisfy the same interface.
package sensors

import (
	"math/rand/v2"
)

// Reading is one set of environmental values. Pressure is nil when the
// source does not report it.
type Reading struct {
	Temperature float64  // degrees Celsius
	Humidity    float64  // percent relative
	Pressure    *float64 // hPa, optional
}

// Reader produces a fresh Reading on demand. Read is called once per
// publish tick from the single loop goroutine, so implementations need
// not be safe for concurrent use.
type Reader interface {
	Read() Reading
}

// Simulated generates readings in the firmware's simulation ranges:
// temperature 20.0–40.0 °C, humidity 40.0–80.0 %, and, when enabled,
// pressure 950–1050 hPa. Values have one-decimal granularity, matching
// the firmware's random(n)/10.0 arithmetic.
type Simulated struct {
	rng             *rand.Rand
	includePressure bool
}

// NewSimulated creates a simulated reader. A zero seed seeds from
// ChaCha8 via the global source; a non-zero seed makes runs
// reproducible.
func NewSimulated(seed int64, includePressure bool) *Simulated {
	var src rand.Source
	if seed == 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	} else {
		src = rand.NewPCG(uint64(seed), uint64(seed)>>1)
	}
	return &Simulated{
		rng:             rand.New(src),
		includePressure: includePressure,
	}
}

// Read returns the next simulated reading.
func (s *Simulated) Read() Reading {
	r := Reading{
		Temperature: 20.0 + float64(s.rng.IntN(200))/10.0,
		Humidity:    40.0 + float64(s.rng.IntN(400))/10.0,
	}
	if s.includePressure {
		p := 950.0 + float64(s.rng.IntN(1000))/10.0
		r.Pressure = &p
	}
	return r
}
