package main

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pibridge/pibridge/internal/sensor"
)

// Simulated sensor hardware for development hosts. The Raspberry Pi
// bus drivers live out of tree behind the decoder interfaces; on a
// machine without the hardware these stand-ins produce a slow random
// walk around plausible indoor values so the full pipeline can run.

type simDHT struct {
	mu          sync.Mutex
	temperature float64
	humidity    float64
	rng         *rand.Rand
}

func newSimDHT() *simDHT {
	return &simDHT{
		temperature: 21.0,
		humidity:    45.0,
		rng:         rand.New(rand.NewSource(1)),
	}
}

func (s *simDHT) ReadDHT(_ context.Context, _ sensor.DHTModel, _ int) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = drift(s.rng, s.temperature, 0.2, 15, 30)
	s.humidity = drift(s.rng, s.humidity, 0.5, 25, 70)
	return s.temperature, s.humidity, nil
}

type simBMP struct {
	mu          sync.Mutex
	pressure    float64
	temperature float64
	rng         *rand.Rand
}

func newSimBMP() *simBMP {
	return &simBMP{
		pressure:    1013.25,
		temperature: 21.5,
		rng:         rand.New(rand.NewSource(2)),
	}
}

func (s *simBMP) ReadBMP(_ context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pressure = drift(s.rng, s.pressure, 0.3, 980, 1040)
	s.temperature = drift(s.rng, s.temperature, 0.2, 15, 30)
	return s.pressure, s.temperature, nil
}

// drift nudges v by up to ±step, clamped to [lo, hi].
func drift(rng *rand.Rand, v, step, lo, hi float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}
