// Package sensor defines the polled measurement sources and the
// registry that builds them from the sensors_list config value.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Measurement is one timestamped reading produced by a source. Metric
// is always a member of the source's configured active-sensor set; the
// unit is implicit by metric (temperature in °C, humidity in %,
// pressure in mbar).
type Measurement struct {
	Source    string
	Metric    string
	Value     float64
	Timestamp time.Time
}

// ErrorKind classifies a sensor failure.
type ErrorKind int

const (
	// Timeout means the chip did not answer within its settle time.
	Timeout ErrorKind = iota
	// ChecksumMismatch means the chip answered but the frame was corrupt.
	ChecksumMismatch
	// Unsupported means the decoder cannot serve the requested read.
	Unsupported
)

// String returns the kind's name for logging.
func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ChecksumMismatch:
		return "checksum_mismatch"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a per-cycle sensor failure. The engine logs it and skips
// the cycle; it never terminates the polling loop.
type Error struct {
	Kind   ErrorKind
	Sensor string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Sensor, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Sensor, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrTooSoon is returned by Poll when called before the sensor's
// minimum safe sampling period has elapsed. The bus is not touched.
var ErrTooSoon = errors.New("minimum sampling period not elapsed")

// Source is a polled measurement source. Poll may block briefly on
// hardware I/O; the per-chip timeout bounds it.
type Source interface {
	// Name is the source identity used in topics ("dht", "bmp", ...).
	Name() string

	// Interval is how often the engine should poll this source.
	Interval() time.Duration

	// Poll reads the chip and returns the active measurements.
	Poll(ctx context.Context) ([]Measurement, error)
}

// filterActive keeps the metrics listed in the active set, preserving
// read order.
func filterActive(all []Measurement, active map[string]bool) []Measurement {
	out := make([]Measurement, 0, len(all))
	for _, m := range all {
		if active[m.Metric] {
			out = append(out, m)
		}
	}
	return out
}

// activeSet converts an active-sensor list to a lookup set.
func activeSet(metrics []string) map[string]bool {
	set := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		set[m] = true
	}
	return set
}
