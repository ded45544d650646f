package broker

import "time"

// BackoffConfig controls reconnect timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64
}

// DefaultBackoffConfig returns the reconnect schedule:
// 2s, 4s, 8s, 16s, 32s, then 60s (capped) forever.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Delays returns the reconnect delay function handed to autopaho.
// The delay grows strictly with each failed attempt until it reaches
// the ceiling, then holds steady.
func (c BackoffConfig) Delays() func(attempt int) time.Duration {
	initial := c.InitialDelay
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	multiplier := c.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	return func(attempt int) time.Duration {
		delay := initial
		for i := 0; i < attempt; i++ {
			delay = time.Duration(float64(delay) * multiplier)
			if delay >= maxDelay {
				return maxDelay
			}
		}
		if delay > maxDelay {
			return maxDelay
		}
		return delay
	}
}
