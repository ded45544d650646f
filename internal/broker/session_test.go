package broker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pibridge/pibridge/internal/config"
)

func TestBackoff_StrictlyIncreasesToCeiling(t *testing.T) {
	delays := DefaultBackoffConfig().Delays()

	prev := time.Duration(0)
	ceiling := 60 * time.Second
	reachedCeiling := false

	for attempt := 0; attempt < 12; attempt++ {
		d := delays(attempt)
		if reachedCeiling {
			if d != ceiling {
				t.Fatalf("attempt %d: delay %v after ceiling, want %v held steady", attempt, d, ceiling)
			}
			continue
		}
		if d <= prev {
			t.Fatalf("attempt %d: delay %v not strictly greater than %v", attempt, d, prev)
		}
		if d > ceiling {
			t.Fatalf("attempt %d: delay %v exceeds ceiling %v", attempt, d, ceiling)
		}
		if d == ceiling {
			reachedCeiling = true
		}
		prev = d
	}

	if !reachedCeiling {
		t.Fatal("backoff never reached the ceiling")
	}
}

func TestBackoff_Schedule(t *testing.T) {
	delays := BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}.Delays()

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for attempt, w := range want {
		if got := delays(attempt); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoff_ZeroValuesUseDefaults(t *testing.T) {
	delays := BackoffConfig{}.Delays()
	if got := delays(0); got != 2*time.Second {
		t.Errorf("default initial delay = %v, want 2s", got)
	}
	if got := delays(100); got != 60*time.Second {
		t.Errorf("default capped delay = %v, want 60s", got)
	}
}

func TestLoadOrCreateClientID_Configured(t *testing.T) {
	id, err := LoadOrCreateClientID("my-bridge", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if id != "my-bridge" {
		t.Errorf("id = %q, want configured value", id)
	}
}

func TestLoadOrCreateClientID_PersistsGenerated(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateClientID("", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first, "pibridge-") {
		t.Errorf("generated id = %q, want pibridge- prefix", first)
	}

	second, err := LoadOrCreateClientID("", dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second load = %q, want %q (stable across restarts)", second, first)
	}
}

func TestSession_PublishWhileDisconnected(t *testing.T) {
	s := NewSession(testMQTTConfig(), "test", DefaultBackoffConfig(), nil)

	err := s.Publish(context.Background(), "home/dht/temperature", []byte("21.5"))
	if err != ErrNotConnected {
		t.Fatalf("Publish before Start = %v, want ErrNotConnected", err)
	}
}

func TestSession_StateTransitions(t *testing.T) {
	s := NewSession(testMQTTConfig(), "test", DefaultBackoffConfig(), nil)
	if s.State() != Disconnected {
		t.Fatalf("initial state = %v, want Disconnected", s.State())
	}

	s.state.Store(int32(Connected))
	s.NoteSendFailure()
	if s.State() != Disconnected {
		t.Fatalf("state after send failure = %v, want Disconnected", s.State())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Host:      "broker.local",
		Port:      1883,
		BaseTopic: "home",
		QueueSize: 8,
	}
}
