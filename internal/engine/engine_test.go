package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pibridge/pibridge/internal/broker"
	"github.com/pibridge/pibridge/internal/config"
	"github.com/pibridge/pibridge/internal/dispatch"
	"github.com/pibridge/pibridge/internal/gpio"
	"github.com/pibridge/pibridge/internal/presence"
	"github.com/pibridge/pibridge/internal/sensor"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession records published records and exposes the inbound
// message handler for injection.
type fakeSession struct {
	mu        sync.Mutex
	published map[string]string
	patterns  []string
	onMessage broker.MessageHandler
}

func newFakeSession() *fakeSession {
	return &fakeSession{published: make(map[string]string)}
}

func (f *fakeSession) Subscribe(patterns []string) {
	f.mu.Lock()
	f.patterns = append([]string(nil), patterns...)
	f.mu.Unlock()
}

func (f *fakeSession) OnMessage(fn broker.MessageHandler) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeSession) Start(context.Context) error           { return nil }
func (f *fakeSession) AwaitConnection(context.Context) error { return nil }
func (f *fakeSession) NoteSendFailure()                      {}
func (f *fakeSession) Stop(context.Context) error            { return nil }

func (f *fakeSession) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = string(payload)
	return nil
}

func (f *fakeSession) get(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.published[topic]
	return v, ok
}

func (f *fakeSession) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.patterns...)
}

func (f *fakeSession) inject(topic string, payload []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(topic, payload)
	}
}

// fixedSource emits the same measurements every poll.
type fixedSource struct {
	name         string
	measurements []sensor.Measurement
}

func (s *fixedSource) Name() string            { return s.name }
func (s *fixedSource) Interval() time.Duration { return 10 * time.Millisecond }

func (s *fixedSource) Poll(context.Context) ([]sensor.Measurement, error) {
	out := make([]sensor.Measurement, len(s.measurements))
	copy(out, s.measurements)
	for i := range out {
		out[i].Timestamp = time.Now()
	}
	return out, nil
}

// scriptedProber always answers Reachable.
type scriptedProber struct {
	probes sync.Map
	count  int64
	mu     sync.Mutex
}

func (p *scriptedProber) Probe(_ context.Context, ip string) (presence.ProbeResult, error) {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	p.probes.Store(ip, true)
	return presence.Reachable, nil
}

func (p *scriptedProber) probeCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MQTT.Host = "broker.local"
	cfg.MQTT.BaseTopic = "home"
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// End-to-end scenario: a dht source with temperature and humidity
// active publishes both metrics under the base topic.
func TestEngine_SensorToBroker(t *testing.T) {
	session := newFakeSession()
	eng, err := New(Options{
		Config:  testConfig(),
		Session: session,
		Sources: []sensor.Source{&fixedSource{
			name: "dht",
			measurements: []sensor.Measurement{
				{Source: "dht", Metric: "temperature", Value: 22.5},
				{Source: "dht", Metric: "humidity", Value: 51.2},
			},
		}},
		Logger: discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool {
		_, ok := session.get("home/dht/humidity")
		return ok
	})

	if v, _ := session.get("home/dht/temperature"); v != "22.5" {
		t.Errorf("home/dht/temperature = %q, want 22.5", v)
	}
	if v, _ := session.get("home/dht/humidity"); v != "51.2" {
		t.Errorf("home/dht/humidity = %q, want 51.2", v)
	}

	cancel()
	<-done
}

// End-to-end scenario: a PIR edge triggers one probe per person and a
// presence publish; a second edge inside the in-flight window does
// not spawn a second probe.
func TestEngine_PIREdgeToPresence(t *testing.T) {
	cfg := testConfig()
	cfg.Sensors.EventGenerators = "pir"
	cfg.PIR.GPIOPin = 26
	cfg.PIR.DebounceMs = 0 // exercise probe dedup, not edge debounce
	cfg.Presence.KnownIPs = "Stefano=192.168.1.16"
	cfg.Presence.AttemptGapSec = 0

	session := newFakeSession()
	chip := gpio.NewMemChip(gpio.ModeBCM)
	prober := &scriptedProber{}

	eng, err := New(Options{
		Config:  cfg,
		Session: session,
		Chip:    chip,
		Prober:  prober,
		Logger:  discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	// Wait for the edge registration, then fire.
	waitFor(t, time.Second, func() bool {
		chip.FireEdge(26)
		_, ok := session.get("home/presence/Stefano")
		return ok
	})

	if v, _ := session.get("home/presence/Stefano"); v != "Present" {
		t.Errorf("home/presence/Stefano = %q, want Present", v)
	}

	cancel()
	<-done
}

func TestEngine_ProbeDeduplication(t *testing.T) {
	cfg := testConfig()
	cfg.Sensors.EventGenerators = "pir"
	cfg.PIR.GPIOPin = 26
	cfg.PIR.DebounceMs = 0
	cfg.Presence.KnownIPs = "Stefano=192.168.1.16"
	cfg.Presence.AttemptGapSec = 0

	chip := gpio.NewMemChip(gpio.ModeBCM)
	prober := &scriptedProber{}

	eng, err := New(Options{
		Config:  cfg,
		Session: newFakeSession(),
		Chip:    chip,
		Prober:  prober,
		Logger:  discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.registerEdge(ctx); err != nil {
		t.Fatal(err)
	}

	// Two immediate edges: the detector must coalesce them into at
	// most one probe round in flight, so probes stay bounded by the
	// rerun-on-stale policy (first round + one rerun).
	chip.FireEdge(26)
	chip.FireEdge(26)
	eng.Detector().Wait()

	if n := prober.probeCount(); n > 2 {
		t.Errorf("probes = %d, want at most 2 (dedup + single rerun)", n)
	}
	if got := eng.Detector().State("Stefano"); got != presence.Present {
		t.Errorf("state = %v, want Present", got)
	}
}

// End-to-end scenario: an inbound message matching a "#" rule invokes
// the bound action; an unmatched topic with a narrower table does not.
func TestEngine_InboundDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.Actions = []string{"home/cmd/#:record"}

	var mu sync.Mutex
	var got []string
	registry := dispatch.Registry{
		"record": func(_ context.Context, topic string, payload []byte) error {
			mu.Lock()
			got = append(got, topic+"="+string(payload))
			mu.Unlock()
			return nil
		},
	}

	rules, err := dispatch.ParseRules(cfg.Actions)
	if err != nil {
		t.Fatal(err)
	}
	dispatcher, err := dispatch.New(rules, registry, nil, discard())
	if err != nil {
		t.Fatal(err)
	}

	session := newFakeSession()
	eng, err := New(Options{
		Config:     cfg,
		Session:    session,
		Dispatcher: dispatcher,
		Logger:     discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool {
		return len(session.subscribed()) == 1
	})
	if session.subscribed()[0] != "home/cmd/#" {
		t.Errorf("subscribed = %v, want [home/cmd/#]", session.subscribed())
	}

	session.inject("home/cmd/test", []byte("hello"))
	session.inject("office/unrelated", []byte("ignored"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "home/cmd/test=hello" {
		t.Errorf("dispatched = %v, want [home/cmd/test=hello]", got)
	}

	cancel()
	<-done
}

func TestEngine_EdgeDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.Sensors.EventGenerators = "pir"
	cfg.PIR.GPIOPin = 26
	cfg.PIR.DebounceMs = 10000 // effectively one edge per test run
	cfg.Presence.KnownIPs = "Stefano=192.168.1.16"
	cfg.Presence.AttemptGapSec = 0

	chip := gpio.NewMemChip(gpio.ModeBCM)
	prober := &scriptedProber{}

	eng, err := New(Options{
		Config:  cfg,
		Session: newFakeSession(),
		Chip:    chip,
		Prober:  prober,
		Logger:  discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.registerEdge(ctx); err != nil {
		t.Fatal(err)
	}

	chip.FireEdge(26)
	eng.Detector().Wait()
	chip.FireEdge(26) // inside the debounce window, ignored
	eng.Detector().Wait()

	if n := prober.probeCount(); n != 1 {
		t.Errorf("probes = %d, want 1 (second edge debounced)", n)
	}
}

func TestEngine_RequiresChipForPIR(t *testing.T) {
	cfg := testConfig()
	cfg.Sensors.EventGenerators = "pir"
	cfg.Presence.KnownIPs = "Stefano=192.168.1.16"

	_, err := New(Options{
		Config:  cfg,
		Session: newFakeSession(),
		Prober:  &scriptedProber{},
		Logger:  discard(),
	})
	if err == nil {
		t.Fatal("New should fail when pir is configured without a chip")
	}
}
