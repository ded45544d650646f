// Package engine is the orchestrator: it owns every source, the
// broker session, the publisher and the dispatcher, and merges their
// independent event streams into one sequential processing loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pibridge/pibridge/internal/broker"
	"github.com/pibridge/pibridge/internal/config"
	"github.com/pibridge/pibridge/internal/dispatch"
	"github.com/pibridge/pibridge/internal/gpio"
	"github.com/pibridge/pibridge/internal/metrics"
	"github.com/pibridge/pibridge/internal/presence"
	"github.com/pibridge/pibridge/internal/publish"
	"github.com/pibridge/pibridge/internal/sensor"
)

// eventQueueSize bounds the fan-in queue. Producers drop (with a
// counter) rather than block when the loop falls behind.
const eventQueueSize = 128

// pollTimeout caps one Poll call; a wedged bus must not stall the
// source's ticker goroutine forever.
const pollTimeout = 30 * time.Second

type eventKind int

const (
	eventMeasurements eventKind = iota
	eventPresence
	eventInbound
)

// event is one entry on the fan-in queue. Exactly one of the payload
// fields is set, according to kind.
type event struct {
	kind         eventKind
	measurements []sensor.Measurement
	presence     presence.Event
	topic        string
	payload      []byte
}

// Session is the slice of the broker session the engine drives. The
// concrete [broker.Session] satisfies it; tests inject fakes.
type Session interface {
	Subscribe(patterns []string)
	OnMessage(fn broker.MessageHandler)
	Start(ctx context.Context) error
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	NoteSendFailure()
	Stop(ctx context.Context) error
}

var _ Session = (*broker.Session)(nil)

// Options wires the engine's collaborators. Session, Dispatcher and at
// least one of Sources/Prober are expected; Chip is required when a
// PIR event generator is configured.
type Options struct {
	Config     *config.Config
	Session    Session
	Dispatcher *dispatch.Dispatcher
	Sources    []sensor.Source
	Chip       gpio.Chip
	Prober     presence.Prober
	Metrics    *metrics.Set
	Logger     *slog.Logger
}

// Engine runs the merge loop. All events — poll results, presence
// changes, inbound messages — are processed strictly in arrival order
// by one goroutine, so the publisher and dispatcher never interleave
// over shared broker I/O.
type Engine struct {
	cfg        *config.Config
	session    Session
	dispatcher *dispatch.Dispatcher
	sources    []sensor.Source
	chip       gpio.Chip
	publisher  *publish.Publisher
	detector   *presence.Detector
	metrics    *metrics.Set
	logger     *slog.Logger

	queue    chan event
	lastEdge atomic.Int64 // unix nanos of the last accepted PIR edge
}

// New assembles an Engine from its collaborators. The presence
// detector is built here so its events feed the engine's queue.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("engine: broker session is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		cfg:        opts.Config,
		session:    opts.Session,
		dispatcher: opts.Dispatcher,
		sources:    opts.Sources,
		chip:       opts.Chip,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		queue:      make(chan event, eventQueueSize),
	}

	e.publisher = publish.New(opts.Session, opts.Config.MQTT.QueueSize, opts.Metrics, opts.Logger)

	if e.pirEnabled() {
		if opts.Chip == nil {
			return nil, fmt.Errorf("engine: pir configured but no gpio chip available")
		}
		persons, err := opts.Config.Presence.Persons()
		if err != nil {
			return nil, err
		}
		if opts.Prober == nil {
			return nil, fmt.Errorf("engine: pir configured but no prober available")
		}

		detectorPersons := make([]presence.Person, 0, len(persons))
		for _, p := range persons {
			detectorPersons = append(detectorPersons, presence.Person{Name: p.Name, IP: p.IP})
		}

		detCfg := presence.Config{
			Persons:     detectorPersons,
			Prober:      opts.Prober,
			MaxAttempts: opts.Config.Presence.MaxDetectionAttempts,
			AttemptGap:  time.Duration(opts.Config.Presence.AttemptGapSec) * time.Second,
			Emit: func(ev presence.Event) {
				e.enqueue(event{kind: eventPresence, presence: ev})
			},
			Logger: opts.Logger,
		}
		if opts.Metrics != nil {
			detCfg.OnRoundStart = opts.Metrics.ProbesLaunched.Inc
			detCfg.OnDeduplicated = opts.Metrics.ProbesDeduplicated.Inc
		}
		e.detector = presence.New(detCfg)
	}

	return e, nil
}

// Detector exposes the presence detector for tests. Nil when no PIR is
// configured.
func (e *Engine) Detector() *presence.Detector {
	return e.detector
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// down in order: tickers stop, the publish queue flushes with a
// bounded wait, and the session disconnects.
func (e *Engine) Run(ctx context.Context) error {
	if e.dispatcher != nil {
		e.session.Subscribe(e.dispatcher.Patterns())
	}
	e.session.OnMessage(func(topic string, payload []byte) {
		e.enqueue(event{kind: eventInbound, topic: topic, payload: payload})
	})

	if err := e.session.Start(ctx); err != nil {
		return fmt.Errorf("start broker session: %w", err)
	}

	// Wait briefly for the initial connection. A broker that is down
	// degrades to background reconnect attempts, not a startup error.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := e.session.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		e.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	connCancel()

	go e.publisher.Start(ctx)

	if e.detector != nil {
		if err := e.registerEdge(ctx); err != nil {
			return err
		}
	}

	var pollers sync.WaitGroup
	for _, src := range e.sources {
		pollers.Add(1)
		go func(src sensor.Source) {
			defer pollers.Done()
			e.runPoller(ctx, src)
		}(src)
	}

	e.logger.Info("engine running",
		"sources", len(e.sources),
		"pir", e.detector != nil,
		"rules", len(e.rulePatterns()),
	)

	e.loop(ctx)

	// Shutdown. Pollers observe ctx; wait for them so no new events
	// arrive, then flush what is queued.
	pollers.Wait()
	if e.detector != nil {
		e.detector.Wait()
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	e.publisher.Flush(flushCtx)
	flushCancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := e.session.Stop(stopCtx)
	stopCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("broker disconnect failed", "error", err)
	}

	e.logger.Info("engine stopped")
	return nil
}

// loop processes queued events strictly in arrival order.
func (e *Engine) loop(ctx context.Context) {
	base := e.cfg.MQTT.BaseTopic
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			switch ev.kind {
			case eventMeasurements:
				for _, m := range ev.measurements {
					e.publisher.Enqueue(publish.MeasurementRecord(base, m))
				}
			case eventPresence:
				e.publisher.Enqueue(publish.PresenceRecord(base, ev.presence))
			case eventInbound:
				if e.dispatcher != nil {
					e.dispatcher.HandleMessage(ctx, ev.topic, ev.payload)
				}
			}
		}
	}
}

// runPoller drives one source on its own ticker. Poll errors are
// logged and the cycle skipped; they never affect other sources.
func (e *Engine) runPoller(ctx context.Context, src sensor.Source) {
	ticker := time.NewTicker(src.Interval())
	defer ticker.Stop()

	// Poll immediately on start.
	e.pollOnce(ctx, src)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx, src)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, src sensor.Source) {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	measurements, err := src.Poll(pollCtx)
	if err != nil {
		if errors.Is(err, sensor.ErrTooSoon) {
			e.logger.Debug("poll skipped", "source", src.Name(), "reason", "minimum sampling period")
			return
		}
		if e.metrics != nil {
			e.metrics.SensorErrors.WithLabelValues(src.Name()).Inc()
		}
		e.logger.Warn("sensor poll failed", "source", src.Name(), "error", err)
		return
	}
	if len(measurements) == 0 {
		return
	}

	e.enqueue(event{kind: eventMeasurements, measurements: measurements})
}

// registerEdge hooks the PIR pin. Edges inside the debounce window are
// ignored; PIR modules retrigger while motion continues.
func (e *Engine) registerEdge(ctx context.Context) error {
	pin := e.cfg.PIR.GPIOPin
	debounce := time.Duration(e.cfg.PIR.DebounceMs) * time.Millisecond

	err := e.chip.OnEdge(pin, func(pin int) {
		now := time.Now().UnixNano()
		last := e.lastEdge.Load()
		if debounce > 0 && now-last < int64(debounce) {
			return
		}
		if !e.lastEdge.CompareAndSwap(last, now) {
			return // concurrent edge won the race
		}
		e.detector.HandleEdge(ctx, pin)
	})
	if err != nil {
		return fmt.Errorf("register pir edge on pin %d: %w", pin, err)
	}
	return nil
}

// enqueue adds an event without blocking; the queue bounds memory and
// drops under overload.
func (e *Engine) enqueue(ev event) {
	select {
	case e.queue <- ev:
	default:
		if e.metrics != nil {
			e.metrics.EventsDropped.Inc()
		}
		e.logger.Warn("event queue full, event dropped", "kind", int(ev.kind))
	}
}

func (e *Engine) pirEnabled() bool {
	for _, name := range config.SplitList(e.cfg.Sensors.EventGenerators) {
		if name == "pir" {
			return true
		}
	}
	return false
}

func (e *Engine) rulePatterns() []string {
	if e.dispatcher == nil {
		return nil
	}
	return e.dispatcher.Patterns()
}
