// Package presence turns PIR motion edges into per-person presence
// events by probing the network for each known person's phone.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is a person's presence state. Everyone starts Unknown until
// a probe round produces a definitive answer.
type Status int

const (
	Unknown Status = iota
	Present
	Absent
)

func (s Status) String() string {
	switch s {
	case Present:
		return "Present"
	case Absent:
		return "Absent"
	default:
		return "Unknown"
	}
}

// Event is emitted when a person's state changes. Redundant probe
// results are suppressed.
type Event struct {
	Person    string
	State     Status
	Timestamp time.Time
}

// Person maps a name to the address probed for them.
type Person struct {
	Name string
	IP   string
}

// Config configures a Detector.
type Config struct {
	// Persons are the known people and their phone addresses.
	Persons []Person

	// Prober checks reachability of one address.
	Prober Prober

	// MaxAttempts is the probe retry budget per detection round. A
	// phone in power save may miss the first probes.
	MaxAttempts int

	// AttemptGap is the pause between attempts in a round.
	AttemptGap time.Duration

	// Concurrency bounds how many probe rounds run at once.
	Concurrency int

	// Emit receives state-change events. Called from probe goroutines.
	Emit func(Event)

	// OnRoundStart, if set, is called when a probe round launches.
	OnRoundStart func()

	// OnDeduplicated, if set, is called when an edge coalesces into an
	// already running round.
	OnDeduplicated func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Detector runs at most one probe round per person at a time. A PIR
// edge while a round is in flight is deduplicated; it bumps a
// generation counter so the running round's result is discarded as
// stale and the round is rerun for the newer edge.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	state    map[string]Status
	inflight map[string]bool
	gen      map[string]uint64

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Detector. Everyone starts Unknown.
func New(cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 7
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	state := make(map[string]Status, len(cfg.Persons))
	for _, p := range cfg.Persons {
		state[p.Name] = Unknown
	}

	return &Detector{
		cfg:      cfg,
		state:    state,
		inflight: make(map[string]bool, len(cfg.Persons)),
		gen:      make(map[string]uint64, len(cfg.Persons)),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// State returns the person's current state.
func (d *Detector) State(person string) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[person]
}

// HandleEdge schedules a probe round for every known person. Safe to
// call from the GPIO interrupt goroutine; it never blocks.
func (d *Detector) HandleEdge(ctx context.Context, pin int) {
	d.cfg.Logger.Debug("motion edge detected", "pin", pin)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.cfg.Persons {
		d.gen[p.Name]++
		if d.inflight[p.Name] {
			// A round is already running for this person; the bumped
			// generation marks its result stale.
			d.cfg.Logger.Debug("probe already in flight, deduplicated",
				"person", p.Name)
			if d.cfg.OnDeduplicated != nil {
				d.cfg.OnDeduplicated()
			}
			continue
		}
		d.inflight[p.Name] = true
		if d.cfg.OnRoundStart != nil {
			d.cfg.OnRoundStart()
		}
		d.wg.Add(1)
		go d.runRound(ctx, p, d.gen[p.Name])
	}
}

// Wait blocks until all in-flight probe rounds finish. Used during
// shutdown and by tests.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// runRound probes one person and applies the result unless a newer
// edge superseded this round.
func (d *Detector) runRound(ctx context.Context, p Person, gen uint64) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		d.clearInflight(p.Name)
		return
	}

	result := d.detect(ctx, p)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[p.Name] = false

	if d.gen[p.Name] != gen {
		// A newer edge arrived while probing; this result is stale.
		// Rerun once for the latest generation instead of applying it.
		d.cfg.Logger.Debug("stale probe result discarded, rerunning",
			"person", p.Name)
		if ctx.Err() == nil {
			d.inflight[p.Name] = true
			if d.cfg.OnRoundStart != nil {
				d.cfg.OnRoundStart()
			}
			d.wg.Add(1)
			go d.runRound(ctx, p, d.gen[p.Name])
		}
		return
	}

	if result == Unknown {
		// All attempts timed out. Transient network trouble must not
		// read as departure, so the state holds.
		d.cfg.Logger.Debug("probe round inconclusive, state unchanged",
			"person", p.Name, "state", d.state[p.Name].String())
		return
	}

	if d.state[p.Name] == result {
		return
	}

	d.state[p.Name] = result
	d.cfg.Logger.Info("presence changed",
		"person", p.Name, "state", result.String())

	if d.cfg.Emit != nil {
		d.cfg.Emit(Event{Person: p.Name, State: result, Timestamp: time.Now()})
	}
}

// detect runs one probe round: up to MaxAttempts probes with
// AttemptGap between them. The first Reachable answer wins. A round
// where every attempt timed out or errored is inconclusive (Unknown).
func (d *Detector) detect(ctx context.Context, p Person) Status {
	sawUnreachable := false

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		result, err := d.cfg.Prober.Probe(ctx, p.IP)
		if err != nil {
			// A failed probe carries no reachability signal; the result
			// is ignored and the attempt retried.
			d.cfg.Logger.Warn("probe failed",
				"person", p.Name, "ip", p.IP, "attempt", attempt, "error", err)
		} else {
			switch result {
			case Reachable:
				return Present
			case Unreachable:
				sawUnreachable = true
			}
		}

		if attempt < d.cfg.MaxAttempts {
			if !sleepCtx(ctx, d.cfg.AttemptGap) {
				return Unknown
			}
		}
	}

	if sawUnreachable {
		return Absent
	}
	return Unknown
}

// clearInflight resets the in-flight flag without applying a result.
func (d *Detector) clearInflight(name string) {
	d.mu.Lock()
	d.inflight[name] = false
	d.mu.Unlock()
}

// sleepCtx sleeps for gap or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, gap time.Duration) bool {
	if gap <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
