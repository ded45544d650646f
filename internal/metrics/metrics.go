// Package metrics exposes operational counters over an optional
// Prometheus endpoint. Counters are cheap to bump from hot paths; the
// HTTP listener only starts when metrics.listen is configured.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds all pibridge counters on a private registry.
type Set struct {
	registry *prometheus.Registry

	// RecordsPublished counts records handed to the broker.
	RecordsPublished prometheus.Counter
	// RecordsDropped counts records evicted from the full publish
	// queue or lost to send failures.
	RecordsDropped prometheus.Counter
	// SensorErrors counts failed poll cycles, labeled by source.
	SensorErrors *prometheus.CounterVec
	// ProbesLaunched counts presence probe rounds started.
	ProbesLaunched prometheus.Counter
	// ProbesDeduplicated counts edges coalesced into an in-flight round.
	ProbesDeduplicated prometheus.Counter
	// ActionsDispatched counts matched inbound messages, labeled by action.
	ActionsDispatched *prometheus.CounterVec
	// ActionErrors counts failed action invocations, labeled by action.
	ActionErrors *prometheus.CounterVec
	// EventsDropped counts events lost because the engine queue was full.
	EventsDropped prometheus.Counter
}

// New creates a Set on a fresh registry.
func New() *Set {
	registry := prometheus.NewRegistry()
	factory := newFactory(registry)

	return &Set{
		registry: registry,
		RecordsPublished: factory.counter(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "records_published_total",
			Help: "Records handed to the MQTT broker.",
		}),
		RecordsDropped: factory.counter(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "records_dropped_total",
			Help: "Records evicted from the publish queue or lost to send failures.",
		}),
		SensorErrors: factory.counterVec(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "sensor_errors_total",
			Help: "Failed sensor poll cycles.",
		}, []string{"source"}),
		ProbesLaunched: factory.counter(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "presence_probes_total",
			Help: "Presence probe rounds started.",
		}),
		ProbesDeduplicated: factory.counter(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "presence_probes_deduplicated_total",
			Help: "PIR edges coalesced into an already running probe round.",
		}),
		ActionsDispatched: factory.counterVec(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "actions_dispatched_total",
			Help: "Inbound messages matched to an action.",
		}, []string{"action"}),
		ActionErrors: factory.counterVec(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "action_errors_total",
			Help: "Failed action invocations.",
		}, []string{"action"}),
		EventsDropped: factory.counter(prometheus.CounterOpts{
			Namespace: "pibridge", Name: "events_dropped_total",
			Help: "Events lost because the engine queue was full.",
		}),
	}
}

// Serve runs the Prometheus endpoint on addr until ctx is cancelled.
// It blocks; run it on its own goroutine.
func (s *Set) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// factory registers collectors on one registry.
type factory struct {
	registry *prometheus.Registry
}

func newFactory(r *prometheus.Registry) factory {
	return factory{registry: r}
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.registry.MustRegister(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.registry.MustRegister(c)
	return c
}
