package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pibridge/pibridge/internal/metrics"
)

// Action is an external capability invoked with the matched message.
// Failures are logged and isolated; they never reach the broker
// connection.
type Action func(ctx context.Context, topic string, payload []byte) error

// Registry maps action names to implementations.
type Registry map[string]Action

// BuiltinActions returns the actions available out of the box.
// print_message logs the message it received; real deployments
// register their own.
func BuiltinActions(logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return Registry{
		"print_message": func(_ context.Context, topic string, payload []byte) error {
			logger.Info("message received",
				"topic", topic,
				"payload", string(payload),
			)
			return nil
		},
	}
}

// Dispatcher holds the ordered rule table and the action registry.
// The table is loaded once at startup and read-only afterwards.
type Dispatcher struct {
	rules   []Rule
	actions Registry
	logger  *slog.Logger
	metrics *metrics.Set
}

// New creates a Dispatcher. Every rule's action must exist in the
// registry; a dangling name is a startup error, not a runtime one.
func New(rules []Rule, actions Registry, m *metrics.Set, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range rules {
		if _, ok := actions[r.Action]; !ok {
			return nil, fmt.Errorf("rule %q names unknown action %q", r.Pattern, r.Action)
		}
	}
	return &Dispatcher{
		rules:   rules,
		actions: actions,
		logger:  logger,
		metrics: m,
	}, nil
}

// Patterns returns the patterns to subscribe for.
func (d *Dispatcher) Patterns() []string {
	return Patterns(d.rules)
}

// HandleMessage matches the topic against the rules in declaration
// order and invokes the first match's action. Unmatched messages are
// silently ignored. Action errors are logged, never propagated.
func (d *Dispatcher) HandleMessage(ctx context.Context, topic string, payload []byte) {
	for _, r := range d.rules {
		if !r.Matches(topic) {
			continue
		}

		if d.metrics != nil {
			d.metrics.ActionsDispatched.WithLabelValues(r.Action).Inc()
		}

		if err := d.actions[r.Action](ctx, topic, payload); err != nil {
			if d.metrics != nil {
				d.metrics.ActionErrors.WithLabelValues(r.Action).Inc()
			}
			d.logger.Warn("action failed",
				"action", r.Action,
				"topic", topic,
				"error", err,
			)
		}
		return
	}

	d.logger.Debug("no rule matched", "topic", topic)
}
