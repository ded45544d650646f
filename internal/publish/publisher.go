package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pibridge/pibridge/internal/broker"
	"github.com/pibridge/pibridge/internal/metrics"
)

// Sender is the slice of the broker session the publisher uses. It
// never reconnects; [broker.ErrNotConnected] means "retry later".
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	NoteSendFailure()
}

// Publisher queues records on a bounded FIFO and drains them with a
// dedicated sender goroutine, so a slow or dead broker never blocks
// sensor acquisition. Delivery is at-most-once: when the queue is full
// the oldest unsent record is dropped, and a failed send is not
// retried.
type Publisher struct {
	sender  Sender
	queue   chan Record
	logger  *slog.Logger
	metrics *metrics.Set

	startOnce sync.Once
	done      chan struct{}
}

// New creates a Publisher with the given queue capacity. Call
// [Publisher.Start] to begin draining.
func New(sender Sender, queueSize int, m *metrics.Set, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Publisher{
		sender:  sender,
		queue:   make(chan Record, queueSize),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Enqueue adds a record to the outgoing queue without blocking. When
// the queue is full the oldest unsent record is evicted first, never
// the newest: under sustained overload the stream stays fresh and the
// backlog stays stale-free.
//
// Enqueue is intended for a single producer (the engine loop).
func (p *Publisher) Enqueue(rec Record) {
	select {
	case p.queue <- rec:
		return
	default:
	}

	// Queue full: evict the oldest, then retry once. The drain
	// goroutine may have raced us for the head slot, so the second
	// send can still fail; drop the new record in that case.
	select {
	case old := <-p.queue:
		p.countDrop(old)
	default:
	}

	select {
	case p.queue <- rec:
	default:
		p.countDrop(rec)
	}
}

// Start drains the queue until ctx is cancelled. It blocks; run it on
// its own goroutine.
func (p *Publisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-p.queue:
				p.send(ctx, rec)
			}
		}
	})
}

// Flush drains whatever is left in the queue, bounded by ctx. Called
// during shutdown after the producers have stopped and the Start loop
// has exited.
func (p *Publisher) Flush(ctx context.Context) {
	<-p.done
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.queue:
			p.send(ctx, rec)
		default:
			return
		}
	}
}

// QueueLen reports the records currently waiting. Used by tests.
func (p *Publisher) QueueLen() int {
	return len(p.queue)
}

// send publishes one record. A send failure requests a session
// reconnect and drops the record; delivery stays at-most-once.
func (p *Publisher) send(ctx context.Context, rec Record) {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := p.sender.Publish(sendCtx, rec.Topic, rec.Payload)
	if err == nil {
		if p.metrics != nil {
			p.metrics.RecordsPublished.Inc()
		}
		p.logger.Debug("record published", "topic", rec.Topic)
		return
	}

	if p.metrics != nil {
		p.metrics.RecordsDropped.Inc()
	}

	if errors.Is(err, broker.ErrNotConnected) {
		// Session already knows; just account for the loss.
		p.logger.Debug("record dropped, broker not connected", "topic", rec.Topic)
		return
	}

	p.sender.NoteSendFailure()
	p.logger.Warn("record publish failed", "topic", rec.Topic, "error", err)
}

func (p *Publisher) countDrop(rec Record) {
	if p.metrics != nil {
		p.metrics.RecordsDropped.Inc()
	}
	p.logger.Debug("record dropped, queue full", "topic", rec.Topic)
}
