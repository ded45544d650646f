package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pibridge/pibridge/internal/broker"
	"github.com/pibridge/pibridge/internal/presence"
	"github.com/pibridge/pibridge/internal/sensor"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMeasurementRecord(t *testing.T) {
	m := sensor.Measurement{
		Source:    "dht",
		Metric:    "temperature",
		Value:     22.5,
		Timestamp: time.Now(),
	}

	rec := MeasurementRecord("home", m)
	if rec.Topic != "home/dht/temperature" {
		t.Errorf("topic = %q, want home/dht/temperature", rec.Topic)
	}
	if string(rec.Payload) != "22.5" {
		t.Errorf("payload = %q, want 22.5", rec.Payload)
	}
}

func TestMeasurementRecord_Deterministic(t *testing.T) {
	m := sensor.Measurement{Source: "bmp", Metric: "pressure", Value: 1013.25}

	first := MeasurementRecord("home", m)
	for i := 0; i < 10; i++ {
		got := MeasurementRecord("home", m)
		if got.Topic != first.Topic || !bytes.Equal(got.Payload, first.Payload) {
			t.Fatalf("identical input produced different records: %+v vs %+v", got, first)
		}
	}
}

func TestMeasurementRecord_IntegerValue(t *testing.T) {
	m := sensor.Measurement{Source: "system", Metric: "load1", Value: 2}
	rec := MeasurementRecord("home", m)
	if string(rec.Payload) != "2" {
		t.Errorf("payload = %q, want 2 (no trailing zeros)", rec.Payload)
	}
}

func TestPresenceRecord(t *testing.T) {
	e := presence.Event{Person: "Stefano", State: presence.Present}
	rec := PresenceRecord("home", e)
	if rec.Topic != "home/presence/Stefano" {
		t.Errorf("topic = %q, want home/presence/Stefano", rec.Topic)
	}
	if string(rec.Payload) != "Present" {
		t.Errorf("payload = %q, want Present", rec.Payload)
	}
}

// fakeSender records published topics; optionally fails.
type fakeSender struct {
	mu        sync.Mutex
	published []string
	err       error
	failNotes int
}

func (f *fakeSender) Publish(_ context.Context, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeSender) NoteSendFailure() {
	f.mu.Lock()
	f.failNotes++
	f.mu.Unlock()
}

func (f *fakeSender) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func TestPublisher_FIFODropOldest(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 3, nil, discard())

	// Not started: nothing drains, so the queue fills.
	p.Enqueue(Record{Topic: "t/1"})
	p.Enqueue(Record{Topic: "t/2"})
	p.Enqueue(Record{Topic: "t/3"})
	p.Enqueue(Record{Topic: "t/4"}) // evicts t/1
	p.Enqueue(Record{Topic: "t/5"}) // evicts t/2

	if got := p.QueueLen(); got != 3 {
		t.Fatalf("queue length = %d, want 3", got)
	}

	// Drain and confirm the oldest were the ones evicted.
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sender.topics()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	got := sender.topics()
	want := []string{"t/3", "t/4", "t/5"}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published %v, want %v", got, want)
		}
	}
}

func TestPublisher_DrainsInOrder(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 16, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	for _, topic := range []string{"a", "b", "c"} {
		p.Enqueue(Record{Topic: topic})
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.topics()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	got := sender.topics()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("published %v, want [a b c] in order", got)
	}
}

func TestPublisher_SendFailureRequestsReconnect(t *testing.T) {
	sender := &fakeSender{err: errors.New("broken pipe")}
	p := New(sender, 4, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	p.Enqueue(Record{Topic: "t/1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		notes := sender.failNotes
		sender.mu.Unlock()
		if notes > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("send failure never requested a reconnect")
}

func TestPublisher_NotConnectedDoesNotNoteFailure(t *testing.T) {
	sender := &fakeSender{err: broker.ErrNotConnected}
	p := New(sender, 4, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	p.Enqueue(Record{Topic: "t/1"})

	deadline := time.Now().Add(200 * time.Millisecond)
	for p.QueueLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.failNotes != 0 {
		t.Errorf("failNotes = %d, want 0 (session already knows it is down)", sender.failNotes)
	}
}

func TestPublisher_FlushDrainsRemaining(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, 8, nil, discard())

	p.Enqueue(Record{Topic: "t/1"})
	p.Enqueue(Record{Topic: "t/2"})

	// Run and immediately stop the drain loop, then flush the rest.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second)
	defer flushCancel()
	p.Flush(flushCtx)

	if got := len(sender.topics()); got != 2 {
		t.Fatalf("published %d records, want 2 after flush", got)
	}
}
