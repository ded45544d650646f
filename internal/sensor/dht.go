package sensor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// DHTModel selects the chip variant. The DHT11 and DHT22 share a wire
// protocol but differ in range and resolution.
type DHTModel int

const (
	DHT11 DHTModel = iota
	DHT22
)

// ParseDHTModel maps the config model string to a variant. "DHT11"
// selects the DHT11; any other value selects the DHT22, matching the
// tolerant behavior sensor installations rely on (AM2302 boards report
// themselves as DHT22).
func ParseDHTModel(s string) DHTModel {
	if s == "DHT11" {
		return DHT11
	}
	return DHT22
}

func (m DHTModel) String() string {
	if m == DHT11 {
		return "DHT11"
	}
	return "DHT22"
}

// DHTDecoder is the chip-decode capability for the DHT family. The
// bit-banging driver lives out of tree.
type DHTDecoder interface {
	// ReadDHT samples the chip once and returns temperature (°C) and
	// relative humidity (%).
	ReadDHT(ctx context.Context, model DHTModel, pin int) (temperature, humidity float64, err error)
}

// dhtMinPeriod is the minimum safe gap between one-wire reads. The
// DHT22 needs two seconds to settle between samples; re-reading
// earlier returns garbage.
const dhtMinPeriod = 2 * time.Second

// DHT polls a DHT11/DHT22 temperature and humidity sensor.
type DHT struct {
	decoder  DHTDecoder
	model    DHTModel
	pin      int
	active   map[string]bool
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastRead time.Time
}

// NewDHT creates a DHT source. activeSensors lists which of
// "temperature" and "humidity" to report.
func NewDHT(decoder DHTDecoder, model DHTModel, pin int, activeSensors []string, interval time.Duration, logger *slog.Logger) *DHT {
	if logger == nil {
		logger = slog.Default()
	}
	return &DHT{
		decoder:  decoder,
		model:    model,
		pin:      pin,
		active:   activeSet(activeSensors),
		interval: interval,
		logger:   logger,
	}
}

func (d *DHT) Name() string { return "dht" }

func (d *DHT) Interval() time.Duration { return d.interval }

// Poll samples the chip. Calls closer together than the chip's settle
// time return [ErrTooSoon] without touching the bus.
func (d *DHT) Poll(ctx context.Context) ([]Measurement, error) {
	d.mu.Lock()
	if since := time.Since(d.lastRead); since < dhtMinPeriod {
		d.mu.Unlock()
		return nil, ErrTooSoon
	}
	d.lastRead = time.Now()
	d.mu.Unlock()

	temperature, humidity, err := d.decoder.ReadDHT(ctx, d.model, d.pin)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	all := []Measurement{
		{Source: "dht", Metric: "temperature", Value: round2(temperature), Timestamp: now},
		{Source: "dht", Metric: "humidity", Value: round2(humidity), Timestamp: now},
	}

	d.logger.Debug("dht sampled",
		"model", d.model.String(),
		"pin", d.pin,
		"temperature", temperature,
		"humidity", humidity,
	)

	return filterActive(all, d.active), nil
}

// round2 rounds to two decimals, the resolution the DHT family reports.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
