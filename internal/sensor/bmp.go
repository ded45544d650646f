package sensor

import (
	"context"
	"log/slog"
	"time"
)

// BMPDecoder is the chip-decode capability for the BMP pressure
// sensor. The bus protocol driver lives out of tree.
type BMPDecoder interface {
	// ReadBMP samples the chip once and returns barometric pressure
	// (mbar) and temperature (°C).
	ReadBMP(ctx context.Context) (pressure, temperature float64, err error)
}

// BMP polls a BMP180-style pressure and temperature sensor.
type BMP struct {
	decoder  BMPDecoder
	active   map[string]bool
	interval time.Duration
	logger   *slog.Logger
}

// NewBMP creates a BMP source. activeSensors lists which of "pressure"
// and "temperature" to report.
func NewBMP(decoder BMPDecoder, activeSensors []string, interval time.Duration, logger *slog.Logger) *BMP {
	if logger == nil {
		logger = slog.Default()
	}
	return &BMP{
		decoder:  decoder,
		active:   activeSet(activeSensors),
		interval: interval,
		logger:   logger,
	}
}

func (b *BMP) Name() string { return "bmp" }

func (b *BMP) Interval() time.Duration { return b.interval }

func (b *BMP) Poll(ctx context.Context) ([]Measurement, error) {
	pressure, temperature, err := b.decoder.ReadBMP(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	all := []Measurement{
		{Source: "bmp", Metric: "pressure", Value: round2(pressure), Timestamp: now},
		{Source: "bmp", Metric: "temperature", Value: round2(temperature), Timestamp: now},
	}

	b.logger.Debug("bmp sampled",
		"pressure", pressure,
		"temperature", temperature,
	)

	return filterActive(all, b.active), nil
}
