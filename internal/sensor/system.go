package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// System polls host telemetry via gopsutil and reports it as ordinary
// measurements, so the board's own health rides the same topic
// hierarchy as the attached chips. Metrics: cpu_percent,
// memory_percent, disk_percent, load1.
type System struct {
	active   map[string]bool
	interval time.Duration
	logger   *slog.Logger
}

// NewSystem creates a host telemetry source.
func NewSystem(activeSensors []string, interval time.Duration, logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		active:   activeSet(activeSensors),
		interval: interval,
		logger:   logger,
	}
}

func (s *System) Name() string { return "system" }

func (s *System) Interval() time.Duration { return s.interval }

// Poll gathers the active host metrics. A failure to read one metric
// is logged and skipped; the others still report.
func (s *System) Poll(ctx context.Context) ([]Measurement, error) {
	now := time.Now()
	var out []Measurement

	if s.active["cpu_percent"] {
		// Zero interval returns utilization since the previous call
		// rather than blocking the poll goroutine to sample.
		percentages, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil || len(percentages) == 0 {
			s.logger.Warn("cpu read failed", "error", err)
		} else {
			out = append(out, Measurement{Source: "system", Metric: "cpu_percent", Value: round2(percentages[0]), Timestamp: now})
		}
	}

	if s.active["memory_percent"] {
		vMem, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			s.logger.Warn("memory read failed", "error", err)
		} else {
			// Total - Available counts only memory applications hold;
			// vMem.Used would include the page cache.
			used := float64(vMem.Total-vMem.Available) / float64(vMem.Total) * 100
			out = append(out, Measurement{Source: "system", Metric: "memory_percent", Value: round2(used), Timestamp: now})
		}
	}

	if s.active["disk_percent"] {
		dStat, err := disk.UsageWithContext(ctx, "/")
		if err != nil {
			s.logger.Warn("disk read failed", "error", err)
		} else {
			out = append(out, Measurement{Source: "system", Metric: "disk_percent", Value: round2(dStat.UsedPercent), Timestamp: now})
		}
	}

	if s.active["load1"] {
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			s.logger.Warn("load read failed", "error", err)
		} else {
			out = append(out, Measurement{Source: "system", Metric: "load1", Value: round2(avg.Load1), Timestamp: now})
		}
	}

	return out, nil
}
