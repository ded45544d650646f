package sensor

import (
	"fmt"
	"log/slog"

	"github.com/pibridge/pibridge/internal/config"
)

// Deps carries the capabilities a builder may need. Decoders are
// injected so the registry stays free of hardware imports.
type Deps struct {
	Config *config.Config
	DHT    DHTDecoder
	BMP    BMPDecoder
	Logger *slog.Logger
}

// Builder constructs one source from its config section.
type Builder func(Deps) (Source, error)

// Builders returns the constructor for each supported sensor name.
// sensors_list entries are looked up here; an unknown name is a
// startup error.
func Builders() map[string]Builder {
	return map[string]Builder{
		"dht":    buildDHT,
		"bmp":    buildBMP,
		"system": buildSystem,
	}
}

// Build constructs the sources named in sensors_list, in declaration
// order.
func Build(deps Deps) ([]Source, error) {
	builders := Builders()

	var sources []Source
	for _, name := range config.SplitList(deps.Config.Sensors.SensorsList) {
		builder, ok := builders[name]
		if !ok {
			return nil, fmt.Errorf("unknown sensor %q", name)
		}
		src, err := builder(deps)
		if err != nil {
			return nil, fmt.Errorf("build sensor %q: %w", name, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func buildDHT(deps Deps) (Source, error) {
	if deps.DHT == nil {
		return nil, fmt.Errorf("no DHT decoder available")
	}
	cfg := deps.Config.DHT
	active := config.SplitList(cfg.ActiveSensors)
	if len(active) == 0 {
		return nil, fmt.Errorf("dht.active_sensors is empty")
	}
	for _, metric := range active {
		if metric != "temperature" && metric != "humidity" {
			return nil, fmt.Errorf("dht does not measure %q", metric)
		}
	}
	interval := deps.Config.Sensors.SamplingInterval()
	if interval < dhtMinPeriod {
		return nil, fmt.Errorf("sampling interval %v below dht minimum %v", interval, dhtMinPeriod)
	}
	return NewDHT(deps.DHT, ParseDHTModel(cfg.Model), cfg.GPIOPin, active, interval, deps.Logger), nil
}

func buildBMP(deps Deps) (Source, error) {
	if deps.BMP == nil {
		return nil, fmt.Errorf("no BMP decoder available")
	}
	active := config.SplitList(deps.Config.BMP.ActiveSensors)
	if len(active) == 0 {
		return nil, fmt.Errorf("bmp.active_sensors is empty")
	}
	for _, metric := range active {
		if metric != "pressure" && metric != "temperature" {
			return nil, fmt.Errorf("bmp does not measure %q", metric)
		}
	}
	return NewBMP(deps.BMP, active, deps.Config.Sensors.SamplingInterval(), deps.Logger), nil
}

func buildSystem(deps Deps) (Source, error) {
	active := config.SplitList(deps.Config.System.ActiveSensors)
	if len(active) == 0 {
		active = []string{"cpu_percent", "memory_percent"}
	}
	for _, metric := range active {
		switch metric {
		case "cpu_percent", "memory_percent", "disk_percent", "load1":
		default:
			return nil, fmt.Errorf("system does not measure %q", metric)
		}
	}
	return NewSystem(active, deps.Config.Sensors.SamplingInterval(), deps.Logger), nil
}
