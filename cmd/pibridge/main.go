// Pibridge is a sensor-to-MQTT bridge for single-board computers.
//
// It polls attached climate sensors (DHT temperature/humidity, BMP
// pressure) and host telemetry on fixed intervals, turns PIR motion
// edges into per-person presence events by probing each known phone on
// the local network, and publishes every reading under a common base
// topic. Inbound messages on subscribed topics are dispatched to
// configured actions. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	pibridge serve           Start the bridge
//	pibridge check           Validate the configuration and exit
//	pibridge version         Print version and build information
//	pibridge -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pibridge/pibridge/internal/broker"
	"github.com/pibridge/pibridge/internal/buildinfo"
	"github.com/pibridge/pibridge/internal/config"
	"github.com/pibridge/pibridge/internal/dispatch"
	"github.com/pibridge/pibridge/internal/engine"
	"github.com/pibridge/pibridge/internal/gpio"
	"github.com/pibridge/pibridge/internal/metrics"
	"github.com/pibridge/pibridge/internal/presence"
	"github.com/pibridge/pibridge/internal/sensor"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the pibridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the pollers, the publish queue, and the
//     broker session.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// pibridge is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Pibridge - Sensor to MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pibridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge")
	fmt.Fprintln(w, "  check        Validate the configuration and exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./pibridge.yaml, ~/.config/pibridge/pibridge.yaml,")
	fmt.Fprintln(w, "  /etc/pibridge/pibridge.yaml")
	return nil
}

// runCheck loads and validates the configuration, including the action
// rule table, without touching hardware or the network.
func runCheck(stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rules, err := dispatch.ParseRules(cfg.Actions)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: ok (%d sensors, %d action rules)\n",
		cfgPath, len(config.SplitList(cfg.Sensors.SensorsList)), len(rules))
	return nil
}

// runServe handles the "pibridge serve" subcommand. It is the primary
// operating mode: loads config, builds the sensor sources, opens the
// broker session, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Pollers stop and in-flight probe rounds drain
//  3. The publish queue flushes with a bounded wait
//  4. The broker session disconnects
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting pibridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.BrokerURL(),
		"base_topic", cfg.MQTT.BaseTopic,
	)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancel it and trigger the graceful shutdown path.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Broker session ---
	// The client ID survives restarts so the broker can resume the
	// session instead of treating every start as a new client.
	clientID, err := broker.LoadOrCreateClientID(cfg.MQTT.ClientID, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load client id: %w", err)
	}
	session := broker.NewSession(cfg.MQTT, clientID, broker.DefaultBackoffConfig(), logger)
	logger.Debug("broker session prepared", "client_id", clientID)

	// --- GPIO and sensor sources ---
	// The in-memory chip and simulated decoders stand in for hardware
	// drivers, which are wired here on real deployments.
	mode, err := gpio.ParseMode(cfg.GPIO.Mode)
	if err != nil {
		return err
	}
	chip := gpio.NewMemChip(mode)
	defer chip.Close()

	sources, err := sensor.Build(sensor.Deps{
		Config: cfg,
		DHT:    newSimDHT(),
		BMP:    newSimBMP(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build sensor sources: %w", err)
	}

	// --- Metrics ---
	metricsSet := metrics.New()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metricsSet.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	// --- Inbound dispatch ---
	rules, err := dispatch.ParseRules(cfg.Actions)
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(rules, dispatch.BuiltinActions(logger), metricsSet, logger)
	if err != nil {
		return err
	}

	prober := &presence.TCPProber{
		Port:    cfg.Presence.ProbePort,
		Timeout: time.Duration(cfg.Presence.ProbeTimeoutSec) * time.Second,
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Session:    session,
		Dispatcher: dispatcher,
		Sources:    sources,
		Chip:       chip,
		Prober:     prober,
		Metrics:    metricsSet,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	return eng.Run(ctx)
}

// newLogger builds the process logger. All structured output goes to
// one writer so log lines never interleave with command output.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves the config path (explicit flag or search paths)
// and loads it.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
