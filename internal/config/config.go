// Package config handles pibridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./pibridge.yaml, ~/.config/pibridge/pibridge.yaml,
// /etc/pibridge/pibridge.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"pibridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pibridge", "pibridge.yaml"))
	}

	paths = append(paths, "/etc/pibridge/pibridge.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all pibridge configuration.
type Config struct {
	GPIO     GPIOConfig     `yaml:"gpio"`
	Sensors  SensorsConfig  `yaml:"sensors"`
	DHT      DHTConfig      `yaml:"dht"`
	BMP      BMPConfig      `yaml:"bmp"`
	System   SystemConfig   `yaml:"system"`
	PIR      PIRConfig      `yaml:"pir"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Presence PresenceConfig `yaml:"network_presence_detector"`
	Actions  []string       `yaml:"actions"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// GPIOConfig selects the pin numbering scheme applied to every
// configured pin. "BCM" is Broadcom chip numbering, "PHY" is the
// physical header position.
type GPIOConfig struct {
	Mode string `yaml:"mode"`
}

// SensorsConfig selects which sources run. SensorsList names the
// polled sources to construct (comma-list, e.g. "dht,bmp") and
// EventGenerators names the edge-triggered ones (e.g. "pir").
type SensorsConfig struct {
	SensorsList     string `yaml:"sensors_list"`
	EventGenerators string `yaml:"event_generators"`
	// SamplingIntervalSec is the default poll interval for sources
	// that do not override it (default 60).
	SamplingIntervalSec int `yaml:"sampling_interval_sec"`
}

// DHTConfig configures the DHT temperature/humidity sensor.
type DHTConfig struct {
	GPIOPin       int    `yaml:"gpio_pin"`
	Model         string `yaml:"model"` // "DHT11" selects DHT11, anything else DHT22
	ActiveSensors string `yaml:"active_sensors"`
}

// BMPConfig configures the BMP pressure/temperature sensor.
type BMPConfig struct {
	ActiveSensors string `yaml:"active_sensors"`
}

// SystemConfig configures the host telemetry source.
type SystemConfig struct {
	ActiveSensors string `yaml:"active_sensors"`
}

// PIRConfig configures the PIR motion sensor.
type PIRConfig struct {
	GPIOPin int `yaml:"gpio_pin"`
	// DebounceMs suppresses repeated edge callbacks within the window
	// (default 300, matching typical PIR retrigger behavior).
	DebounceMs int `yaml:"debounce_ms"`
}

// MQTTConfig defines broker connection settings. User and Password are
// both optional; when both are empty the connect attempt is anonymous.
type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
	KeepAlive uint16 `yaml:"keepalive"`
	QoS       byte   `yaml:"qos"`
	// QueueSize bounds the outgoing publish queue; when full the
	// oldest unsent record is dropped (default 256).
	QueueSize int `yaml:"queue_size"`
}

// PresenceConfig defines the network presence detector settings.
// KnownIPs is a comma-list of Name=ip pairs mapping a person to the
// address of their phone.
type PresenceConfig struct {
	KnownIPs             string `yaml:"known_ips"`
	MaxDetectionAttempts int    `yaml:"max_detection_attempts"`
	AttemptGapSec        int    `yaml:"attempt_gap_sec"`
	ProbeTimeoutSec      int    `yaml:"probe_timeout_sec"`
	ProbePort            int    `yaml:"probe_port"`
}

// MetricsConfig defines the optional Prometheus endpoint. Empty
// Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// BrokerURL returns the mqtt:// URL for the configured broker.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("mqtt://%s:%d", m.Host, m.Port)
}

// SplitList splits a comma-list config value into trimmed, non-empty
// elements. An empty value yields nil.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Person is one known_ips entry.
type Person struct {
	Name string
	IP   string
}

// Persons parses the known_ips comma-list of Name=ip pairs.
func (p PresenceConfig) Persons() ([]Person, error) {
	var persons []Person
	for _, entry := range SplitList(p.KnownIPs) {
		name, ip, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(ip) == "" {
			return nil, fmt.Errorf("malformed known_ips entry %q (expected Name=ip)", entry)
		}
		persons = append(persons, Person{Name: strings.TrimSpace(name), IP: strings.TrimSpace(ip)})
	}
	return persons, nil
}

// SamplingInterval returns the default poll interval.
func (s SensorsConfig) SamplingInterval() time.Duration {
	if s.SamplingIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.SamplingIntervalSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		GPIO: GPIOConfig{Mode: "BCM"},
		Sensors: SensorsConfig{
			SamplingIntervalSec: 60,
		},
		MQTT: MQTTConfig{
			Port:      1883,
			BaseTopic: "home",
			KeepAlive: 60,
			QueueSize: 256,
		},
		PIR: PIRConfig{
			DebounceMs: 300,
		},
		Presence: PresenceConfig{
			MaxDetectionAttempts: 7,
			AttemptGapSec:        3,
			ProbeTimeoutSec:      5,
			ProbePort:            80,
		},
		DataDir:  ".",
		LogLevel: "info",
	}
}

// Validate checks every value that would otherwise fail at runtime.
// Configuration errors are fatal at startup, never deferred.
func (c *Config) Validate() error {
	if c.GPIO.Mode != "BCM" && c.GPIO.Mode != "PHY" {
		return fmt.Errorf("gpio.mode must be BCM or PHY, got %q", c.GPIO.Mode)
	}

	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("mqtt.base_topic is required")
	}
	if strings.HasSuffix(c.MQTT.BaseTopic, "/") {
		return fmt.Errorf("mqtt.base_topic must not end with /")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.QueueSize <= 0 {
		return fmt.Errorf("mqtt.queue_size must be positive, got %d", c.MQTT.QueueSize)
	}

	for _, name := range SplitList(c.Sensors.SensorsList) {
		switch name {
		case "dht", "bmp", "system":
		default:
			return fmt.Errorf("unknown sensor %q in sensors.sensors_list", name)
		}
	}
	for _, name := range SplitList(c.Sensors.EventGenerators) {
		if name != "pir" {
			return fmt.Errorf("unknown event generator %q in sensors.event_generators", name)
		}
	}

	if _, err := c.Presence.Persons(); err != nil {
		return err
	}

	for _, rule := range c.Actions {
		if !strings.Contains(rule, ":") {
			return fmt.Errorf("malformed action rule %q (expected pattern:action)", rule)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}
