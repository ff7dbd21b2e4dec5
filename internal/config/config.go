// Package config handles sensorpub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nugget/sensorpub/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sensorpub/config.yaml, /etc/sensorpub/config.yaml.
func DefaultSearchPaths() []string {
	search := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		search = append(search, filepath.Join(home, ".config", "sensorpub", "config.yaml"))
	}

	search = append(search, "/etc/sensorpub/config.yaml")
	return search
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

// Transport names accepted by [Config.Transport].
const (
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"
)

// Config holds all sensorpub configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogDir, when set, receives one daily file per named reporter
	// (logs/<name>/<name>_YYYYMMDD.log).
	LogDir string `yaml:"log_dir"`

	// Transport selects the publish sink: "mqtt" (default) or "kafka".
	Transport string `yaml:"transport"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Baseline BaselineConfig `yaml:"baseline"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Manual   ManualConfig   `yaml:"manual"`
	Funnel   FunnelConfig   `yaml:"funnel"`
	Tuning   TuningConfig   `yaml:"tuning"`
	Control  ControlConfig  `yaml:"control"`
}

// MQTTConfig defines the broker connection and publish options.
type MQTTConfig struct {
	// Broker is a URL: mqtt://, tcp://, mqtts:// or ssl://. TLS is
	// enabled for the secure schemes and whenever CACert is set.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID defaults to "sensorpub-<uuid>".
	ClientID string `yaml:"client_id"`
	// CACert is a PEM bundle used to verify the broker certificate.
	CACert string `yaml:"ca_cert"`
	// InsecureSkipVerify disables hostname and chain verification.
	// Intended for self-signed demo brokers only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	BaseTopic string `yaml:"base_topic"`
	QoS       byte   `yaml:"qos"`
	Retain    bool   `yaml:"retain"`
}

// Configured reports whether enough is set to attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// KafkaConfig defines the alternative Kafka transport. Every reading
// is written to Topic with the MQTT-style topic path as message key.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ArchiveConfig enables the optional SQLite fan-out target that keeps
// a copy of every published reading.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BaselineConfig locates the historical CSV files replayed by the
// default producer: power_data.csv, water_data.csv, energy_data.csv.
type BaselineConfig struct {
	DataDir string `yaml:"data_dir"`
}

// DefaultsConfig controls the background default producer.
type DefaultsConfig struct {
	Enabled  bool `yaml:"enabled"`
	PeriodMS int  `yaml:"period_ms"`
}

// ManualConfig controls manual producer lifecycles.
type ManualConfig struct {
	// JoinTimeoutMS bounds how long Stop waits for a producer loop to
	// exit before abandoning it.
	JoinTimeoutMS int `yaml:"join_timeout_ms"`
}

// FunnelConfig sizes the operator log funnel.
type FunnelConfig struct {
	DisplayCap int `yaml:"display_cap"`
	TrimTo     int `yaml:"trim_to"`
	BacklogCap int `yaml:"backlog_cap"`
	DrainMS    int `yaml:"drain_ms"`
}

// ControlConfig defines the operator HTTP API.
type ControlConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file. Values not present in the
// file keep the defaults from [Default].
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
	paths.ExpandAll(&cfg.LogDir, &cfg.MQTT.CACert, &cfg.Archive.Path, &cfg.Baseline.DataDir)

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		Transport: TransportMQTT,
		MQTT: MQTTConfig{
			BaseTopic: "lemon/sensors",
		},
		Archive: ArchiveConfig{
			Path: "data/archive.db",
		},
		Baseline: BaselineConfig{
			DataDir: "data",
		},
		Defaults: DefaultsConfig{
			Enabled:  true,
			PeriodMS: 1000,
		},
		Manual: ManualConfig{
			JoinTimeoutMS: 1000,
		},
		Funnel: FunnelConfig{
			DisplayCap: 1000,
			TrimTo:     800,
			BacklogCap: 10000,
			DrainMS:    100,
		},
		Tuning:  DefaultTuning(),
		Control: ControlConfig{Port: 8088},
	}
}

// Validate checks the configuration for values that would make the
// simulator misbehave. It is called once after [Load].
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}

	switch c.Transport {
	case "", TransportMQTT:
		if !c.MQTT.Configured() {
			return fmt.Errorf("mqtt.broker is required for the mqtt transport")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic are required for the kafka transport")
		}
	default:
		return fmt.Errorf("transport %q invalid (expected mqtt or kafka)", c.Transport)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d invalid (expected 0, 1 or 2)", c.MQTT.QoS)
	}
	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("mqtt.base_topic must not be empty")
	}

	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required when the archive is enabled")
	}
	if c.Defaults.PeriodMS < 1 {
		return fmt.Errorf("defaults.period_ms must be >= 1, got %d", c.Defaults.PeriodMS)
	}
	if c.Manual.JoinTimeoutMS < 1 {
		return fmt.Errorf("manual.join_timeout_ms must be >= 1, got %d", c.Manual.JoinTimeoutMS)
	}

	f := c.Funnel
	if f.DisplayCap < 1 || f.TrimTo < 1 || f.TrimTo > f.DisplayCap {
		return fmt.Errorf("funnel: need 1 <= trim_to (%d) <= display_cap (%d)", f.TrimTo, f.DisplayCap)
	}
	if f.BacklogCap < 1 {
		return fmt.Errorf("funnel.backlog_cap must be >= 1, got %d", f.BacklogCap)
	}
	if f.DrainMS < 1 {
		return fmt.Errorf("funnel.drain_ms must be >= 1, got %d", f.DrainMS)
	}

	if c.Control.Port < 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port %d out of range", c.Control.Port)
	}
	return nil
}
