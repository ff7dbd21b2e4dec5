package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: mqtt://localhost:1883\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("transport: mqtt\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: mqtt://localhost\n  password: ${SENSORPUB_TEST_PASS}\n")
	t.Setenv("SENSORPUB_TEST_PASS", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "log_dir: ~/sensorpub/logs\narchive:\n  enabled: true\n  path: ~/archive.db\nbaseline:\n  data_dir: /srv/data\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(home, "sensorpub/logs"); cfg.LogDir != want {
		t.Errorf("log_dir = %q, want %q", cfg.LogDir, want)
	}
	if want := filepath.Join(home, "archive.db"); cfg.Archive.Path != want {
		t.Errorf("archive.path = %q, want %q", cfg.Archive.Path, want)
	}
	if cfg.Baseline.DataDir != "/srv/data" {
		t.Errorf("baseline.data_dir = %q, want unchanged", cfg.Baseline.DataDir)
	}
}

func TestLoad_KeepsDefaultsForMissingFields(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: mqtts://broker:8883\n  qos: 1\ntuning:\n  power:\n    bias_pct: 5\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.BaseTopic != "lemon/sensors" {
		t.Errorf("base_topic = %q, want default", cfg.MQTT.BaseTopic)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("qos = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.Defaults.PeriodMS != 1000 {
		t.Errorf("defaults.period_ms = %d, want 1000", cfg.Defaults.PeriodMS)
	}
	if cfg.Tuning.Power.BiasPct != 5 {
		t.Errorf("tuning.power.bias_pct = %v, want 5", cfg.Tuning.Power.BiasPct)
	}
	if cfg.Tuning.Power.JitterPct != 2 {
		t.Errorf("tuning.power.jitter_pct = %v, want default 2", cfg.Tuning.Power.JitterPct)
	}
	if cfg.Funnel.DisplayCap != 1000 || cfg.Funnel.TrimTo != 800 {
		t.Errorf("funnel = %+v, want 1000/800", cfg.Funnel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"bad transport", func(c *Config) { c.Transport = "amqp" }, "transport"},
		{"kafka without brokers", func(c *Config) { c.Transport = TransportKafka }, "kafka.brokers"},
		{"kafka ok", func(c *Config) {
			c.Transport = TransportKafka
			c.Kafka.Brokers = []string{"localhost:9092"}
			c.Kafka.Topic = "sensors"
		}, ""},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"zero period", func(c *Config) { c.Defaults.PeriodMS = 0 }, "period_ms"},
		{"trim above cap", func(c *Config) { c.Funnel.TrimTo = 2000 }, "trim_to"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"archive without path", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Path = ""
		}, "archive.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MQTT.Broker = "mqtt://localhost:1883"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level should pass through unchanged, got %v", a.Value)
	}
}

func TestConfigLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"warn", slog.LevelWarn},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		c := &Config{LogLevel: tt.in}
		if got := c.Level(); got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if opts := HandlerOptions(LevelTrace); opts.Level.Level() != LevelTrace || opts.ReplaceAttr == nil {
		t.Errorf("HandlerOptions = %+v", opts)
	}
}
