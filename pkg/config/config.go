// Package config loads and validates the engine configuration from YAML.
// Validation happens twice: struct tags catch per-field constraints, and a
// CUE schema catches structural problems before the struct decode can
// paper over them.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/sweeper"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
)

// Config is the engine's top-level configuration.
type Config struct {
	// DataDir holds the local state: database, filesystem repository.
	DataDir string `yaml:"data_dir" validate:"required"`

	Database  DatabaseConfig   `yaml:"database"`
	Git       GitConfig        `yaml:"git"`
	Telemetry TelemetrySection `yaml:"telemetry"`
	Sweeper   SweeperSection   `yaml:"sweeper"`

	// APIKeys maps environment ids to the credentials used to reach
	// their workflow runtimes.
	APIKeys map[string]string `yaml:"api_keys"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// GitConfig selects and configures the snapshot repository backend.
type GitConfig struct {
	// Backend is "fs" for the local filesystem repository or "memory"
	// for the in-process one.
	Backend string `yaml:"backend" validate:"required,oneof=fs memory"`
	Root    string `yaml:"root" validate:"required_if=Backend fs"`
	Branch  string `yaml:"branch" validate:"required"`
}

// TelemetrySection is the YAML shape of the telemetry knobs.
type TelemetrySection struct {
	Environment     string  `yaml:"environment"`
	LogLevel        string  `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat       string  `yaml:"log_format" validate:"omitempty,oneof=console json"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	MetricsListen   string  `yaml:"metrics_listen"`
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	EventsEnabled   bool    `yaml:"events_enabled"`
	EventBufferSize int     `yaml:"event_buffer_size" validate:"gte=0"`
}

// SweeperSection is the YAML shape of the sweep cadence, in seconds.
type SweeperSection struct {
	ExpiryIntervalSeconds   int `yaml:"expiry_interval_seconds" validate:"gte=0"`
	ScanIntervalSeconds     int `yaml:"scan_interval_seconds" validate:"gte=0"`
	StaleIntervalSeconds    int `yaml:"stale_interval_seconds" validate:"gte=0"`
	ArtifactTimeoutMinutes  int `yaml:"artifact_timeout_minutes" validate:"gte=0"`
	PromotionTimeoutMinutes int `yaml:"promotion_timeout_minutes" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Database: DatabaseConfig{
			Path: "./data/warden.db",
		},
		Git: GitConfig{
			Backend: "fs",
			Root:    "./data/repo",
			Branch:  "main",
		},
		Telemetry: TelemetrySection{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsListen:   ":9090",
			TracingExporter: "none",
			SamplingRate:    1.0,
			EventsEnabled:   true,
			EventBufferSize: 256,
		},
		Sweeper: SweeperSection{
			ExpiryIntervalSeconds:   60,
			ScanIntervalSeconds:     300,
			StaleIntervalSeconds:    60,
			ArtifactTimeoutMinutes:  30,
			PromotionTimeoutMinutes: 60,
		},
	}
}

// Load reads, decodes, and validates a configuration file. Missing fields
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewValidationError("failed to read config file", err).WithResource(path)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, engine.NewValidationError("failed to parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies the struct-tag constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewValidationError("invalid configuration", err)
	}
	return nil
}

// TelemetryConfig maps the YAML section onto the telemetry package's config.
func (c *Config) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = c.Telemetry.Environment
	cfg.Logging.Level = c.Telemetry.LogLevel
	cfg.Logging.Format = c.Telemetry.LogFormat
	cfg.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsListen != "" {
		cfg.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}
	cfg.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		cfg.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	cfg.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	cfg.Tracing.SamplingRate = c.Telemetry.SamplingRate
	cfg.Events.Enabled = c.Telemetry.EventsEnabled
	if c.Telemetry.EventBufferSize > 0 {
		cfg.Events.BufferSize = c.Telemetry.EventBufferSize
	}
	return *cfg
}

// SweeperConfig maps the YAML section onto the sweeper's config.
func (c *Config) SweeperConfig() sweeper.Config {
	return sweeper.Config{
		ExpiryInterval:   time.Duration(c.Sweeper.ExpiryIntervalSeconds) * time.Second,
		ScanInterval:     time.Duration(c.Sweeper.ScanIntervalSeconds) * time.Second,
		StaleInterval:    time.Duration(c.Sweeper.StaleIntervalSeconds) * time.Second,
		ArtifactTimeout:  time.Duration(c.Sweeper.ArtifactTimeoutMinutes) * time.Minute,
		PromotionTimeout: time.Duration(c.Sweeper.PromotionTimeoutMinutes) * time.Minute,
	}
}
