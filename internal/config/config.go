// Package config handles TOML configuration for Vahti.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store backends
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config is the root configuration structure.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Scan     ScanConfig     `toml:"scan"`
	Scope    ScopeConfig    `toml:"scope"`
	Policies PoliciesConfig `toml:"policies"`
	Report   ReportConfig   `toml:"report"`
	Daemon   DaemonConfig   `toml:"daemon"`
	OTEL     OTELConfig     `toml:"otel"`
	Log      LogConfig      `toml:"log"`
}

// StoreConfig selects and configures the asset store gateway.
type StoreConfig struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
}

// ScanConfig holds orchestrator settings.
type ScanConfig struct {
	Concurrency      int     `toml:"concurrency"`
	DeadlineStr      string  `toml:"deadline"`
	RuleTimeoutStr   string  `toml:"rule_timeout"`
	DrainTimeoutStr  string  `toml:"drain_timeout"`
	QueriesPerSecond float64 `toml:"queries_per_second"`

	Deadline     time.Duration `toml:"-"`
	RuleTimeout  time.Duration `toml:"-"`
	DrainTimeout time.Duration `toml:"-"`
}

// ScopeConfig narrows the snapshot a scan looks at.
type ScopeConfig struct {
	Accounts       []string `toml:"accounts"`
	Regions        []string `toml:"regions"`
	ResourceIDs    []string `toml:"resource_ids"`
	SubnetID       string   `toml:"subnet_id"`
	SecurityGroups []string `toml:"security_groups"`
}

// PoliciesConfig locates bundles and filters the catalog.
type PoliciesConfig struct {
	Paths        []string `toml:"paths"`
	Include      []string `toml:"include"`
	Exclude      []string `toml:"exclude"`
	MinSeverity  string   `toml:"min_severity"`
	ExcludeTypes []string `toml:"exclude_types"`
}

// ReportConfig holds report sinks.
type ReportConfig struct {
	Path     string `toml:"path"`
	S3Bucket string `toml:"s3_bucket"`
	S3Prefix string `toml:"s3_prefix"`
	S3Region string `toml:"s3_region"`
}

// DaemonConfig holds settings for continuous scanning.
type DaemonConfig struct {
	IntervalStr string        `toml:"interval"`
	Interval    time.Duration `toml:"-"`
	MetricsAddr string        `toml:"metrics_addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	// defaults always parse
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendBolt
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./vahti-data"
	}
	if cfg.Scan.DeadlineStr == "" {
		cfg.Scan.DeadlineStr = "10m"
	}
	if cfg.Scan.RuleTimeoutStr == "" {
		cfg.Scan.RuleTimeoutStr = "30s"
	}
	if cfg.Scan.DrainTimeoutStr == "" {
		cfg.Scan.DrainTimeoutStr = "5s"
	}
	if len(cfg.Policies.Paths) == 0 {
		cfg.Policies.Paths = []string{"./policies"}
	}
	if cfg.Report.S3Prefix == "" {
		cfg.Report.S3Prefix = "vahti/reports"
	}
	if cfg.Daemon.IntervalStr == "" {
		cfg.Daemon.IntervalStr = "15m"
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vahti"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scan.deadline", cfg.Scan.DeadlineStr, &cfg.Scan.Deadline},
		{"scan.rule_timeout", cfg.Scan.RuleTimeoutStr, &cfg.Scan.RuleTimeout},
		{"scan.drain_timeout", cfg.Scan.DrainTimeoutStr, &cfg.Scan.DrainTimeout},
		{"daemon.interval", cfg.Daemon.IntervalStr, &cfg.Daemon.Interval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store: path required for bolt backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	if c.Store.MaxConns < 0 {
		return fmt.Errorf("store: max_conns must not be negative (got %d)", c.Store.MaxConns)
	}
	if c.Scan.Concurrency < 0 {
		return fmt.Errorf("scan: concurrency must not be negative (got %d)", c.Scan.Concurrency)
	}
	if c.Scan.Deadline < 0 || c.Scan.RuleTimeout < 0 || c.Scan.DrainTimeout < 0 {
		return fmt.Errorf("scan: durations must not be negative")
	}
	if c.Scan.QueriesPerSecond < 0 {
		return fmt.Errorf("scan: queries_per_second must not be negative (got %v)", c.Scan.QueriesPerSecond)
	}
	if len(c.Policies.Paths) == 0 {
		return fmt.Errorf("policies: at least one path required")
	}
	if s := strings.ToUpper(c.Policies.MinSeverity); s != "" && s != "HIGH" && s != "MEDIUM" && s != "LOW" {
		return fmt.Errorf("policies: invalid min_severity %q", c.Policies.MinSeverity)
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon: interval must be positive")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
