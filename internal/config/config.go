// Package config loads the agent configuration from defaults, an optional
// YAML file and PROCWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yairfalse/procwatch/internal/observers/procwatch"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// PROCWATCH_PROBE_BPF_OBJECT.
const EnvPrefix = "PROCWATCH"

// Config is the agent configuration
type Config struct {
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
	Probe     ProbeConfig     `mapstructure:"probe" yaml:"probe"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// ProbeConfig configures the observer and its buffers
type ProbeConfig struct {
	EnableEBPF       bool          `mapstructure:"enable_ebpf" yaml:"enable_ebpf"`
	BPFObject        string        `mapstructure:"bpf_object" yaml:"bpf_object"`
	Fallback         bool          `mapstructure:"fallback" yaml:"fallback"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval" yaml:"fallback_interval"`
	BufferSize       int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	RingBufferSize   int           `mapstructure:"ring_buffer_size" yaml:"ring_buffer_size"`
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	TrackerShards    int           `mapstructure:"tracker_shards" yaml:"tracker_shards"`
}

// OutputConfig configures the JSON lines event log. An empty File disables
// it. FilterFile names an optional allow/deny rule file that is reloaded when
// it changes.
type OutputConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	FilterFile string `mapstructure:"filter_file" yaml:"filter_file"`
}

// NATSConfig configures the NATS publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// StatusConfig configures the status HTTP server. An empty Addr disables it.
type StatusConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TelemetryConfig configures metric and trace export
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	Prometheus   bool   `mapstructure:"prometheus" yaml:"prometheus"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	d := procwatch.DefaultConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("probe.enable_ebpf", d.EnableEBPF)
	v.SetDefault("probe.bpf_object", d.BPFObjectPath)
	v.SetDefault("probe.fallback", d.EnableFallback)
	v.SetDefault("probe.fallback_interval", d.FallbackInterval)
	v.SetDefault("probe.buffer_size", d.BufferSize)
	v.SetDefault("probe.ring_buffer_size", d.RingBufferSize)
	v.SetDefault("probe.batch_size", d.BatchSize)
	v.SetDefault("probe.batch_timeout", d.BatchTimeout)
	v.SetDefault("probe.tracker_shards", d.TrackerShards)

	v.SetDefault("output.file", "process_events.jsonl")
	v.SetDefault("output.filter_file", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "procwatch")

	v.SetDefault("status.addr", ":9464")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.prometheus", true)
}

// Load reads the configuration into a fresh Config. With an empty path the
// file procwatch.yaml is looked up in the working directory and
// /etc/procwatch, and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("procwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/procwatch")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.NATS.URL != "" && strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		return fmt.Errorf("invalid nats.subject_prefix %q", c.NATS.SubjectPrefix)
	}
	if err := c.ObserverConfig(nil, nil).Validate(); err != nil {
		return fmt.Errorf("invalid probe config: %w", err)
	}
	return nil
}

// ObserverConfig converts the probe section to an observer config
func (c *Config) ObserverConfig(logger *zap.Logger, mp metric.MeterProvider) *procwatch.Config {
	cfg := procwatch.DefaultConfig()
	cfg.EnableEBPF = c.Probe.EnableEBPF
	cfg.BPFObjectPath = c.Probe.BPFObject
	cfg.EnableFallback = c.Probe.Fallback
	cfg.FallbackInterval = c.Probe.FallbackInterval
	cfg.BufferSize = c.Probe.BufferSize
	cfg.RingBufferSize = c.Probe.RingBufferSize
	cfg.BatchSize = c.Probe.BatchSize
	cfg.BatchTimeout = c.Probe.BatchTimeout
	cfg.TrackerShards = c.Probe.TrackerShards
	cfg.Logger = logger
	cfg.MeterProvider = mp
	return cfg
}
