// Package config loads and validates the runtime's YAML configuration.
// Every section maps onto one component's options; validation is fail-fast
// so a bad file stops the process before any component is constructed.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// Duration is a time.Duration that unmarshals from YAML strings with
// units, e.g. "250ms" or "5s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Staging       StagingConfig       `yaml:"staging"`
	Replica       ReplicaConfig       `yaml:"replica"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Rollout       RolloutConfig       `yaml:"rollout"`
	Training      TrainingConfig      `yaml:"training"`
	Placement     PlacementConfig     `yaml:"placement"`
	Events        EventsConfig        `yaml:"events"`
	Journal       JournalConfig       `yaml:"journal"`
	Observability ObservabilityConfig `yaml:"observability"`
	ControlPlane  ControlPlaneConfig  `yaml:"control_plane"`
}

// RuntimeConfig names the process and shapes its logging.
type RuntimeConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StagingConfig selects and tunes the weight staging backend.
type StagingConfig struct {
	Backend         string      `yaml:"backend"` // memory or redis
	TransferTimeout Duration    `yaml:"transfer_timeout"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig points the staging channel at a Redis server.
type RedisConfig struct {
	Address   string   `yaml:"address"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

// ReplicaConfig tunes health demotion and per-attempt dispatch timeouts.
type ReplicaConfig struct {
	SuspectAfter   int      `yaml:"suspect_after"`
	UnhealthyAfter int      `yaml:"unhealthy_after"`
	CallTimeout    Duration `yaml:"call_timeout"`
}

// BufferConfig tunes the trajectory buffer. A nil StalenessBound takes the
// default of 1; an explicit 0 means strict on-policy sampling.
type BufferConfig struct {
	Capacity       int      `yaml:"capacity"`
	StalenessBound *int     `yaml:"staleness_bound"`
	SampleTimeout  Duration `yaml:"sample_timeout"`
}

// RolloutConfig shapes the rollout loops.
type RolloutConfig struct {
	Loops    int      `yaml:"loops"`
	Prompts  []string `yaml:"prompts"`
	Backoff  Duration `yaml:"backoff"`
	Interval Duration `yaml:"interval"`
}

// TrainingConfig shapes the training loop. SeedBytes sizes the simulated
// initial weight buffer published as version 1.
type TrainingConfig struct {
	BatchSize int      `yaml:"batch_size"`
	Backoff   Duration `yaml:"backoff"`
	SeedBytes int      `yaml:"seed_bytes"`
}

// PlacementConfig sizes the worker pool and its supervision. Workers has
// no silent default: a runtime with zero workers is a configuration error.
type PlacementConfig struct {
	Workers           int      `yaml:"workers"`
	WorkerLatency     Duration `yaml:"worker_latency"`
	ProbeInterval     Duration `yaml:"probe_interval"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
	RestartBackoff    Duration `yaml:"restart_backoff"`
	MaxRestartBackoff Duration `yaml:"max_restart_backoff"`
	MaxRestarts       int      `yaml:"max_restarts"`
}

// EventsConfig selects event sinks.
type EventsConfig struct {
	Log  bool       `yaml:"log"`
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig exports events to a NATS subject tree when enabled.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// JournalConfig persists events to an embedded SQLite database.
type JournalConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"` // zero keeps everything
}

// ObservabilityConfig wires metrics serving and trace export. An empty
// MetricsAddr disables the metrics endpoint.
type ObservabilityConfig struct {
	MetricsAddr   string `yaml:"metrics_addr"`
	TraceExporter string `yaml:"trace_exporter"` // none or stdout
}

// ControlPlaneConfig exposes the gRPC health endpoint.
type ControlPlaneConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a configuration that passes validation: an in-memory
// staging backend, two simulated workers, and one rollout loop.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	c.Placement.Workers = 2
	return c
}

// Load reads, parses, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults fills zero values. Placement.Workers is deliberately left
// alone; it must be set explicitly.
func (c *Config) applyDefaults() {
	if c.Runtime.Name == "" {
		c.Runtime.Name = "rl-runtime"
	}
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}
	if c.Runtime.LogFormat == "" {
		c.Runtime.LogFormat = "json"
	}

	if c.Staging.Backend == "" {
		c.Staging.Backend = "memory"
	}
	if c.Staging.TransferTimeout == 0 {
		c.Staging.TransferTimeout = Duration(5 * time.Second)
	}
	if c.Staging.Redis.Address == "" {
		c.Staging.Redis.Address = "localhost:6379"
	}
	if c.Staging.Redis.KeyPrefix == "" {
		c.Staging.Redis.KeyPrefix = "rl:staging:"
	}
	if c.Staging.Redis.TTL == 0 {
		c.Staging.Redis.TTL = Duration(10 * time.Minute)
	}

	if c.Replica.SuspectAfter == 0 {
		c.Replica.SuspectAfter = 1
	}
	if c.Replica.UnhealthyAfter == 0 {
		c.Replica.UnhealthyAfter = 2
	}
	if c.Replica.CallTimeout == 0 {
		c.Replica.CallTimeout = Duration(30 * time.Second)
	}

	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = 512
	}
	if c.Buffer.StalenessBound == nil {
		bound := 1
		c.Buffer.StalenessBound = &bound
	}
	if c.Buffer.SampleTimeout == 0 {
		c.Buffer.SampleTimeout = Duration(5 * time.Second)
	}

	if c.Rollout.Loops == 0 {
		c.Rollout.Loops = 1
	}
	if len(c.Rollout.Prompts) == 0 {
		c.Rollout.Prompts = []string{
			"Summarize the mission log.",
			"Write a haiku about gradient descent.",
			"Explain staleness bounds to a new engineer.",
		}
	}
	if c.Rollout.Backoff == 0 {
		c.Rollout.Backoff = Duration(200 * time.Millisecond)
	}

	if c.Training.BatchSize == 0 {
		c.Training.BatchSize = 8
	}
	if c.Training.Backoff == 0 {
		c.Training.Backoff = Duration(200 * time.Millisecond)
	}
	if c.Training.SeedBytes == 0 {
		c.Training.SeedBytes = 1024
	}

	if c.Placement.ProbeInterval == 0 {
		c.Placement.ProbeInterval = Duration(5 * time.Second)
	}
	if c.Placement.ProbeTimeout == 0 {
		c.Placement.ProbeTimeout = Duration(2 * time.Second)
	}
	if c.Placement.RestartBackoff == 0 {
		c.Placement.RestartBackoff = Duration(500 * time.Millisecond)
	}
	if c.Placement.MaxRestartBackoff == 0 {
		c.Placement.MaxRestartBackoff = Duration(30 * time.Second)
	}

	if c.Events.NATS.URL == "" {
		c.Events.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "rl.events"
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "rl-journal.db"
	}

	if c.Observability.TraceExporter == "" {
		c.Observability.TraceExporter = "none"
	}

	if c.ControlPlane.Port == 0 {
		c.ControlPlane.Port = 9090
	}
}

// Validate checks every section; the first violation is returned as a
// fatal configuration error.
func (c *Config) Validate() error {
	switch c.Runtime.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return rl.ErrInvalidConfiguration("runtime.log_level", c.Runtime.LogLevel,
			"log level must be one of debug, info, warn, error")
	}
	switch c.Runtime.LogFormat {
	case "json", "text":
	default:
		return rl.ErrInvalidConfiguration("runtime.log_format", c.Runtime.LogFormat,
			"log format must be json or text")
	}

	switch c.Staging.Backend {
	case "memory", "redis":
	default:
		return rl.ErrInvalidConfiguration("staging.backend", c.Staging.Backend,
			"staging backend must be memory or redis")
	}
	if c.Staging.TransferTimeout <= 0 {
		return rl.ErrInvalidConfiguration("staging.transfer_timeout", c.Staging.TransferTimeout.Std(),
			"transfer timeout must be positive")
	}
	if c.Staging.Backend == "redis" && c.Staging.Redis.Address == "" {
		return rl.ErrInvalidConfiguration("staging.redis.address", "",
			"redis backend requires an address")
	}

	if c.Replica.SuspectAfter < 1 {
		return rl.ErrInvalidConfiguration("replica.suspect_after", c.Replica.SuspectAfter,
			"suspect threshold must be at least 1")
	}
	if c.Replica.UnhealthyAfter <= c.Replica.SuspectAfter {
		return rl.ErrInvalidConfiguration("replica.unhealthy_after", c.Replica.UnhealthyAfter,
			"unhealthy threshold must exceed the suspect threshold")
	}
	if c.Replica.CallTimeout <= 0 {
		return rl.ErrInvalidConfiguration("replica.call_timeout", c.Replica.CallTimeout.Std(),
			"call timeout must be positive")
	}

	if c.Buffer.Capacity < 1 {
		return rl.ErrInvalidConfiguration("buffer.capacity", c.Buffer.Capacity,
			"buffer capacity must be at least 1")
	}
	if c.Buffer.StalenessBound != nil && *c.Buffer.StalenessBound < 0 {
		return rl.ErrInvalidConfiguration("buffer.staleness_bound", *c.Buffer.StalenessBound,
			"staleness bound must be non-negative")
	}
	if c.Buffer.SampleTimeout <= 0 {
		return rl.ErrInvalidConfiguration("buffer.sample_timeout", c.Buffer.SampleTimeout.Std(),
			"sample timeout must be positive")
	}

	if c.Rollout.Loops < 1 {
		return rl.ErrInvalidConfiguration("rollout.loops", c.Rollout.Loops,
			"at least one rollout loop is required")
	}
	if len(c.Rollout.Prompts) == 0 {
		return rl.ErrInvalidConfiguration("rollout.prompts", nil,
			"at least one prompt is required")
	}
	if c.Rollout.Backoff <= 0 {
		return rl.ErrInvalidConfiguration("rollout.backoff", c.Rollout.Backoff.Std(),
			"rollout backoff must be positive")
	}
	if c.Rollout.Interval < 0 {
		return rl.ErrInvalidConfiguration("rollout.interval", c.Rollout.Interval.Std(),
			"rollout interval must be non-negative")
	}

	if c.Training.BatchSize < 1 {
		return rl.ErrInvalidConfiguration("training.batch_size", c.Training.BatchSize,
			"batch size must be at least 1")
	}
	if c.Training.Backoff <= 0 {
		return rl.ErrInvalidConfiguration("training.backoff", c.Training.Backoff.Std(),
			"training backoff must be positive")
	}
	if c.Training.SeedBytes < 1 {
		return rl.ErrInvalidConfiguration("training.seed_bytes", c.Training.SeedBytes,
			"seed weights need at least one byte")
	}

	if c.Placement.Workers < 1 {
		return rl.ErrInvalidConfiguration("placement.workers", c.Placement.Workers,
			"at least one worker replica is required")
	}
	if c.Placement.WorkerLatency < 0 {
		return rl.ErrInvalidConfiguration("placement.worker_latency", c.Placement.WorkerLatency.Std(),
			"worker latency must be non-negative")
	}
	if c.Placement.ProbeInterval <= 0 || c.Placement.ProbeTimeout <= 0 {
		return rl.ErrInvalidConfiguration("placement.probe_interval", c.Placement.ProbeInterval.Std(),
			"probe settings must be positive")
	}
	if c.Placement.RestartBackoff <= 0 {
		return rl.ErrInvalidConfiguration("placement.restart_backoff", c.Placement.RestartBackoff.Std(),
			"restart backoff must be positive")
	}
	if c.Placement.MaxRestartBackoff < c.Placement.RestartBackoff {
		return rl.ErrInvalidConfiguration("placement.max_restart_backoff", c.Placement.MaxRestartBackoff.Std(),
			"max restart backoff must be at least the base backoff")
	}
	if c.Placement.MaxRestarts < 0 {
		return rl.ErrInvalidConfiguration("placement.max_restarts", c.Placement.MaxRestarts,
			"max restarts must be non-negative")
	}

	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		return rl.ErrInvalidConfiguration("events.nats.url", "",
			"NATS export requires a URL")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return rl.ErrInvalidConfiguration("journal.path", "",
			"journal requires a database path")
	}
	if c.Journal.Retention < 0 {
		return rl.ErrInvalidConfiguration("journal.retention", c.Journal.Retention.Std(),
			"journal retention must be non-negative")
	}

	switch c.Observability.TraceExporter {
	case "none", "stdout":
	default:
		return rl.ErrInvalidConfiguration("observability.trace_exporter", c.Observability.TraceExporter,
			"trace exporter must be none or stdout")
	}

	if c.ControlPlane.Enabled && (c.ControlPlane.Port < 1 || c.ControlPlane.Port > 65535) {
		return rl.ErrInvalidConfiguration("control_plane.port", c.ControlPlane.Port,
			"control plane port must be in 1..65535")
	}

	return nil
}
