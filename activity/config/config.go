// Package config loads workflow host configuration from YAML and builds the
// store, emitter and host options it describes.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dshills/activityflow/activity"
	"github.com/dshills/activityflow/activity/emit"
	"github.com/dshills/activityflow/activity/store"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverBolt   = "bolt"
)

// Emitter kinds.
const (
	EmitterNull     = "null"
	EmitterLog      = "log"
	EmitterBuffered = "buffered"
	EmitterOTel     = "otel"
	EmitterLogger   = "logger"
)

// Example:
//
//	max_turns: 10000
//	outputs: [total]
//	store:
//	  driver: sqlite
//	  path: ./workflows.db
//	emitter:
//	  kind: log
//	  json: true
//	metrics:
//	  enabled: true

// Config is the YAML configuration of a workflow host.
type Config struct {
	MaxTurns int           `yaml:"max_turns"`
	Outputs  []string      `yaml:"outputs,omitempty"`
	Store    StoreConfig   `yaml:"store"`
	Emitter  EmitterConfig `yaml:"emitter"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Timers   TimersConfig  `yaml:"timers"`
	Logging  LoggingConfig `yaml:"logging"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// DSN is the MySQL data source name.
	DSN string `yaml:"dsn,omitempty"`

	// Path is the SQLite or Bolt database file.
	Path string `yaml:"path,omitempty"`
}

// EmitterConfig selects the event emitter.
type EmitterConfig struct {
	Kind string `yaml:"kind"`
	JSON bool   `yaml:"json,omitempty"`

	// Debug lists event messages the logger emitter logs at debug level.
	Debug []string `yaml:"debug,omitempty"`
}

// MetricsConfig enables Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TimersConfig configures durable timers.
type TimersConfig struct {
	// Manual disables the host timer goroutine.
	Manual bool `yaml:"manual,omitempty"`
}

// LoggingConfig configures host diagnostics.
type LoggingConfig struct {
	Debug bool `yaml:"debug,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Driver: DriverMemory},
		Emitter: EmitterConfig{Kind: EmitterNull},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration. Missing sections take
// their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	c.Emitter.Kind = strings.ToLower(strings.TrimSpace(c.Emitter.Kind))
	if c.Emitter.Kind == "" {
		c.Emitter.Kind = EmitterNull
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs error

	if c.MaxTurns < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_turns must be >= 0, got %d", c.MaxTurns))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("store.path is required for driver %q", c.Store.Driver))
		}
	case DriverMySQL:
		if c.Store.DSN == "" {
			errs = multierr.Append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Emitter.Kind {
	case EmitterNull, EmitterLog, EmitterBuffered, EmitterOTel, EmitterLogger:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown emitter kind %q", c.Emitter.Kind))
	}

	seen := map[string]bool{}
	for _, name := range c.Outputs {
		if name == "" {
			errs = multierr.Append(errs, fmt.Errorf("outputs: empty name"))
		} else if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("outputs: duplicate name %q", name))
		}
		seen[name] = true
	}

	return errs
}

// OpenStore opens the configured snapshot store.
func OpenStore(ctx context.Context, sc StoreConfig) (store.Store[activity.Snapshot], error) {
	switch sc.Driver {
	case DriverMemory, "":
		return store.NewMemStore[activity.Snapshot](), nil
	case DriverSQLite:
		return store.NewSQLiteStore[activity.Snapshot](sc.Path)
	case DriverMySQL:
		return store.NewMySQLStore[activity.Snapshot](sc.DSN)
	case DriverBolt:
		return store.NewBoltStore[activity.Snapshot](ctx, sc.Path, 0o600)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// NewEmitter builds the configured emitter. Text and JSON output of the log
// emitter goes to w.
func NewEmitter(ec EmitterConfig, w io.Writer, logger logging.Logger) (emit.Emitter, error) {
	switch ec.Kind {
	case EmitterNull, "":
		return emit.NewNullEmitter(), nil
	case EmitterLog:
		if w == nil {
			w = os.Stderr
		}
		return emit.NewLogEmitter(w, ec.JSON), nil
	case EmitterBuffered:
		return emit.NewBufferedEmitter(), nil
	case EmitterOTel:
		return emit.NewOTelEmitter(otel.Tracer("github.com/dshills/activityflow")), nil
	case EmitterLogger:
		return emit.NewLoggerEmitter(logger, ec.Debug...), nil
	default:
		return nil, fmt.Errorf("unknown emitter kind %q", ec.Kind)
	}
}

// Runtime is what a configuration builds for a host.
type Runtime struct {
	Store   store.Store[activity.Snapshot]
	Emitter emit.Emitter
	Metrics *activity.PrometheusMetrics
	Logger  logging.Logger
}

// Close closes the store.
func (r *Runtime) Close() error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

// Options returns the host options for the runtime.
func (r *Runtime) Options(c *Config) []activity.Option {
	opts := []activity.Option{
		activity.WithMaxTurns(c.MaxTurns),
		activity.WithStore(r.Store),
		activity.WithEmitter(r.Emitter),
		activity.WithLogger(r.Logger),
	}
	if len(c.Outputs) > 0 {
		opts = append(opts, activity.WithOutputs(c.Outputs...))
	}
	if r.Metrics != nil {
		opts = append(opts, activity.WithMetrics(r.Metrics))
	}
	if c.Timers.Manual {
		opts = append(opts, activity.WithManualTimers())
	}
	return opts
}

// Build opens the store and creates the emitter, metrics and logger the
// configuration describes. Metrics are registered with reg, or with the
// default registerer when reg is nil. Event output of the log emitter goes
// to w.
func (c *Config) Build(ctx context.Context, reg prometheus.Registerer, w io.Writer) (*Runtime, error) {
	logger := &logging.StandardLogger{CaptureDebug: c.Logging.Debug}

	st, err := OpenStore(ctx, c.Store)
	if err != nil {
		return nil, fmt.Errorf("config: open store: %w", err)
	}

	em, err := NewEmitter(c.Emitter, w, logger)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("config: %w", err), st.Close())
	}

	rt := &Runtime{Store: st, Emitter: em, Logger: logger}
	if c.Metrics.Enabled {
		rt.Metrics = activity.NewPrometheusMetrics(reg)
	}
	return rt, nil
}
