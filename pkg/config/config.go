package config

import (
	"time"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	"github.com/ajitpratap0/changestream/pkg/compression"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/logger"
	"github.com/ajitpratap0/changestream/pkg/metrics/reporter"
	"github.com/ajitpratap0/changestream/pkg/observability"
	"github.com/ajitpratap0/changestream/pkg/retry"
	"github.com/ajitpratap0/changestream/pkg/sink/kafka"
	"github.com/ajitpratap0/changestream/pkg/store"
)

// Config is the top-level configuration of a changestream process.
type Config struct {
	// Pipeline controls partition tracking, buffering and checkpoints
	Pipeline changestream.PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Retry governs how partition streams are reopened after transient failures
	Retry retry.Policy `yaml:"retry" json:"retry"`

	// Store selects where partition state is persisted
	Store store.Config `yaml:"store" json:"store"`

	// Sink selects where released records are written
	Sink SinkConfig `yaml:"sink" json:"sink"`

	Metrics MetricsConfig               `yaml:"metrics" json:"metrics"`
	Tracing observability.TracingConfig `yaml:"tracing" json:"tracing"`
	Logging logger.Config               `yaml:"logging" json:"logging"`
}

// SinkType names a record sink.
type SinkType string

const (
	SinkStdout SinkType = "stdout"
	SinkFile   SinkType = "file"
	SinkKafka  SinkType = "kafka"
)

// SinkConfig configures the record sink. Path and Compression are used by
// the file sink.
type SinkConfig struct {
	Type        SinkType     `yaml:"type" json:"type"`
	Path        string       `yaml:"path" json:"path"`
	Compression string       `yaml:"compression" json:"compression"`
	Kafka       kafka.Config `yaml:"kafka" json:"kafka"`
}

// MetricsConfig controls the metrics report written when a run ends.
type MetricsConfig struct {
	Enabled  bool            `yaml:"enabled" json:"enabled"`
	// Interval between periodic reports. Zero writes a single report at exit.
	Interval time.Duration   `yaml:"interval" json:"interval"`
	Reporter reporter.Config `yaml:"reporter" json:"reporter"`
}

// NewDefaultConfig returns a configuration that replays into stdout with an
// in-memory store.
func NewDefaultConfig() *Config {
	return &Config{
		Pipeline: changestream.DefaultPipelineConfig(),
		Retry:    *retry.DefaultPolicy(),
		Store:    store.Config{Type: store.TypeMemory},
		Sink:     SinkConfig{Type: SinkStdout},
		Tracing:  observability.DefaultTracingConfig(),
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks every section and fills unset defaults.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	if c.Retry.MaxAttempts < 0 {
		return cserrors.New(cserrors.ErrorTypeConfig, "retry.max_attempts must not be negative")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return cserrors.New(cserrors.ErrorTypeConfig, "retry delays must not be negative")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return cserrors.New(cserrors.ErrorTypeConfig, "retry.multiplier must be at least 1")
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}

	switch c.Sink.Type {
	case "", SinkStdout:
		c.Sink.Type = SinkStdout
	case SinkFile:
		if c.Sink.Path == "" {
			return cserrors.New(cserrors.ErrorTypeConfig, "sink.path is required for the file sink")
		}
		if _, err := compression.Parse(c.Sink.Compression); err != nil {
			return err
		}
	case SinkKafka:
		if err := c.Sink.Kafka.Validate(); err != nil {
			return err
		}
	default:
		return cserrors.Newf(cserrors.ErrorTypeConfig, "unknown sink type %q", c.Sink.Type)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Reporter[reporter.PathKey] == "" {
			return cserrors.New(cserrors.ErrorTypeConfig, "metrics.reporter.path is required when metrics are enabled")
		}
		if c.Metrics.Interval < 0 {
			return cserrors.New(cserrors.ErrorTypeConfig, "metrics.interval must not be negative")
		}
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return cserrors.New(cserrors.ErrorTypeConfig, "tracing.sampling_rate must be between 0 and 1")
	}
	return nil
}
