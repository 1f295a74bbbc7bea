package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/metrics/reporter"
	"github.com/ajitpratap0/changestream/pkg/store"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, changestream.FailureAbort, cfg.Pipeline.OnPartitionFailure)
	assert.Equal(t, store.TypeMemory, cfg.Store.Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "file sink without path", modify: func(c *Config) { c.Sink.Type = SinkFile }, wantErr: true},
		{name: "file sink", modify: func(c *Config) { c.Sink = SinkConfig{Type: SinkFile, Path: "out.jsonl"} }},
		{name: "file sink compression", modify: func(c *Config) { c.Sink = SinkConfig{Type: SinkFile, Path: "out.jsonl.zst", Compression: "zstd"} }},
		{name: "file sink bad compression", modify: func(c *Config) { c.Sink = SinkConfig{Type: SinkFile, Path: "out", Compression: "rar"} }, wantErr: true},
		{name: "kafka sink without brokers", modify: func(c *Config) { c.Sink.Type = SinkKafka }, wantErr: true},
		{name: "unknown sink", modify: func(c *Config) { c.Sink.Type = "s3" }, wantErr: true},
		{name: "unknown store", modify: func(c *Config) { c.Store.Type = "etcd" }, wantErr: true},
		{name: "negative retry", modify: func(c *Config) { c.Retry.MaxAttempts = -1 }, wantErr: true},
		{name: "shrinking backoff", modify: func(c *Config) { c.Retry.Multiplier = 0.5 }, wantErr: true},
		{name: "metrics without path", modify: func(c *Config) { c.Metrics.Enabled = true }, wantErr: true},
		{
			name: "metrics with path",
			modify: func(c *Config) {
				c.Metrics = MetricsConfig{Enabled: true, Reporter: reporter.Config{reporter.PathKey: "metrics.txt"}}
			},
		},
		{name: "sampling rate", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "pipeline", modify: func(c *Config) { c.Pipeline.BatchSize = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeConfig))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://cs:pw@db:5432/state")

	content := `
pipeline:
  name: orders
  root_key_range:
    start: a
    end: z
  start_timestamp: 2024-03-01T12:00:00Z
  checkpoint_interval: 5s
  on_partition_failure: continue
retry:
  max_attempts: 9
  initial_delay: 250ms
store:
  type: postgres
  postgres:
    connection_string: ${TEST_PG_DSN}
    max_conns: 4
sink:
  type: kafka
  kafka:
    brokers: ["${TEST_BROKER:-localhost:9092}"]
    topic: orders-changes
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "changestream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Pipeline.Name)
	assert.Equal(t, changestream.KeyRange{Start: "a", End: "z"}, cfg.Pipeline.RootKeyRange)
	assert.True(t, cfg.Pipeline.StartTimestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 5*time.Second, cfg.Pipeline.CheckpointInterval)
	assert.Equal(t, changestream.FailureContinue, cfg.Pipeline.OnPartitionFailure)
	assert.Equal(t, 256, cfg.Pipeline.BatchSize, "unset fields keep defaults")

	assert.Equal(t, 9, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)

	assert.Equal(t, store.TypePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://cs:pw@db:5432/state", cfg.Store.Postgres.ConnectionString)
	assert.Equal(t, int32(4), cfg.Store.Postgres.MaxConns)
	assert.Equal(t, "changestream_partitions", cfg.Store.Postgres.Table)

	assert.Equal(t, SinkKafka, cfg.Sink.Type)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Sink.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeFile))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed"), 0600))
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeConfig))
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Pipeline.Name = "roundtrip"
	cfg.Store = store.Config{Type: store.TypeBadger, Badger: store.BadgerConfig{Dir: "/tmp/state"}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Pipeline.Name)
	assert.Equal(t, "/tmp/state", loaded.Store.Badger.Dir)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("CS_SET", "value")
	t.Setenv("CS_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${CS_SET}", "value"},
		{"a-${CS_SET}-b-${CS_SET}", "a-value-b-value"},
		{"${CS_UNSET_VARIABLE}", ""},
		{"${CS_UNSET_VARIABLE:-fallback}", "fallback"},
		{"${CS_EMPTY:-fallback}", "fallback"},
		{"${CS_SET:-fallback}", "value"},
		{"open ${CS_SET", "open ${CS_SET"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, substituteEnvVars(tt.in), tt.in)
	}
}
