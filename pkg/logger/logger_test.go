package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "console debug", cfg: Config{Level: "debug", Encoding: "console", Development: true}},
		{name: "invalid level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "invalid encoding", cfg: Config{Encoding: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestInitAndWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, Init(Config{Level: "info", OutputPaths: []string{path}}))

	ctx := context.WithValue(context.Background(), PipelineKey, "orders")
	ctx = context.WithValue(ctx, PartitionKey, "Parent0")
	WithContext(ctx).Info("partition scheduled")
	With(zap.String("component", "test")).Debug("dropped below level")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"message":"partition scheduled"`)
	assert.Contains(t, out, `"pipeline":"orders"`)
	assert.Contains(t, out, `"partition_token":"Parent0"`)
	assert.NotContains(t, out, "dropped below level")
}
