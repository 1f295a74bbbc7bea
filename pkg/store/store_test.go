package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/store/pgstore"
	"github.com/ajitpratap0/changestream/pkg/store/sqlitestore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty defaults to memory", cfg: Config{}},
		{name: "badger", cfg: Config{Type: TypeBadger, Badger: BadgerConfig{Dir: "/tmp/x"}}},
		{name: "badger without dir", cfg: Config{Type: TypeBadger}, wantErr: true},
		{name: "sqlite without path", cfg: Config{Type: TypeSQLite}, wantErr: true},
		{name: "sqlite bad table", cfg: Config{Type: TypeSQLite, SQLite: sqlitestore.Config{Path: "x.db", Table: "a-b"}}, wantErr: true},
		{name: "postgres without dsn", cfg: Config{Type: TypePostgres, Postgres: pgstore.Config{}}, wantErr: true},
		{name: "unknown", cfg: Config{Type: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	configs := map[string]Config{
		"memory": {},
		"badger": {Type: TypeBadger, Badger: BadgerConfig{Dir: filepath.Join(dir, "badger")}},
		"sqlite": {Type: TypeSQLite, SQLite: sqlitestore.Config{Path: filepath.Join(dir, "state.db")}},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, err := Open(ctx, cfg, nil)
			require.NoError(t, err)
			defer s.Close()

			state := changestream.PartitionState{Partition: changestream.Partition{
				Token:      changestream.RootPartitionToken,
				KeyRange:   changestream.KeyRange{Start: "a"},
				RangeKnown: true,
				Status:     changestream.StatusRunning,
				Position:   changestream.Position{Timestamp: time.Unix(100, 0).UTC(), Sequence: "2"},
			}}
			require.NoError(t, s.Save(ctx, state))

			states, err := s.Load(ctx)
			require.NoError(t, err)
			require.Len(t, states, 1)
			assert.Equal(t, "2", states[0].Position.Sequence)
			assert.True(t, states[0].Position.Timestamp.Equal(state.Position.Timestamp))
		})
	}
}
