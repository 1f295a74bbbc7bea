// Package store selects the metadata store backend for a pipeline.
package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/store/badgerstore"
	"github.com/ajitpratap0/changestream/pkg/store/pgstore"
	"github.com/ajitpratap0/changestream/pkg/store/sqlitestore"
)

// Type names a metadata store backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeBadger   Type = "badger"
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
)

// BadgerConfig configures the Badger backend.
type BadgerConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// Config selects and configures a backend. Only the section matching Type
// is read.
type Config struct {
	Type     Type               `yaml:"type" json:"type"`
	Badger   BadgerConfig       `yaml:"badger" json:"badger"`
	SQLite   sqlitestore.Config `yaml:"sqlite" json:"sqlite"`
	Postgres pgstore.Config     `yaml:"postgres" json:"postgres"`
}

// Validate checks that the selected backend is configured.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		c.Type = TypeMemory
	case TypeBadger:
		if c.Badger.Dir == "" {
			return cserrors.New(cserrors.ErrorTypeConfig, "store.badger.dir is required")
		}
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return cserrors.New(cserrors.ErrorTypeConfig, "store.sqlite.path is required")
		}
		if c.SQLite.Table != "" {
			return sqlitestore.ValidateTable(c.SQLite.Table)
		}
	case TypePostgres:
		return c.Postgres.Validate()
	default:
		return cserrors.Newf(cserrors.ErrorTypeConfig, "unknown store type %q", c.Type)
	}
	return nil
}

// Open opens the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (changestream.MetadataStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		s   changestream.MetadataStore
		err error
	)
	switch cfg.Type {
	case TypeBadger:
		s, err = badgerstore.Open(cfg.Badger.Dir, logger)
	case TypeSQLite:
		s, err = sqlitestore.Open(ctx, cfg.SQLite, logger)
	case TypePostgres:
		s, err = pgstore.Open(ctx, cfg.Postgres, logger)
	default:
		s = changestream.NewMemoryStore()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
