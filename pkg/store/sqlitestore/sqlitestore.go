// Package sqlitestore persists partition state in a SQLite database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/json"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "changestream_partitions"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config configures the SQLite store.
type Config struct {
	Path  string `yaml:"path" json:"path"`
	Table string `yaml:"table" json:"table"`
}

// Store is a changestream.MetadataStore backed by SQLite.
type Store struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

var _ changestream.MetadataStore = (*Store)(nil)

// ValidateTable rejects table names that cannot be used unquoted.
func ValidateTable(name string) error {
	if !tableName.MatchString(name) {
		return cserrors.Newf(cserrors.ErrorTypeConfig, "invalid table name %q", name)
	}
	return nil
}

// Open opens the database and creates the state table when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, cserrors.New(cserrors.ErrorTypeConfig, "sqlite store requires a path")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if err := ValidateTable(cfg.Table); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to open sqlite store")
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	token TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, cfg.Table),
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to initialize sqlite store")
		}
	}

	logger = logger.With(zap.String("component", "sqlite_store"), zap.String("table", cfg.Table))
	logger.Info("opened sqlite store", zap.String("path", cfg.Path))
	return &Store{db: db, table: cfg.Table, logger: logger}, nil
}

// Load implements changestream.MetadataStore.
func (s *Store) Load(ctx context.Context) ([]changestream.PartitionState, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT token, state FROM %s ORDER BY token", s.table))
	if err != nil {
		return nil, wrapContext(ctx, err, "failed to load partition state")
	}
	defer rows.Close()

	var states []changestream.PartitionState
	for rows.Next() {
		var token, raw string
		if err := rows.Scan(&token, &raw); err != nil {
			return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to scan partition state")
		}
		var state changestream.PartitionState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to decode partition "+token)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapContext(ctx, err, "failed to load partition state")
	}
	return states, nil
}

// Save implements changestream.MetadataStore.
func (s *Store) Save(ctx context.Context, state changestream.PartitionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to encode partition state")
	}

	query := fmt.Sprintf(`INSERT INTO %s (token, status, state, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(token) DO UPDATE SET status = excluded.status, state = excluded.state, updated_at = excluded.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, query, state.Token, string(state.Status), string(data)); err != nil {
		return wrapContext(ctx, err, "failed to save partition "+state.Token)
	}
	return nil
}

// Close implements changestream.MetadataStore.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to close sqlite store")
	}
	return nil
}

// wrapContext returns the context error unchanged so callers can match it.
func wrapContext(ctx context.Context, err error, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return cserrors.Wrap(err, cserrors.ErrorTypeStorage, message)
}
