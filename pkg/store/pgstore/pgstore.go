// Package pgstore persists partition state in a PostgreSQL table.
package pgstore

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/json"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "changestream_partitions"

var (
	tableName   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	passwordKV  = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)
	healthQuery = "SELECT 1"
)

// Config configures the PostgreSQL store.
type Config struct {
	ConnectionString string        `yaml:"connection_string" json:"connection_string"`
	Table            string        `yaml:"table" json:"table"`
	MaxConns         int32         `yaml:"max_conns" json:"max_conns"`
	MinConns         int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// Validate checks the configuration and applies the default table name.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return cserrors.New(cserrors.ErrorTypeConfig, "postgres store requires a connection string")
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if !tableName.MatchString(c.Table) {
		return cserrors.Newf(cserrors.ErrorTypeConfig, "invalid table name %q", c.Table)
	}
	if c.MaxConns < 0 || c.MinConns < 0 || (c.MaxConns > 0 && c.MinConns > c.MaxConns) {
		return cserrors.Newf(cserrors.ErrorTypeConfig, "invalid pool size min=%d max=%d", c.MinConns, c.MaxConns)
	}
	return nil
}

// PoolConfig parses the connection string and applies the pool settings.
func (c Config) PoolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.ConnectionString)
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeConfig, "failed to parse PostgreSQL connection string")
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		pc.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = c.ConnectTimeout
	}
	return pc, nil
}

// Store is a changestream.MetadataStore backed by a PostgreSQL table with a
// JSONB state column.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

var _ changestream.MetadataStore = (*Store)(nil)

// Open connects, verifies the connection and creates the table when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pc, err := cfg.PoolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeConnection, "failed to create PostgreSQL connection pool")
	}
	if err := ping(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	token TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	state JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, cfg.Table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to create partition state table")
	}

	logger = logger.With(zap.String("component", "postgres_store"), zap.String("table", cfg.Table))
	logger.Info("opened postgres store",
		zap.String("connection_string", Obfuscate(cfg.ConnectionString)),
		zap.Int32("max_conns", pc.MaxConns))
	return &Store{pool: pool, table: cfg.Table, logger: logger}, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeConnection, "failed to acquire connection for testing")
	}
	defer conn.Release()

	var result int
	if err := conn.QueryRow(ctx, healthQuery).Scan(&result); err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeConnection, "connection health check failed")
	}
	return nil
}

// Load implements changestream.MetadataStore.
func (s *Store) Load(ctx context.Context) ([]changestream.PartitionState, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT token, state FROM %s ORDER BY token", s.table))
	if err != nil {
		return nil, wrapContext(ctx, err, "failed to load partition state")
	}
	defer rows.Close()

	var states []changestream.PartitionState
	for rows.Next() {
		var token string
		var raw []byte
		if err := rows.Scan(&token, &raw); err != nil {
			return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to scan partition state")
		}
		var state changestream.PartitionState
		if err := json.Unmarshal(raw, &state); err != nil {
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
	if _, err := s.pool.Exec(ctx, upsertQuery(s.table), state.Token, string(state.Status), string(data)); err != nil {
		return wrapContext(ctx, err, "failed to save partition "+state.Token)
	}
	return nil
}

// Close implements changestream.MetadataStore.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (token, status, state, updated_at) VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (token) DO UPDATE SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`, table)
}

func wrapContext(ctx context.Context, err error, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return cserrors.Wrap(err, cserrors.ErrorTypeStorage, message)
}

// Obfuscate hides the password of a URL or key/value connection string.
func Obfuscate(connStr string) string {
	if u, err := url.Parse(connStr); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}
	return passwordKV.ReplaceAllString(connStr, "${1}xxxxx")
}
