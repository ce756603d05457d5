// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// Store is a dialect-aware SQL implementation of db.Store.
// It serves PostgreSQL, CockroachDB and MySQL from the same queries.
type Store struct {
	db      *sql.DB
	dialect Dialect
	config  db.Config
	now     func() time.Time
}

var _ db.Store = (*Store)(nil)

// NewStore wraps an already opened database. The schema must exist; see Migrate.
func NewStore(sqlDB *sql.DB, dialect Dialect, config db.Config) *Store {
	return &Store{
		db:      sqlDB,
		dialect: dialect,
		config:  config,
		now:     time.Now,
	}
}

// Open opens the database named by cfg, configures the connection pool,
// and applies pending migrations.
func Open(ctx context.Context, cfg db.Config) (*Store, error) {
	dialect, err := DialectFor(string(cfg.Driver))
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, db.DefaultMaxOpenConns))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, db.DefaultMaxIdleConns))
	sqlDB.SetConnMaxLifetime(time.Duration(orDefault(cfg.ConnMaxLifetime, db.DefaultConnMaxLifetime)) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(orDefault(cfg.ConnMaxIdleTime, db.DefaultConnMaxIdleTime)) * time.Second)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewStore(sqlDB, dialect, cfg)
	if err := s.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info().
		Str("driver", string(cfg.Driver)).
		Int("max_open_conns", orDefault(cfg.MaxOpenConns, db.DefaultMaxOpenConns)).
		Msg("metadata database ready")
	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// DB returns the underlying *sql.DB for direct access if needed.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the dialect used by this store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReportPoolStats publishes the connection pool gauges.
func (s *Store) ReportPoolStats() {
	stats := s.db.Stats()
	db.UpdateConnectionMetrics(stats.InUse, stats.Idle)
}

// ============================================================================
// Query Helpers
// ============================================================================

// Querier is the interface for executing SQL queries.
// Both Store and TxStore implement this interface, allowing shared query logic.
// Write queries using PostgreSQL-style placeholders ($1, $2, ...); they are
// converted to the dialect's format.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Dialect() Dialect
}

var (
	_ Querier = (*Store)(nil)
	_ Querier = (*TxStore)(nil)
)

// Query executes a query with dialect-aware placeholder conversion.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.ReplacePlaceholders(query), args...)
}

// QueryRow executes a query that returns a single row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.ReplacePlaceholders(query), args...)
}

// Exec executes a query that doesn't return rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.ReplacePlaceholders(query), args...)
}

// scanner is an interface for sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ============================================================================
// Transaction Support
// ============================================================================

// TxStore wraps a database transaction with dialect-aware query helpers.
type TxStore struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *TxStore) Dialect() Dialect {
	return t.dialect
}

func (t *TxStore) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.ReplacePlaceholders(query), args...)
}

func (t *TxStore) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.ReplacePlaceholders(query), args...)
}

func (t *TxStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.ReplacePlaceholders(query), args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *TxStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&TxStore{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Migrations
// ============================================================================

// Migrate applies pending schema migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	if err := db.RunMigrations(ctx, &migrator{s: s}, s.dialect.Name()); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.dialect.Name(), err)
	}
	return nil
}

// migrator records applied versions in schema_migrations.
type migrator struct {
	s *Store
}

var _ db.Migrator = (*migrator)(nil)

func (m *migrator) CurrentVersion(ctx context.Context) (int, error) {
	_, err := m.s.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var version sql.NullInt64
	if err := m.s.QueryRow(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (m *migrator) Apply(ctx context.Context, mig db.Migration) error {
	// MySQL commits DDL implicitly, so statements run one at a time
	// rather than inside a transaction.
	for _, stmt := range db.SplitStatements(mig.SQL) {
		if _, err := m.s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
	return nil
}

func (m *migrator) SetVersion(ctx context.Context, version int) error {
	_, err := m.s.Exec(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		version, m.s.now().UnixNano())
	return err
}
