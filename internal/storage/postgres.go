package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// PoolConfig sizes the connection pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (*PostgresStore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS event_logs (
		id          UUID PRIMARY KEY,
		created_at  TIMESTAMPTZ NOT NULL,
		call_id     TEXT NOT NULL,
		method      TEXT NOT NULL,
		transport   TEXT NOT NULL DEFAULT '',
		client_id   TEXT NOT NULL DEFAULT '',
		device_id   TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL,
		level       TEXT NOT NULL,
		code        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
		details     JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS event_logs_created_at_idx ON event_logs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS event_logs_method_idx ON event_logs (method)`,
	`CREATE INDEX IF NOT EXISTS event_logs_device_id_idx ON event_logs (device_id)`,
}

// EnsureSchema creates the tables used by the store
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}

	for _, stmt := range schema {
		if _, err := tx.getDB().ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return tx.Commit()
}
