package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists entries in a single table
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresStore creates the connection pool and makes sure the entries table exists
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		logger: logger,
	}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			written_at BIGINT NOT NULL
		)
	`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// LoadAllKeys returns every persisted key
func (s *PostgresStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Load reads one entry
func (s *PostgresStore) Load(ctx context.Context, key string) (*model.Entry, error) {
	query := fmt.Sprintf(`SELECT key, value, written_at FROM %s WHERE key = $1`, s.table)

	var entry model.Entry
	err := s.pool.QueryRow(ctx, query, key).Scan(&entry.Key, &entry.Value, &entry.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", key, err)
	}
	return &entry, nil
}

// Write upserts one entry
func (s *PostgresStore) Write(ctx context.Context, entry *model.Entry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, written_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, written_at = EXCLUDED.written_at
	`, s.table)

	if _, err := s.pool.Exec(ctx, query, entry.Key, entry.Value, entry.Timestamp); err != nil {
		return fmt.Errorf("failed to write key %s: %w", entry.Key, err)
	}
	return nil
}

// Delete removes one entry
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
