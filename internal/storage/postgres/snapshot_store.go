// Package postgres reads job progress snapshots straight from the backend's
// Postgres tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// SnapshotStoreConfig controls the Postgres connection pool used for snapshot reads.
type SnapshotStoreConfig struct {
	DSN             string
	Table           string
	Kind            progress.JobKind
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// SnapshotStore implements poll.Fetcher on top of a progress table with the
// columns id, total, processed, matched and status.
type SnapshotStore struct {
	pool  queryCloser
	table string
	kind  progress.JobKind
}

// NewSnapshotStore creates a Postgres-backed SnapshotStore using the provided config.
func NewSnapshotStore(ctx context.Context, cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SnapshotStore{pool: pool, table: table, kind: cfg.Kind}, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSnapshotStoreWithPool(pool queryCloser, table string, kind progress.JobKind) (*SnapshotStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: pool, table: name, kind: kind}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "job_progress"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// FetchSnapshots selects the rows for jobIDs. Ids with no row are omitted.
func (s *SnapshotStore) FetchSnapshots(ctx context.Context, jobIDs []string) ([]progress.Update, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("snapshot store is not configured")
	}
	if len(jobIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT id::text, total, processed, matched, status
FROM %s
WHERE id::text = ANY($1)`, s.table)

	rows, err := s.pool.Query(ctx, query, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]progress.Update, 0, len(jobIDs))
	for rows.Next() {
		var (
			id                        string
			total, processed, matched pgtype.Int8
			status                    pgtype.Text
		)
		if err := rows.Scan(&id, &total, &processed, &matched, &status); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		upd := progress.NewSnapshot(id).WithKind(s.kind)
		upd.Total = int8Ptr(total)
		upd.Processed = int8Ptr(processed)
		upd.Matched = int8Ptr(matched)
		upd.Failed = status.Valid && progress.FailureStatus(status.String)
		out = append(out, upd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	return progress.Int64(v.Int64)
}
