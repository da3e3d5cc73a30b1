// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajslaghu/open-agenda-api/internal/report/sinks"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ReportStoreConfig controls the connection pool and table names.
type ReportStoreConfig struct {
	DSN             string
	RunsTable       string
	FailuresTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// ReportStore persists source runs and item failures. It implements
// sinks.Repository and serves the read side of the report API.
type ReportStore struct {
	pool     execCloser
	runs     string
	failures string
}

var _ sinks.Repository = (*ReportStore)(nil)

// NewReportStore connects a pool using cfg.
func NewReportStore(ctx context.Context, cfg ReportStoreConfig) (*ReportStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	store, err := NewReportStoreWithPool(pool, cfg.RunsTable, cfg.FailuresTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewReportStoreWithPool constructs a store from an existing pool.
func NewReportStoreWithPool(pool execCloser, runsTable, failuresTable string) (*ReportStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "source_runs"
	}
	if failuresTable == "" {
		failuresTable = "item_failures"
	}
	for _, name := range []string{runsTable, failuresTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &ReportStore{pool: pool, runs: runsTable, failures: failuresTable}, nil
}

// Close releases the pool.
func (s *ReportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StartSourceRun inserts the source run, resetting it if the pair exists.
func (s *ReportStore) StartSourceRun(ctx context.Context, runID, source string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, source, started_at, status, indexed)
VALUES ($1, $2, $3, $4, 0)
ON CONFLICT (run_id, source) DO UPDATE
SET started_at = EXCLUDED.started_at, status = EXCLUDED.status, finished_at = NULL`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, source, at, string(sinks.SourceRunning)); err != nil {
		return fmt.Errorf("insert source run: %w", err)
	}
	return nil
}

// CompleteSourceRun records the final status and document count.
func (s *ReportStore) CompleteSourceRun(
	ctx context.Context,
	runID, source string,
	at time.Time,
	status sinks.SourceRunStatus,
	indexed int64,
	errMsg string,
) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, indexed = GREATEST(indexed, $3), error_message = $4
WHERE run_id = $5 AND source = $6`, s.runs)
	if _, err := s.pool.Exec(ctx, query, at, string(status), indexed, msg, runID, source); err != nil {
		return fmt.Errorf("complete source run: %w", err)
	}
	return nil
}

// AddIndexed increments the document counter.
func (s *ReportStore) AddIndexed(ctx context.Context, runID, source string, delta int64) error {
	query := fmt.Sprintf(`UPDATE %s SET indexed = indexed + $1 WHERE run_id = $2 AND source = $3`, s.runs)
	if _, err := s.pool.Exec(ctx, query, delta, runID, source); err != nil {
		return fmt.Errorf("add indexed: %w", err)
	}
	return nil
}

// InsertItemFailures writes all failures in one statement.
func (s *ReportStore) InsertItemFailures(ctx context.Context, failures []sinks.ItemFailure) error {
	if len(failures) == 0 {
		return nil
	}
	const cols = 7
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (run_id, source, url, phase, task, note, failed_at) VALUES ", s.failures)
	args := make([]any, 0, len(failures)*cols)
	for i, f := range failures {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, f.RunID, f.Source, f.URL, f.Phase, f.Task, f.Note, f.At)
	}
	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert item failures: %w", err)
	}
	return nil
}

// ListSourceRuns returns source runs, newest first, optionally filtered by status.
func (s *ReportStore) ListSourceRuns(
	ctx context.Context,
	status *sinks.SourceRunStatus,
	limit,
	offset int,
) ([]sinks.SourceRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`
SELECT run_id, source, started_at, finished_at, status, indexed, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.runs)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list source runs: %w", err)
	}
	defer rows.Close()

	runs := make([]sinks.SourceRun, 0)
	for rows.Next() {
		var run sinks.SourceRun
		var st string
		if err := rows.Scan(
			&run.RunID,
			&run.Source,
			&run.StartedAt,
			&run.FinishedAt,
			&st,
			&run.Indexed,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan source run: %w", err)
		}
		run.Status = sinks.SourceRunStatus(st)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source runs: %w", err)
	}
	return runs, nil
}

// ListItemFailures returns the failures recorded for runID, oldest first.
func (s *ReportStore) ListItemFailures(ctx context.Context, runID string, limit, offset int) ([]sinks.ItemFailure, error) {
	query := fmt.Sprintf(`
SELECT run_id, source, url, phase, task, note, failed_at
FROM %s
WHERE run_id = $1
ORDER BY failed_at ASC
LIMIT $2 OFFSET $3`, s.failures)
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list item failures: %w", err)
	}
	defer rows.Close()

	failures := make([]sinks.ItemFailure, 0)
	for rows.Next() {
		var f sinks.ItemFailure
		if err := rows.Scan(&f.RunID, &f.Source, &f.URL, &f.Phase, &f.Task, &f.Note, &f.At); err != nil {
			return nil, fmt.Errorf("scan item failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item failures: %w", err)
	}
	return failures, nil
}
