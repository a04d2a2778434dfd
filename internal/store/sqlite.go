package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshforge/meshforge/internal/model"

	_ "modernc.org/sqlite"
)

const createRenderJobsTable = `
CREATE TABLE IF NOT EXISTS render_jobs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    backend       TEXT,
    force_backend TEXT,
    output_format TEXT NOT NULL,
    source        TEXT NOT NULL,
    source_hash   TEXT,
    output        BLOB,
    error         TEXT,
    error_kind    TEXT,
    cache_hit     INTEGER NOT NULL DEFAULT 0,
    timeout_ms    INTEGER,
    duration_ms   INTEGER,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`

// ErrNotFound is returned when a render job is not found.
var ErrNotFound = errors.New("render job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRenderJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create render_jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRenderJob inserts a new render job record.
func (s *SQLiteStore) CreateRenderJob(ctx context.Context, j *model.RenderJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_jobs (
			id, status, backend, force_backend, output_format, source,
			source_hash, output, error, error_kind, cache_hit, timeout_ms,
			duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Backend, j.ForceBackend, j.OutputFormat, j.Source,
		j.SourceHash, j.Output, j.Error, j.ErrorKind, j.CacheHit, j.TimeoutMS,
		j.DurationMS, j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert render job: %w", err)
	}
	return nil
}

// GetRenderJob retrieves a render job by ID.
func (s *SQLiteStore) GetRenderJob(ctx context.Context, id string) (*model.RenderJob, error) {
	j := &model.RenderJob{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, backend, force_backend, output_format, source,
			source_hash, output, error, error_kind, cache_hit, timeout_ms,
			duration_ms, created_at, started_at, finished_at
		FROM render_jobs WHERE id = ?`, id,
	).Scan(
		&j.ID, &j.Status, &j.Backend, &j.ForceBackend, &j.OutputFormat, &j.Source,
		&j.SourceHash, &j.Output, &j.Error, &j.ErrorKind, &j.CacheHit, &j.TimeoutMS,
		&j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get render job: %w", err)
	}
	return j, nil
}

// ListRenderJobs returns a paginated list of render jobs ordered by created_at
// DESC, along with the total count of all jobs. Source text and artifact bytes
// are omitted from list results; fetch an individual job for those.
func (s *SQLiteStore) ListRenderJobs(ctx context.Context, limit, offset int) ([]*model.RenderJob, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM render_jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count render jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, backend, force_backend, output_format,
			source_hash, error, error_kind, cache_hit, timeout_ms,
			duration_ms, created_at, started_at, finished_at
		FROM render_jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list render jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.RenderJob
	for rows.Next() {
		j := &model.RenderJob{}
		if err := rows.Scan(
			&j.ID, &j.Status, &j.Backend, &j.ForceBackend, &j.OutputFormat,
			&j.SourceHash, &j.Error, &j.ErrorKind, &j.CacheHit, &j.TimeoutMS,
			&j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan render job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate render jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateRenderJobStatus moves a job to a new status, enforcing the legal
// transition table. Entering running sets started_at; terminal statuses
// (completed, failed, abandoned) set finished_at.
func (s *SQLiteStore) UpdateRenderJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM render_jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE render_jobs SET status = ?, started_at = ? WHERE id = ?",
			status, now, id,
		)
	case model.StatusCompleted, model.StatusFailed, model.StatusAbandoned:
		_, err = tx.ExecContext(ctx,
			"UPDATE render_jobs SET status = ?, finished_at = ? WHERE id = ?",
			status, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE render_jobs SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update render job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateRenderJob writes back the mutable result fields of a job.
func (s *SQLiteStore) UpdateRenderJob(ctx context.Context, j *model.RenderJob) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET
			status = ?, backend = ?, output = ?, error = ?, error_kind = ?,
			cache_hit = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.Backend, j.Output, j.Error, j.ErrorKind,
		j.CacheHit, j.DurationMS, j.StartedAt, j.FinishedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update render job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRenderStats computes aggregate statistics over all render jobs.
func (s *SQLiteStore) GetRenderStats(ctx context.Context) (*RenderStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RenderStats{
		CountByStatus:  make(map[string]int),
		CountByBackend: make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM render_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx,
		"SELECT backend, COUNT(*) FROM render_jobs WHERE backend != '' GROUP BY backend")
	if err != nil {
		return nil, fmt.Errorf("count by backend: %w", err)
	}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan backend count: %w", err)
		}
		stats.CountByBackend[name] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate backend counts: %w", err)
	}
	rows.Close()

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM render_jobs WHERE cache_hit = 1").Scan(&stats.CacheHits); err != nil {
		return nil, fmt.Errorf("count cache hits: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM render_jobs WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}
