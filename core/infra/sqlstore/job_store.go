// Package sqlstore keeps scheduled jobs in PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/request"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		intent      JSONB NOT NULL,
		due_at      TIMESTAMPTZ NOT NULL,
		locked_at   TIMESTAMPTZ,
		last_run_at TIMESTAMPTZ,
		failed_at   TIMESTAMPTZ,
		fail_reason TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx ON scheduled_jobs (due_at) WHERE failed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS scheduled_jobs_request_idx ON scheduled_jobs (tenant_id, request_id)`,
}

const jobColumns = `id, request_id, tenant_id, intent, due_at, locked_at, last_run_at, failed_at, fail_reason, created_at`

// PostgresJobStore implements scheduler.JobStore. Claim is a single
// conditional UPDATE, so row-level locking serialises racing schedulers.
type PostgresJobStore struct {
	db *sql.DB
}

// NewPostgresJobStore opens a pool, pings it and applies the schema.
func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PostgresJobStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresJobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresJobStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate scheduled_jobs: %w", err)
		}
	}
	return nil
}

func (s *PostgresJobStore) Create(ctx context.Context, job *scheduler.Job) error {
	if job == nil || job.ID == "" || job.TenantID == "" || job.RequestID == "" {
		return fmt.Errorf("job id, request id and tenant required")
	}
	intent, err := json.Marshal(job.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, request_id, tenant_id, intent, due_at, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.RequestID, job.TenantID, intent, job.DueAt.UTC(), created,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("scheduled job %s already exists", job.ID)
	}
	return err
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (*scheduler.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scheduler.ErrJobNotFound
	}
	return job, err
}

func (s *PostgresJobStore) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*scheduler.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE failed_at IS NULL
		  AND due_at <= $1
		  AND (locked_at IS NULL OR locked_at <= $2)
		ORDER BY due_at ASC
		LIMIT $3`, now.UTC(), staleBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresJobStore) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs
		SET locked_at = $2, last_run_at = $2
		WHERE id = $1
		  AND failed_at IS NULL
		  AND due_at <= $2
		  AND (locked_at IS NULL OR locked_at <= $3)`, id, now.UTC(), staleBefore.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresJobStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs
		SET failed_at = $2, fail_reason = $3, locked_at = NULL
		WHERE id = $1`, id, at.UTC(), reason)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return scheduler.ErrJobNotFound
	}
	return nil
}

func (s *PostgresJobStore) CancelByRequest(ctx context.Context, requestID, tenantID string, staleBefore time.Time) (int, error) {
	if requestID == "" || tenantID == "" {
		return 0, fmt.Errorf("request id and tenant required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs
		WHERE request_id = $1
		  AND tenant_id = $2
		  AND (locked_at IS NULL OR locked_at <= $3)`, requestID, tenantID, staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresJobStore) ListByTenant(ctx context.Context, tenantID string) ([]*scheduler.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE tenant_id = $1 ORDER BY due_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*scheduler.Job, error) {
	var (
		job                         scheduler.Job
		intent                      []byte
		lockedAt, lastRun, failedAt sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.RequestID, &job.TenantID, &intent, &job.DueAt,
		&lockedAt, &lastRun, &failedAt, &job.FailReason, &job.CreatedAt); err != nil {
		return nil, err
	}
	var decoded request.Intent
	if err := json.Unmarshal(intent, &decoded); err != nil {
		return nil, fmt.Errorf("decode job %s intent: %w", job.ID, err)
	}
	job.Intent = decoded
	job.DueAt = job.DueAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.LockedAt = nullTime(lockedAt)
	job.LastRunAt = nullTime(lastRun)
	job.FailedAt = nullTime(failedAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*scheduler.Job, error) {
	defer rows.Close()
	var out []*scheduler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
