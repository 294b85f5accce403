package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/reqflow/core/request"
)

// ErrJobNotFound is returned when a scheduled job id is unknown.
var ErrJobNotFound = errors.New("scheduled job not found")

// Job is one deferred execution of an intent. DueAt never changes after
// creation; LockedAt is the only field concurrent schedulers race on.
type Job struct {
	ID         string
	RequestID  string
	TenantID   string
	Intent     request.Intent
	DueAt      time.Time
	LockedAt   *time.Time
	LastRunAt  *time.Time
	FailedAt   *time.Time
	FailReason string
	CreatedAt  time.Time
}

// Locked reports whether the job holds a lock newer than staleBefore.
func (j *Job) Locked(staleBefore time.Time) bool {
	return j != nil && j.LockedAt != nil && j.LockedAt.After(staleBefore)
}

// Failed reports whether the last fire could not be published.
func (j *Job) Failed() bool {
	return j != nil && j.FailedAt != nil
}

// JobStore persists scheduled jobs. Claim must be a single atomic
// conditional update: it succeeds for at most one caller per job until the
// lock goes stale or the job is removed.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// ListDue returns unfailed jobs due at or before now whose lock is absent
	// or older than staleBefore, oldest first.
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Job, error)
	Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
	// CancelByRequest removes every job for the request whose lock is absent
	// or older than staleBefore and returns how many were removed.
	CancelByRequest(ctx context.Context, requestID, tenantID string, staleBefore time.Time) (int, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Job, error)
}
