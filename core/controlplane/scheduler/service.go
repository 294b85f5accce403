package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/reqflow/core/infra/locks"
	"github.com/cordum/reqflow/core/infra/logging"
	"github.com/cordum/reqflow/core/request"
	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const component = "scheduler"

// Service persists deferred intents and fires them once due, from the
// periodic tick or from the startup recovery pass.
type Service struct {
	bus     Bus
	store   JobStore
	metrics Metrics
	cfg     Config
	now     func() time.Time

	leases locks.Store
	owner  string

	mu   sync.Mutex
	cron *rcron.Cron
}

// Option customises a Service.
type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecoveryLease makes RecoverMissed hold an exclusive lease so only
// one replica runs the pass at a time.
func WithRecoveryLease(store locks.Store, owner string) Option {
	return func(s *Service) {
		s.leases = store
		s.owner = owner
	}
}

func NewService(b Bus, store JobStore, cfg Config, opts ...Option) *Service {
	s := &Service{
		bus:   b,
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.owner == "" {
		s.owner = uuid.NewString()
	}
	return s
}

// ScheduleRequest persists intent as a job due at its schedule. It returns
// once the store has confirmed the write.
func (s *Service) ScheduleRequest(ctx context.Context, intent request.Intent) (*Job, error) {
	now := s.now().UTC()
	if err := checkPolicy(intent, now); err != nil {
		s.incRejected(err.Reason)
		return nil, err
	}
	job := &Job{
		ID:        uuid.NewString(),
		RequestID: intent.ID,
		TenantID:  intent.TenantID,
		Intent:    intent,
		DueAt:     intent.Schedule.UTC(),
		CreatedAt: now,
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	if err := s.store.Create(storeCtx, job); err != nil {
		return nil, fmt.Errorf("persist scheduled job: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncIntentsScheduled()
	}
	logging.Info(component, "job scheduled",
		"job_id", job.ID,
		"request_id", job.RequestID,
		"tenant", job.TenantID,
		"due_at", job.DueAt.Format(time.RFC3339),
	)
	return job, nil
}

func checkPolicy(intent request.Intent, now time.Time) *PolicyError {
	reject := func(reason string) *PolicyError {
		return &PolicyError{Reason: reason, RequestID: intent.ID, TenantID: intent.TenantID}
	}
	switch {
	case intent.Schedule == nil:
		return reject(ReasonMissingSchedule)
	case intent.ID == "":
		return reject(ReasonMissingID)
	case intent.TenantID == "":
		return reject(ReasonMissingTenant)
	case !intent.Schedule.After(now):
		return reject(ReasonScheduleNotFuture)
	}
	return nil
}

// HandlePlan consumes plan-request-job deliveries. Invalid or rejected
// intents are dropped; store failures are returned for redelivery.
func (s *Service) HandlePlan(ctx context.Context, payload json.RawMessage) error {
	intent, err := request.DecodeIntent(payload)
	if err != nil {
		s.incRejected("invalid")
		logging.Warn(component, "dropping invalid plan message", "error", err)
		return nil
	}
	if _, err := s.ScheduleRequest(ctx, intent); err != nil {
		var policy *PolicyError
		if errors.As(err, &policy) {
			logging.Warn(component, "dropping plan message", "request_id", intent.ID, "tenant", intent.TenantID, "reason", policy.Reason)
			return nil
		}
		logging.Error(component, "schedule failed", "request_id", intent.ID, "tenant", intent.TenantID, "error", err)
		return err
	}
	return nil
}

// Tick fires every job due now. It returns how many were published.
func (s *Service) Tick(ctx context.Context) (int, error) {
	return s.drain(ctx, PathTick, 1)
}

// RecoverMissed fires jobs that came due while no scheduler was running.
// When a recovery lease store is configured and another replica holds the
// lease, the pass is skipped.
func (s *Service) RecoverMissed(ctx context.Context) (int, error) {
	if s.leases != nil {
		_, ok, err := s.leases.Acquire(ctx, recoveryLeaseResource, s.owner, s.cfg.LockLifetime)
		if err != nil {
			return 0, fmt.Errorf("acquire recovery lease: %w", err)
		}
		if !ok {
			logging.Info(component, "recovery running elsewhere, skipping")
			return 0, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
			defer cancel()
			if _, err := s.leases.Release(releaseCtx, recoveryLeaseResource, s.owner); err != nil {
				logging.Warn(component, "release recovery lease failed", "error", err)
			}
		}()
	}
	fired, err := s.drain(ctx, PathRecovery, s.cfg.RecoveryConcurrency)
	if fired > 0 {
		logging.Info(component, "recovered missed jobs", "count", fired)
	}
	return fired, err
}

// drain pages through due, unlocked jobs until a page yields no progress.
func (s *Service) drain(ctx context.Context, path string, concurrency int) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		now := s.now().UTC()
		jobs, err := s.store.ListDue(ctx, now, s.staleBefore(now), s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list due jobs: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}

		var (
			mu      sync.Mutex
			fired   int
			claimed int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, job := range jobs {
			g.Go(func() error {
				res, err := s.fire(gctx, job, path)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if res != fireLost {
					claimed++
				}
				if res == firePublished {
					fired++
				}
				return nil
			})
		}
		err = g.Wait()
		total += fired
		if err != nil {
			return total, err
		}
		if len(jobs) < s.cfg.BatchSize || claimed == 0 {
			return total, nil
		}
	}
}

type fireResult int

const (
	fireLost fireResult = iota
	firePublished
	fireFailed
)

// fire claims job and publishes its intent. A lost claim is not an error.
// Publish failures mark the job failed and are not returned, so one bad
// tenant does not stall the pass.
func (s *Service) fire(ctx context.Context, job *Job, path string) (fireResult, error) {
	now := s.now().UTC()
	claimed, err := s.store.Claim(ctx, job.ID, now, s.staleBefore(now))
	if err != nil {
		return fireLost, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !claimed {
		return fireLost, nil
	}

	if err := s.bus.Publish(ctx, job.TenantID, s.cfg.PerformTopic, job.Intent.WithoutSchedule()); err != nil {
		logging.Error(component, "publish scheduled job failed",
			"job_id", job.ID,
			"request_id", job.RequestID,
			"tenant", job.TenantID,
			"path", path,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.IncJobsFailed(path)
		}
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
		defer cancel()
		if markErr := s.store.MarkFailed(markCtx, job.ID, err.Error(), s.now().UTC()); markErr != nil {
			logging.Error(component, "mark job failed", "job_id", job.ID, "error", markErr)
		}
		return fireFailed, nil
	}

	if s.metrics != nil {
		s.metrics.IncJobsFired(path)
	}
	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer cancel()
	if err := s.store.Remove(removeCtx, job.ID); err != nil {
		// The lock goes stale and the job fires again: at-least-once.
		logging.Error(component, "remove fired job failed", "job_id", job.ID, "error", err)
	}
	logging.Info(component, "job fired",
		"job_id", job.ID,
		"request_id", job.RequestID,
		"tenant", job.TenantID,
		"path", path,
	)
	return firePublished, nil
}

// CancelScheduledRequest removes every unlocked job for the request and
// returns how many were removed. A job being fired right now is left alone.
func (s *Service) CancelScheduledRequest(ctx context.Context, requestID, tenantID string) (int, error) {
	if requestID == "" || tenantID == "" {
		return 0, fmt.Errorf("request id and tenant required")
	}
	now := s.now().UTC()
	n, err := s.store.CancelByRequest(ctx, requestID, tenantID, s.staleBefore(now))
	if err != nil {
		return 0, err
	}
	logging.Info(component, "scheduled request cancelled", "request_id", requestID, "tenant", tenantID, "removed", n)
	return n, nil
}

// ListJobs returns a tenant's jobs, failed ones included.
func (s *Service) ListJobs(ctx context.Context, tenantID string) ([]*Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant required")
	}
	return s.store.ListByTenant(ctx, tenantID)
}

// Start subscribes to every configured tenant's plan topic, runs the
// recovery pass, then starts the periodic tick.
func (s *Service) Start(ctx context.Context) error {
	for _, tenant := range s.cfg.Tenants {
		if err := s.bus.Subscribe(ctx, tenant, s.cfg.PlanTopic, s.HandlePlan); err != nil {
			return fmt.Errorf("subscribe plan topic for %s: %w", tenant, err)
		}
	}
	if _, err := s.RecoverMissed(ctx); err != nil {
		logging.Error(component, "recovery pass failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(cronLogger{})))
	c.Schedule(rcron.Every(s.cfg.TickInterval), rcron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.Error(component, "tick failed", "error", err)
		}
	}))
	c.Start()
	s.cron = c
	logging.Info(component, "tick started", "interval", s.cfg.TickInterval.String(), "tenants", len(s.cfg.Tenants))
	return nil
}

// Stop halts the tick and waits for a running tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (s *Service) staleBefore(now time.Time) time.Time {
	return now.Add(-s.cfg.LockLifetime)
}

func (s *Service) incRejected(reason string) {
	if s.metrics != nil {
		s.metrics.IncIntentsRejected(reason)
	}
}

// cronLogger routes robfig/cron diagnostics to the scheduler log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		logging.Info(component, "tick still running, skipping")
	}
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error(component, msg, append(keysAndValues, "error", err)...)
}
