package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cordum/reqflow/core/infra/locks"
)

type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	createErr error
	listErr   error
	claims    int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*Job{}}
}

func (s *fakeJobStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) ListDue(_ context.Context, now, staleBefore time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Job
	for _, job := range s.jobs {
		if job.Failed() || job.DueAt.After(now) || job.Locked(staleBefore) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeJobStore) Claim(_ context.Context, id string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Failed() || job.DueAt.After(now) || job.Locked(staleBefore) {
		return false, nil
	}
	at := now
	job.LockedAt = &at
	job.LastRunAt = &at
	s.claims++
	return true, nil
}

func (s *fakeJobStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	failed := at
	job.FailedAt = &failed
	job.FailReason = reason
	job.LockedAt = nil
	return nil
}

func (s *fakeJobStore) CancelByRequest(_ context.Context, requestID, tenantID string, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.RequestID == requestID && job.TenantID == tenantID && !job.Locked(staleBefore) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeJobStore) ListByTenant(_ context.Context, tenantID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.TenantID == tenantID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeJobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeMetrics struct {
	mu        sync.Mutex
	scheduled int
	rejected  map[string]int
	fired     map[string]int
	failed    map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{rejected: map[string]int{}, fired: map[string]int{}, failed: map[string]int{}}
}

func (m *fakeMetrics) IncIntentsScheduled() {
	m.mu.Lock()
	m.scheduled++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncIntentsRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncJobsFired(path string) {
	m.mu.Lock()
	m.fired[path]++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncJobsFailed(path string) {
	m.mu.Lock()
	m.failed[path]++
	m.mu.Unlock()
}

type fakeLeases struct {
	mu       sync.Mutex
	holder   string
	err      error
	released int
}

func (l *fakeLeases) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (*locks.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.holder != "" && l.holder != owner {
		return nil, false, nil
	}
	l.holder = owner
	return &locks.Lease{Resource: resource, Owner: owner, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (l *fakeLeases) Release(_ context.Context, _ string, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != owner {
		return false, nil
	}
	l.holder = ""
	l.released++
	return true, nil
}

func (l *fakeLeases) Renew(_ context.Context, _ string, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == owner, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errStoreDown = errors.New("store down")
