package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/infra/bus"
	"github.com/cordum/reqflow/core/infra/bus/bustest"
	"github.com/cordum/reqflow/core/infra/locks"
	"github.com/cordum/reqflow/core/infra/memory"
	"github.com/cordum/reqflow/core/infra/redisutil"
	"github.com/cordum/reqflow/core/request"
)

func TestScheduledJobSurvivesRestart(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	client, err := redisutil.Connect(ctx, "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewRedisScheduledJobStoreWithClient(client)
	leases := locks.NewRedisStoreWithClient(client)
	perform := bus.Topic{Exchange: "perform-request", Queue: "perform-request"}
	cfg := scheduler.Config{
		Tenants:      []string{"acme"},
		PlanTopic:    bus.Topic{Exchange: "plan-request-job", RoutingKey: "schedule-request", Queue: "scheduled-requests"},
		PerformTopic: perform,
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	due := start.Add(5 * time.Second)
	before := scheduler.NewService(bustest.New(), store, cfg, scheduler.WithClock(func() time.Time { return start }))
	job, err := before.ScheduleRequest(ctx, request.Intent{
		ID: "r1", TenantID: "acme", Name: "ping", Method: "GET", URL: "http://example.test", Schedule: &due,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// The first process is gone; a new one starts after the due time.
	after := start.Add(30 * time.Second)
	b := bustest.New()
	restarted := scheduler.NewService(b, store, cfg,
		scheduler.WithClock(func() time.Time { return after }),
		scheduler.WithRecoveryLease(leases, "replica-2"),
	)
	fired, err := restarted.RecoverMissed(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected one recovered fire, got %d", fired)
	}
	if fired, _ := restarted.Tick(ctx); fired != 0 {
		t.Fatalf("expected tick to find nothing after recovery")
	}

	msgs := b.Published("acme", perform)
	if len(msgs) != 1 {
		t.Fatalf("expected one perform message, got %d", len(msgs))
	}
	var sent request.Intent
	if err := json.Unmarshal(msgs[0].Data, &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sent.ID != "r1" || sent.Schedule != nil {
		t.Fatalf("unexpected intent: %#v", sent)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, scheduler.ErrJobNotFound) {
		t.Fatalf("expected job removed, got %v", err)
	}
}

func TestTickFiresJobBehindLockedBatch(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()
	store, err := memory.NewRedisScheduledJobStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	perform := bus.Topic{Exchange: "perform-request", Queue: "perform-request"}
	start := time.Now().UTC().Truncate(time.Millisecond)
	cfg := scheduler.Config{Tenants: []string{"acme"}, PerformTopic: perform, BatchSize: 2}
	planner := scheduler.NewService(bustest.New(), store, cfg, scheduler.WithClock(func() time.Time { return start }))
	var jobs []*scheduler.Job
	for i, id := range []string{"r1", "r2", "r3"} {
		due := start.Add(time.Duration(i+1) * time.Second)
		job, err := planner.ScheduleRequest(ctx, request.Intent{
			ID: id, TenantID: "acme", Name: "ping", Method: "GET", URL: "http://example.test", Schedule: &due,
		})
		if err != nil {
			t.Fatalf("schedule %s: %v", id, err)
		}
		jobs = append(jobs, job)
	}

	// Another replica holds fresh locks on the two oldest jobs.
	now := start.Add(time.Minute)
	for _, job := range jobs[:2] {
		if ok, err := store.Claim(ctx, job.ID, now, now.Add(-10*time.Minute)); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", job.ID, ok, err)
		}
	}

	b := bustest.New()
	svc := scheduler.NewService(b, store, cfg, scheduler.WithClock(func() time.Time { return now }))
	fired, err := svc.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected the unlocked job to fire, got %d", fired)
	}
	msgs := b.Published("acme", perform)
	if len(msgs) != 1 {
		t.Fatalf("expected one perform message, got %d", len(msgs))
	}
	var sent request.Intent
	if err := json.Unmarshal(msgs[0].Data, &sent); err != nil || sent.ID != "r3" {
		t.Fatalf("expected r3 published, got %#v err=%v", sent, err)
	}
}
