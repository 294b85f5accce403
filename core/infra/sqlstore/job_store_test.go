package sqlstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/request"
	"github.com/google/uuid"
)

const envTestDSN = "REQFLOW_TEST_POSTGRES_DSN"

func newTestStore(t *testing.T) *PostgresJobStore {
	t.Helper()
	dsn := os.Getenv(envTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestDSN)
	}
	store, err := NewPostgresJobStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresJobStoreClaimLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	stale := now.Add(-10 * time.Minute)
	tenant := "t-" + uuid.NewString()
	due := now.Add(-time.Second)

	job := &scheduler.Job{
		ID:        uuid.NewString(),
		RequestID: "r1",
		TenantID:  tenant,
		Intent:    request.Intent{ID: "r1", TenantID: tenant, Name: "ping", Method: "GET", URL: "http://example.test", Schedule: &due},
		DueAt:     due,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, job); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	ok, err := store.Claim(ctx, job.ID, now, stale)
	if err != nil || !ok {
		t.Fatalf("expected claim, ok=%v err=%v", ok, err)
	}
	if ok, err := store.Claim(ctx, job.ID, now, stale); err != nil || ok {
		t.Fatalf("expected second claim to fail, ok=%v err=%v", ok, err)
	}
	if n, err := store.CancelByRequest(ctx, "r1", tenant, stale); err != nil || n != 0 {
		t.Fatalf("expected locked job to survive cancel, n=%d err=%v", n, err)
	}
	if err := store.MarkFailed(ctx, job.ID, "publish failed", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Failed() || got.LockedAt != nil || got.Intent.URL != "http://example.test" {
		t.Fatalf("unexpected failed job: %#v", got)
	}
	jobs, err := store.ListByTenant(ctx, tenant)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list by tenant: %v %d", err, len(jobs))
	}
	if err := store.Remove(ctx, job.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, scheduler.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(sqlNullTime(time.Time{}, false)) != nil {
		t.Fatalf("expected nil for invalid time")
	}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	got := nullTime(sqlNullTime(ts, true))
	if got == nil || got.Location() != time.UTC || !got.Equal(ts) {
		t.Fatalf("expected UTC copy, got %v", got)
	}
}
