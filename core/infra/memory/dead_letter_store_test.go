package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/reqflow/core/request"
)

func newDeadLetterStore(t *testing.T) *DeadLetterStore {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := NewDeadLetterStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("dead letter store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDeadLetterStoreParkGetDelete(t *testing.T) {
	store := newDeadLetterStore(t)
	ctx := context.Background()

	entry := request.DeadLetter{
		RequestID: "r1",
		TenantID:  "acme",
		Reason:    "no_record",
		Payload:   json.RawMessage(`{"id":"r1"}`),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.Park(ctx, entry); err != nil {
		t.Fatalf("park: %v", err)
	}
	list, err := store.List(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID == "" || list[0].RequestID != "r1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	got, err := store.Get(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != "no_record" || string(got.Payload) != `{"id":"r1"}` {
		t.Fatalf("get mismatch: %+v", got)
	}

	if err := store.Delete(ctx, got.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, got.ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if list, _ := store.List(ctx, time.Time{}, 10); len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}

func TestDeadLetterStoreListNewestFirstWithCursor(t *testing.T) {
	store := newDeadLetterStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i, id := range []string{"a", "b", "c"} {
		entry := request.DeadLetter{ID: id, Reason: "invalid", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.Park(ctx, entry); err != nil {
			t.Fatalf("park %s: %v", id, err)
		}
	}
	list, err := store.List(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("unexpected first page: %+v", list)
	}
	list, err = store.List(ctx, base.Add(30*time.Second), 10)
	if err != nil {
		t.Fatalf("list with cursor: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("unexpected cursor page: %+v", list)
	}
}

func TestDeadLetterStoreTrimsOldest(t *testing.T) {
	store := newDeadLetterStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < deadLetterKeep+5; i++ {
		entry := request.DeadLetter{Reason: "invalid", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.Park(ctx, entry); err != nil {
			t.Fatalf("park %d: %v", i, err)
		}
	}
	n, err := store.client.ZCard(ctx, deadLetterIndexKey).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != deadLetterKeep {
		t.Fatalf("expected index trimmed to %d, got %d", deadLetterKeep, n)
	}
}
