package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prospectd/prospectd/internal/adapter/fsstore"
	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/event"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/eventbus"
	"github.com/prospectd/prospectd/internal/port/taskstore"
)

func newQueue(t *testing.T) (*Queue, *eventbus.Bus) {
	t.Helper()
	store, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	bus := eventbus.New(eventbus.Config{})
	return NewQueue(store, bus, 30*time.Minute, slog.Default()), bus
}

func emitted(bus *eventbus.Bus, typ event.Type) []event.Event {
	return bus.List(eventbus.ListFilter{Type: typ})
}

func TestCreateEmitsOnlyWhenFresh(t *testing.T) {
	q, bus := newQueue(t)
	ctx := context.Background()

	created, fresh, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "Acme AI", Payload: []byte(`{"domain":"acme.ai"}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !fresh {
		t.Fatal("first create reported as duplicate")
	}
	if created.Name() != "research-acme-ai" {
		t.Fatalf("record name = %q", created.Name())
	}

	dup, fresh, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "acme ai", Payload: []byte(`{"domain":"other"}`)})
	if err != nil {
		t.Fatalf("duplicate Create: %v", err)
	}
	if fresh {
		t.Fatal("duplicate create reported as fresh")
	}
	if string(dup.Payload) != `{"domain":"acme.ai"}` {
		t.Fatalf("duplicate create modified the record: %s", dup.Payload)
	}

	if got := emitted(bus, event.TypeTaskCreated); len(got) != 1 {
		t.Fatalf("task.created emitted %d times, want 1", len(got))
	}
}

func TestCreateValidatesInput(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Create(ctx, CreateRequest{Type: "deploy", Key: "acme"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("unknown type: got %v, want ErrInvalidInput", err)
	}
	if _, _, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "---"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty slug: got %v, want ErrInvalidInput", err)
	}
}

func TestListOrdersFIFOAndFilters(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, key := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Second)
		q.now = func() time.Time { return at }
		typ := task.TypeResearch
		if key == "second" {
			typ = task.TypeMaterials
		}
		if _, _, err := q.Create(ctx, CreateRequest{Type: typ, Key: key}); err != nil {
			t.Fatal(err)
		}
	}
	q.now = time.Now

	all, err := q.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d tasks, want 3", len(all))
	}
	for i, want := range []string{"first", "second", "third"} {
		if all[i].Key != want {
			t.Fatalf("position %d = %q, want %q (not FIFO)", i, all[i].Key, want)
		}
	}

	research, err := q.List(ctx, Filter{Type: task.TypeResearch})
	if err != nil {
		t.Fatal(err)
	}
	if len(research) != 2 {
		t.Fatalf("type filter returned %d tasks, want 2", len(research))
	}
}

func TestListStaleAnnotation(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "acme"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "research-acme", "w1"); err != nil {
		t.Fatal(err)
	}

	// Within the threshold the claim is live.
	listed, err := q.List(ctx, Filter{IncludeStale: true})
	if err != nil {
		t.Fatal(err)
	}
	if listed[0].IsStale || listed[0].EffectiveStatus() != task.StatusInProgress {
		t.Fatalf("fresh claim reported stale: %+v", listed[0])
	}

	// Past the threshold it reads as effectively pending, record untouched.
	q.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	listed, err = q.List(ctx, Filter{IncludeStale: true})
	if err != nil {
		t.Fatal(err)
	}
	if !listed[0].IsStale || listed[0].EffectiveStatus() != task.StatusPending {
		t.Fatalf("stale claim not annotated: %+v", listed[0])
	}
	if listed[0].Status != task.StatusInProgress {
		t.Fatal("stale annotation mutated the stored status")
	}

	// Without IncludeStale the raw status is reported.
	listed, err = q.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if listed[0].IsStale {
		t.Fatal("IsStale set without IncludeStale")
	}

	pending, err := q.List(ctx, Filter{Status: task.StatusPending, IncludeStale: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("stale task did not match StatusPending filter: %d results", len(pending))
	}
}

func TestClaimConflictAndEmission(t *testing.T) {
	q, bus := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Create(ctx, CreateRequest{Type: task.TypeMaterials, Key: "acme"}); err != nil {
		t.Fatal(err)
	}

	got, err := q.Claim(ctx, "materials-acme", "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.Status != task.StatusInProgress || got.ClaimedBy != "w1" {
		t.Fatalf("claimed record = %+v", got)
	}

	_, err = q.Claim(ctx, "materials-acme", "w2")
	var conflict *taskstore.ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second claim: got %v, want ClaimConflictError", err)
	}
	if conflict.ClaimedBy != "w1" {
		t.Fatalf("conflict claimant = %q, want w1", conflict.ClaimedBy)
	}

	if _, err := q.Claim(ctx, "materials-acme", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty worker id: got %v, want ErrInvalidInput", err)
	}
	if _, err := q.Claim(ctx, "materials-nope", "w1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}

	if got := emitted(bus, event.TypeTaskClaimed); len(got) != 1 {
		t.Fatalf("task.claimed emitted %d times, want 1 (only on success)", len(got))
	}
}

func TestReleaseReturnsToPending(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "acme"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "research-acme", "w1"); err != nil {
		t.Fatal(err)
	}

	got, err := q.Release(ctx, "research-acme")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got.Status != task.StatusPending || got.ClaimedBy != "" || got.ClaimedAt != nil {
		t.Fatalf("released record = %+v", got)
	}

	// Another worker can claim immediately.
	if _, err := q.Claim(ctx, "research-acme", "w2"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestCompleteDeletesAndEmits(t *testing.T) {
	q, bus := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "acme"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "research-acme", "w1"); err != nil {
		t.Fatal(err)
	}

	last, err := q.Complete(ctx, "research-acme")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if last.Type != task.TypeResearch || last.Key != "acme" {
		t.Fatalf("last-known record = %+v", last)
	}

	if _, err := q.Get(ctx, "research-acme"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get after complete: got %v, want ErrNotFound", err)
	}
	if _, err := q.Complete(ctx, "research-acme"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("double complete: got %v, want ErrNotFound", err)
	}

	// The key is reusable for a fresh record.
	_, fresh, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "acme"})
	if err != nil || !fresh {
		t.Fatalf("re-create after complete: fresh=%v err=%v", fresh, err)
	}

	if got := emitted(bus, event.TypeTaskCompleted); len(got) != 1 {
		t.Fatalf("task.completed emitted %d times, want 1", len(got))
	}
}

func TestStaleClaimTakeover(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	if _, _, err := q.Create(ctx, CreateRequest{Type: task.TypeResearch, Key: "acme"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx, "research-acme", "w1"); err != nil {
		t.Fatal(err)
	}

	// Collapse the threshold so the existing claim reads as abandoned.
	q.staleAfter = time.Nanosecond
	time.Sleep(5 * time.Millisecond)

	got, err := q.Claim(ctx, "research-acme", "w2")
	if err != nil {
		t.Fatalf("stale takeover: %v", err)
	}
	if got.ClaimedBy != "w2" {
		t.Fatalf("claimant = %q, want w2", got.ClaimedBy)
	}
}
