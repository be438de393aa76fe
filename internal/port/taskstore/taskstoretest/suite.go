// Package taskstoretest provides a compliance test suite run against
// every Store implementation.
package taskstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/port/taskstore"
)

// Factory returns a fresh, empty store for each subtest.
type Factory func(t *testing.T) taskstore.Store

// Run executes the standard compliance suite against the store built by
// factory. It covers the claim race, idempotent creation, staleness
// takeover, completion, and release semantics.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateIsIdempotent", func(t *testing.T) {
		s := factory(t)
		// Microsecond precision: SQL timestamps do not keep nanoseconds.
		first := task.New(task.TypeResearch, "acme-ai", []byte(`{"company":"Acme AI"}`), time.Now().Truncate(time.Microsecond))

		created, err := s.CreateIfAbsent(ctx, first)
		if err != nil {
			t.Fatalf("CreateIfAbsent: %v", err)
		}
		if !created {
			t.Fatal("expected first create to report created=true")
		}

		dup := task.New(task.TypeResearch, "acme-ai", []byte(`{"company":"Other"}`), time.Now().Add(time.Minute))
		created, err = s.CreateIfAbsent(ctx, dup)
		if err != nil {
			t.Fatalf("duplicate CreateIfAbsent: %v", err)
		}
		if created {
			t.Fatal("expected duplicate create to report created=false")
		}

		got, err := s.Get(ctx, first.Name())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		// Compare decoded payloads; backends may re-serialize JSON.
		var p struct {
			Company string `json:"company"`
		}
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Company != "Acme AI" {
			t.Errorf("duplicate create overwrote payload: %s", got.Payload)
		}
		if !got.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("duplicate create changed created_at: %v != %v", got.CreatedAt, first.CreatedAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Get(ctx, "research-nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ClaimAndConflict", func(t *testing.T) {
		s := factory(t)
		tk := task.New(task.TypeResearch, "acme-ai", nil, time.Now())
		if _, err := s.CreateIfAbsent(ctx, tk); err != nil {
			t.Fatal(err)
		}

		got, err := s.Claim(ctx, tk.Name(), "worker-A", task.DefaultStaleAfter)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if got.Status != task.StatusInProgress || got.ClaimedBy != "worker-A" || got.ClaimedAt == nil {
			t.Fatalf("unexpected claimed record: %+v", got)
		}

		_, err = s.Claim(ctx, tk.Name(), "worker-B", task.DefaultStaleAfter)
		var conflict *taskstore.ClaimConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ClaimConflictError, got %v", err)
		}
		if !errors.Is(err, domain.ErrAlreadyClaimed) {
			t.Error("conflict does not wrap ErrAlreadyClaimed")
		}
		if conflict.ClaimedBy != "worker-A" {
			t.Errorf("conflict claimant = %q, want worker-A", conflict.ClaimedBy)
		}
	})

	t.Run("ClaimMissing", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Claim(ctx, "research-nope", "w", task.DefaultStaleAfter); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AtMostOneClaim", func(t *testing.T) {
		s := factory(t)
		tk := task.New(task.TypeMaterials, "acme-ai", nil, time.Now())
		if _, err := s.CreateIfAbsent(ctx, tk); err != nil {
			t.Fatal(err)
		}

		const workers = 64
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		start := make(chan struct{})
		for i := range workers {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				<-start
				_, err := s.Claim(ctx, tk.Name(), workerID(id), task.DefaultStaleAfter)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, domain.ErrAlreadyClaimed):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if wins != 1 {
			t.Fatalf("expected exactly 1 winning claim, got %d (conflicts %d)", wins, conflicts)
		}
		if conflicts != workers-1 {
			t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
		}
	})

	t.Run("StaleClaimIsReclaimable", func(t *testing.T) {
		s := factory(t)
		tk := task.New(task.TypeResearch, "acme-ai", nil, time.Now())
		if _, err := s.CreateIfAbsent(ctx, tk); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Claim(ctx, tk.Name(), "worker-A", task.DefaultStaleAfter); err != nil {
			t.Fatal(err)
		}

		// With a zero threshold the fresh claim is immediately stale.
		got, err := s.Claim(ctx, tk.Name(), "worker-B", 0)
		if err != nil {
			t.Fatalf("stale reclaim: %v", err)
		}
		if got.ClaimedBy != "worker-B" {
			t.Errorf("reclaimed by %q, want worker-B", got.ClaimedBy)
		}
	})

	t.Run("ReleaseReturnsToPending", func(t *testing.T) {
		s := factory(t)
		tk := task.New(task.TypeResearch, "acme-ai", nil, time.Now())
		if _, err := s.CreateIfAbsent(ctx, tk); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Claim(ctx, tk.Name(), "worker-A", task.DefaultStaleAfter); err != nil {
			t.Fatal(err)
		}

		got, err := s.Release(ctx, tk.Name())
		if err != nil {
			t.Fatalf("Release: %v", err)
		}
		if got.Status != task.StatusPending || got.ClaimedAt != nil || got.ClaimedBy != "" {
			t.Fatalf("release left claim metadata: %+v", got)
		}

		// Releasing an already-pending record is a safe no-op.
		got, err = s.Release(ctx, tk.Name())
		if err != nil {
			t.Fatalf("second Release: %v", err)
		}
		if got.Status != task.StatusPending {
			t.Fatalf("unexpected status after double release: %s", got.Status)
		}

		if _, err := s.Release(ctx, "research-nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteRemovesRecord", func(t *testing.T) {
		s := factory(t)
		tk := task.New(task.TypeResearch, "acme-ai", []byte(`{"company":"Acme AI"}`), time.Now())
		if _, err := s.CreateIfAbsent(ctx, tk); err != nil {
			t.Fatal(err)
		}

		last, err := s.Delete(ctx, tk.Name())
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if last.Type != task.TypeResearch || last.Key != "acme-ai" {
			t.Errorf("delete returned wrong record: %+v", last)
		}

		if _, err := s.Get(ctx, tk.Name()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := s.Delete(ctx, tk.Name()); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on double delete, got %v", err)
		}

		// Re-creating after completion is a fresh record, not a duplicate.
		created, err := s.CreateIfAbsent(ctx, task.New(task.TypeResearch, "acme-ai", nil, time.Now()))
		if err != nil {
			t.Fatal(err)
		}
		if !created {
			t.Fatal("expected re-create after delete to succeed as new")
		}
	})

	t.Run("ScanReturnsAll", func(t *testing.T) {
		s := factory(t)
		names := map[string]bool{}
		for _, sub := range []string{"acme-ai", "globex", "initech"} {
			tk := task.New(task.TypeResearch, sub, nil, time.Now())
			if _, err := s.CreateIfAbsent(ctx, tk); err != nil {
				t.Fatal(err)
			}
			names[tk.Name()] = false
		}

		all, err := s.Scan(ctx)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(all) != len(names) {
			t.Fatalf("scan returned %d records, want %d", len(all), len(names))
		}
		for _, tk := range all {
			names[tk.Name()] = true
		}
		for name, seen := range names {
			if !seen {
				t.Errorf("scan missing %s", name)
			}
		}
	})
}

func workerID(i int) string {
	return fmt.Sprintf("worker-%d", i)
}
