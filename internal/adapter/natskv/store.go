// Package natskv implements the task store port on a NATS JetStream
// KeyValue bucket.
//
// Each task is one KV entry keyed by record name. Create gives the
// exclusive insert, and Update with the last revision is the
// compare-and-swap that serializes racing claims.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/port/taskstore"
)

// releaseAttempts bounds the release/delete CAS retry loops.
const releaseAttempts = 5

// Store is a JetStream KV-backed task store.
type Store struct {
	kv jetstream.KeyValue
}

// New creates a Store over the given KV bucket.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Bucket ensures the task bucket exists and returns a Store for it.
func Bucket(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return New(kv), nil
}

// CreateIfAbsent inserts the record with an exclusive KV Create.
func (s *Store) CreateIfAbsent(ctx context.Context, t *task.Task) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task %s: %w", t.Name(), err)
	}

	if _, err := s.kv.Create(ctx, t.Name(), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("create task %s: %w", t.Name(), err)
	}
	return true, nil
}

// Get returns the record by name.
func (s *Store) Get(ctx context.Context, name string) (*task.Task, error) {
	t, _, err := s.get(ctx, name)
	return t, err
}

// Scan returns all records in the bucket.
func (s *Store) Scan(ctx context.Context) ([]task.Task, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var tasks []task.Task
	for key := range lister.Keys() {
		t, _, err := s.get(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // deleted while scanning
			}
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// Claim sets the claim fields with a revision CAS. A lost CAS means
// another worker won the race, reported as a claim conflict.
func (s *Store) Claim(ctx context.Context, name, workerID string, staleAfter time.Duration) (*task.Task, error) {
	current, rev, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if current.Status == task.StatusInProgress && !current.Stale(staleAfter, now) {
		claimedAt := now
		if current.ClaimedAt != nil {
			claimedAt = *current.ClaimedAt
		}
		return nil, &taskstore.ClaimConflictError{Name: name, ClaimedBy: current.ClaimedBy, ClaimedAt: claimedAt}
	}

	updated := *current
	updated.Status = task.StatusInProgress
	updated.ClaimedAt = &now
	updated.ClaimedBy = workerID

	if err := s.put(ctx, name, &updated, rev); err != nil {
		// Revision moved under us: someone else claimed first.
		after, _, getErr := s.get(ctx, name)
		if getErr != nil {
			return nil, getErr
		}
		claimedAt := now
		if after.ClaimedAt != nil {
			claimedAt = *after.ClaimedAt
		}
		return nil, &taskstore.ClaimConflictError{Name: name, ClaimedBy: after.ClaimedBy, ClaimedAt: claimedAt}
	}
	return &updated, nil
}

// Release clears the claim fields. Releases retry through CAS conflicts
// since any caller may release regardless of claimant.
func (s *Store) Release(ctx context.Context, name string) (*task.Task, error) {
	var lastErr error
	for range releaseAttempts {
		current, rev, err := s.get(ctx, name)
		if err != nil {
			return nil, err
		}

		updated := *current
		updated.Status = task.StatusPending
		updated.ClaimedAt = nil
		updated.ClaimedBy = ""

		if err := s.put(ctx, name, &updated, rev); err != nil {
			lastErr = err
			continue
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("release task %s: %w", name, lastErr)
}

// Delete removes the record with a revision-guarded delete.
func (s *Store) Delete(ctx context.Context, name string) (*task.Task, error) {
	var lastErr error
	for range releaseAttempts {
		current, rev, err := s.get(ctx, name)
		if err != nil {
			return nil, err
		}

		if err := s.kv.Delete(ctx, name, jetstream.LastRevision(rev)); err != nil {
			lastErr = err
			continue
		}
		return current, nil
	}
	return nil, fmt.Errorf("delete task %s: %w", name, lastErr)
}

func (s *Store) get(ctx context.Context, name string) (*task.Task, uint64, error) {
	entry, err := s.kv.Get(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("task %s: %w", name, domain.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get task %s: %w", name, err)
	}

	var t task.Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("parse task %s: %w", name, err)
	}
	return &t, entry.Revision(), nil
}

func (s *Store) put(ctx context.Context, name string, t *task.Task, rev uint64) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", name, err)
	}
	if _, err := s.kv.Update(ctx, name, data, rev); err != nil {
		return fmt.Errorf("update task %s: %w", name, err)
	}
	return nil
}
