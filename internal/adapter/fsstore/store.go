// Package fsstore implements the task store port on a flat directory of
// JSON records.
//
// Each task is a pair of files: "<name>.json" holds the record written
// at creation and never modified afterwards, and "<name>.lock" holds the
// claim. Claim atomicity comes from the filesystem itself: the lock is
// created with O_CREATE|O_EXCL, so concurrent claimants get exactly one
// winner, and a stale lock is taken over by renaming it to a unique
// grave name. Rename is atomic, so exactly one renamer succeeds and the
// losers see ENOENT.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/port/taskstore"
)

const (
	recordExt = ".json"
	lockExt   = ".lock"
)

// claimAttempts bounds the create/takeover loop under heavy contention.
const claimAttempts = 8

// Store is a filesystem-backed task store.
type Store struct {
	dir string
}

// New creates the store directory if needed and returns a Store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// claim is the lock sidecar content.
type claim struct {
	ClaimedBy string    `json:"claimed_by,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// CreateIfAbsent writes a new record file unless one already exists.
func (s *Store) CreateIfAbsent(_ context.Context, t *task.Task) (bool, error) {
	name := t.Name()
	if err := validName(name); err != nil {
		return false, err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task %s: %w", name, err)
	}

	f, err := os.OpenFile(s.recordPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create record %s: %w", name, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(s.recordPath(name))
		return false, fmt.Errorf("write record %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close record %s: %w", name, err)
	}
	return true, nil
}

// Get returns the record merged with its current claim state.
func (s *Store) Get(_ context.Context, name string) (*task.Task, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return s.read(name)
}

// Scan returns all records in the directory. Records deleted while the
// scan runs are skipped rather than reported as errors.
func (s *Store) Scan(_ context.Context) ([]task.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var tasks []task.Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), recordExt)
		t, err := s.read(name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// Claim acquires the lock sidecar for workerID. A fresh existing claim
// fails with a ClaimConflictError; a stale one is taken over.
func (s *Store) Claim(_ context.Context, name, workerID string, staleAfter time.Duration) (*task.Task, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	for range claimAttempts {
		rec, err := s.readRecord(name)
		if err != nil {
			return nil, err
		}

		c := claim{ClaimedBy: workerID, ClaimedAt: time.Now().UTC()}
		won, err := s.tryLock(name, c)
		if err != nil {
			return nil, err
		}
		if won {
			return s.sealClaim(name, rec, c)
		}

		existing, err := s.readLock(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // released between attempts, try again
			}
			return nil, err
		}

		if time.Since(existing.ClaimedAt) <= staleAfter {
			return nil, &taskstore.ClaimConflictError{
				Name:      name,
				ClaimedBy: existing.ClaimedBy,
				ClaimedAt: existing.ClaimedAt,
			}
		}

		// Stale: exactly one takeover succeeds, then the loop retries the
		// exclusive create (and may still lose to another claimant).
		grave := s.lockPath(name) + "." + uuid.NewString()
		if err := os.Rename(s.lockPath(name), grave); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("take over stale lock %s: %w", name, err)
		}
		_ = os.Remove(grave)
	}

	// Contention exhausted the attempt budget; report the current holder.
	existing, err := s.readLock(name)
	if err != nil {
		return nil, fmt.Errorf("claim %s: contention retries exhausted: %w", name, err)
	}
	return nil, &taskstore.ClaimConflictError{Name: name, ClaimedBy: existing.ClaimedBy, ClaimedAt: existing.ClaimedAt}
}

// sealClaim finalizes a won lock. A delete can slip in between the
// record read and the lock create; a lock without a record is an
// orphan, so drop it and report the record gone.
func (s *Store) sealClaim(name string, rec *task.Task, c claim) (*task.Task, error) {
	if _, err := os.Stat(s.recordPath(name)); err != nil {
		_ = os.Remove(s.lockPath(name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("stat record %s: %w", name, err)
	}
	rec.Status = task.StatusInProgress
	rec.ClaimedAt = &c.ClaimedAt
	rec.ClaimedBy = c.ClaimedBy
	return rec, nil
}

// Release drops the lock sidecar, returning the record to pending.
func (s *Store) Release(_ context.Context, name string) (*task.Task, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	rec, err := s.readRecord(name)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(s.lockPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove lock %s: %w", name, err)
	}
	return rec, nil
}

// Delete removes the record and any lock, returning the last-known content.
func (s *Store) Delete(_ context.Context, name string) (*task.Task, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	t, err := s.read(name)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(s.recordPath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("remove record %s: %w", name, err)
	}
	_ = os.Remove(s.lockPath(name))
	return t, nil
}

// read returns the record with claim state merged in.
func (s *Store) read(name string) (*task.Task, error) {
	rec, err := s.readRecord(name)
	if err != nil {
		return nil, err
	}

	c, err := s.readLock(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, nil
		}
		return nil, err
	}
	rec.Status = task.StatusInProgress
	rec.ClaimedAt = &c.ClaimedAt
	rec.ClaimedBy = c.ClaimedBy
	return rec, nil
}

// readRecord returns the record file content as a pending task.
func (s *Store) readRecord(name string) (*task.Task, error) {
	data, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read record %s: %w", name, err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", name, err)
	}
	t.Status = task.StatusPending
	t.ClaimedAt = nil
	t.ClaimedBy = ""
	return &t, nil
}

func (s *Store) readLock(name string) (*claim, error) {
	data, err := os.ReadFile(s.lockPath(name))
	if err != nil {
		return nil, err
	}
	var c claim
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", name, err)
	}
	return &c, nil
}

// tryLock attempts the exclusive lock create. won=false means another
// claimant holds the lock.
func (s *Store) tryLock(name string, c claim) (won bool, err error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal lock %s: %w", name, err)
	}

	f, err := os.OpenFile(s.lockPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", name, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(s.lockPath(name))
		return false, fmt.Errorf("write lock %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close lock %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.dir, name+recordExt)
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, name+lockExt)
}

// validName rejects names that could escape the store directory.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("task name %q: %w", name, domain.ErrValidation)
	}
	return nil
}
