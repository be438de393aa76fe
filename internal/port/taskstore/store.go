// Package taskstore defines the task record store port (interface).
//
// The store is the one resource requiring true mutual exclusion: Claim
// must be a single atomic read-modify-write so that concurrent claims on
// the same record serialize with exactly one winner.
package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/task"
)

// Store is the port interface for durable task records.
type Store interface {
	// CreateIfAbsent writes t unless a record with the same name exists.
	// Returns created=false (and no error) on a duplicate name.
	CreateIfAbsent(ctx context.Context, t *task.Task) (created bool, err error)

	// Get returns the record by name, or domain.ErrNotFound.
	Get(ctx context.Context, name string) (*task.Task, error)

	// Scan returns all records in no particular order.
	Scan(ctx context.Context) ([]task.Task, error)

	// Claim atomically marks the record in_progress for workerID and
	// returns the updated record. A record already claimed within
	// staleAfter fails with a *ClaimConflictError; a claim older than
	// staleAfter is treated as abandoned and taken over. Missing records
	// fail with domain.ErrNotFound.
	Claim(ctx context.Context, name, workerID string, staleAfter time.Duration) (*task.Task, error)

	// Release returns the record to pending, clearing claim metadata.
	// There is deliberately no ownership check: any caller may release,
	// which allows supervisory cleanup of crashed workers.
	Release(ctx context.Context, name string) (*task.Task, error)

	// Delete removes the record, returning its last-known content.
	Delete(ctx context.Context, name string) (*task.Task, error)
}

// ClaimConflictError reports a claim that lost the race to a valid,
// non-stale lock. It wraps domain.ErrAlreadyClaimed so callers can test
// with errors.Is.
type ClaimConflictError struct {
	Name      string
	ClaimedBy string
	ClaimedAt time.Time
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("task %s: %v by %q at %s", e.Name, domain.ErrAlreadyClaimed, e.ClaimedBy, e.ClaimedAt.Format(time.RFC3339))
}

func (e *ClaimConflictError) Unwrap() error { return domain.ErrAlreadyClaimed }
