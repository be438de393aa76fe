package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prospectd/prospectd/internal/domain"
	"github.com/prospectd/prospectd/internal/domain/task"
	"github.com/prospectd/prospectd/internal/port/taskstore"
)

// Store implements taskstore.Store on a PostgreSQL table. The claim is a
// single conditional UPDATE, so the database serializes racing claimants.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = "name, type, key, status, claimed_at, claimed_by, created_at, payload"

// CreateIfAbsent inserts the record, reporting created=false on a
// duplicate name via ON CONFLICT DO NOTHING.
func (s *Store) CreateIfAbsent(ctx context.Context, t *task.Task) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (name, type, key, status, created_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO NOTHING`,
		t.Name(), string(t.Type), t.Key, string(t.Status), t.CreatedAt, t.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", t.Name(), err)
	}
	return ct.RowsAffected() == 1, nil
}

// Get returns the record by name.
func (s *Store) Get(ctx context.Context, name string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE name = $1`, name)
	return scanTask(row, name)
}

// Scan returns all records.
func (s *Store) Scan(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Claim performs the atomic claim: the UPDATE only matches a pending
// record or one whose claim is older than staleAfter.
func (s *Store) Claim(ctx context.Context, name, workerID string, staleAfter time.Duration) (*task.Task, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, claimed_at = $3, claimed_by = $4
		 WHERE name = $1 AND (status = $5 OR claimed_at < $6)
		 RETURNING `+taskColumns,
		name, string(task.StatusInProgress), now, workerID,
		string(task.StatusPending), now.Add(-staleAfter),
	)

	t, err := scanTask(row, name)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	// No row matched: distinguish a missing record from a held lock.
	current, getErr := s.Get(ctx, name)
	if getErr != nil {
		return nil, getErr
	}
	claimedAt := now
	if current.ClaimedAt != nil {
		claimedAt = *current.ClaimedAt
	}
	return nil, &taskstore.ClaimConflictError{Name: name, ClaimedBy: current.ClaimedBy, ClaimedAt: claimedAt}
}

// Release returns the record to pending, clearing claim metadata.
func (s *Store) Release(ctx context.Context, name string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, claimed_at = NULL, claimed_by = ''
		 WHERE name = $1
		 RETURNING `+taskColumns,
		name, string(task.StatusPending),
	)
	return scanTask(row, name)
}

// Delete removes the record, returning its last-known content.
func (s *Store) Delete(ctx context.Context, name string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM tasks WHERE name = $1 RETURNING `+taskColumns, name)
	return scanTask(row, name)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, name string) (*task.Task, error) {
	var (
		t       task.Task
		n       string
		typ     string
		status  string
		claimBy string
	)
	err := row.Scan(&n, &typ, &t.Key, &status, &t.ClaimedAt, &claimBy, &t.CreatedAt, &t.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.ClaimedBy = claimBy
	return &t, nil
}
