// Package task defines the Task domain entity: a durable unit-of-work
// descriptor claimed and completed by external workers.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Type identifies the kind of work a task represents.
type Type string

const (
	TypeResearch  Type = "research"
	TypeMaterials Type = "materials"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeResearch, TypeMaterials:
		return true
	}
	return false
}

// Status represents the current state of a task record.
// A completed task has no status: completion deletes the record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
)

// DefaultStaleAfter bounds how long a crashed worker can hold a claim
// before other workers may reclaim the task.
const DefaultStaleAfter = 30 * time.Minute

// Task represents a unit of work waiting for (or held by) a worker.
// Payload carries the subject metadata copied in at creation time so
// workers need not re-fetch context before claiming.
type Task struct {
	Type      Type            `json:"type"`
	Key       string          `json:"key"`
	Status    Status          `json:"status"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New returns a pending task for the given subject. The subject key is
// slugged so the record name is deterministic per subject+type.
func New(typ Type, subjectKey string, payload json.RawMessage, now time.Time) *Task {
	return &Task{
		Type:      typ,
		Key:       Slug(subjectKey),
		Status:    StatusPending,
		CreatedAt: now.UTC(),
		Payload:   payload,
	}
}

// Name returns the unique record name, deterministic per subject+type.
func (t *Task) Name() string {
	return string(t.Type) + "-" + t.Key
}

// Stale reports whether the task's claim is older than threshold.
// Pending tasks are never stale.
func (t *Task) Stale(threshold time.Duration, now time.Time) bool {
	return t.Status == StatusInProgress && t.ClaimedAt != nil && now.Sub(*t.ClaimedAt) > threshold
}

// Listed annotates a task for queue listings. Stale in-progress records
// are reported as effectively pending without mutating the stored record.
type Listed struct {
	Task
	IsStale bool `json:"is_stale,omitempty"`
}

// EffectiveStatus returns the status a consumer should act on:
// a stale claim counts as pending.
func (l Listed) EffectiveStatus() Status {
	if l.IsStale {
		return StatusPending
	}
	return l.Status
}

// Slug normalizes a subject key into a filename-safe identifier:
// lowercase, runs of non-alphanumerics collapsed to single hyphens.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevHyphen := true // trims leading hyphens
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
