// Package event defines the immutable Event entity emitted on state changes.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of state change an event announces.
type Type string

const (
	TypeTaskCreated   Type = "task.created"
	TypeTaskClaimed   Type = "task.claimed"
	TypeTaskCompleted Type = "task.completed"

	TypeJobCreated Type = "job.created"
	TypeJobUpdated Type = "job.updated"
	TypeJobDeleted Type = "job.deleted"

	TypeResearchSaved  Type = "research.saved"
	TypeMaterialsSaved Type = "materials.saved"
)

// Types is the closed set of event types accepted on subscription.
var Types = []Type{
	TypeTaskCreated,
	TypeTaskClaimed,
	TypeTaskCompleted,
	TypeJobCreated,
	TypeJobUpdated,
	TypeJobDeleted,
	TypeResearchSaved,
	TypeMaterialsSaved,
}

// Valid reports whether t belongs to the closed type set.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable notification of a state change. Seq is a
// process-local monotonic sequence used as the long-poll cursor; it is
// not meaningful across processes.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New constructs an event with a fresh ID and the given sequence number.
func New(seq int64, typ Type, payload json.RawMessage, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Seq:       seq,
		Type:      typ,
		Timestamp: now.UTC(),
		Payload:   payload,
	}
}
