package calls

import (
	"time"

	"receptionist-core/internal/session"
)

// Record is the durable row written for a call once it reaches a terminal
// state. Live state lives in the session registry; this table is history.
//
// Multi-tenant invariant: TenantID is required on every row.
//
// Usage charging references call_id in usage_events rather than mutating
// money fields here.
type Record struct {
	CallID   string `json:"call_id" db:"call_id"`
	StreamID string `json:"stream_id" db:"stream_id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	CallerNumber string `json:"caller_number" db:"caller_number"`
	CalleeNumber string `json:"callee_number" db:"callee_number"`

	Status    session.Status `json:"status" db:"status"`
	EndReason string         `json:"end_reason,omitempty" db:"end_reason"`

	Transcript string `json:"transcript,omitempty" db:"transcript"`

	StartedAt       time.Time `json:"started_at" db:"started_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
}

// FromSnapshot builds a history row from a terminal session snapshot.
func FromSnapshot(snap session.Snapshot) Record {
	return Record{
		CallID:          snap.CallID,
		StreamID:        snap.StreamID,
		TenantID:        snap.TenantID,
		CallerNumber:    snap.CallerNumber,
		CalleeNumber:    snap.CalleeNumber,
		Status:          snap.Status,
		EndReason:       snap.EndReason,
		Transcript:      snap.Transcript,
		StartedAt:       snap.StartedAt,
		EndedAt:         snap.EndedAt,
		DurationSeconds: snap.DurationSeconds,
	}
}
