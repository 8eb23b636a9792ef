package session

import (
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a call session.
//
// Transitions (enforced by Registry.Transition):
//
//	Ringing      -> Active, Failed
//	Active       -> Transferring, Completed, Failed
//	Transferring -> Active, Completed, Failed
//
// Completed and Failed are terminal.
type Status string

const (
	StatusRinging      Status = "ringing"
	StatusActive       Status = "active"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allowedTransitions = map[Status][]Status{
	StatusRinging:      {StatusActive, StatusFailed},
	StatusActive:       {StatusTransferring, StatusCompleted, StatusFailed},
	StatusTransferring: {StatusActive, StatusCompleted, StatusFailed},
	StatusCompleted:    nil,
	StatusFailed:       nil,
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one active or recently-ended call.
//
// Ownership invariant: exactly one bridge task owns a session's connection
// handles; the registry rejects a second Register for the same stream id.
// All mutation goes through the methods below, which serialize on the
// session's own mutex so concurrent Transition/Touch calls never interleave
// their read-modify-write.
type Session struct {
	// Identity is immutable after Register.
	StreamID string
	CallID   string
	TenantID string

	CallerNumber string
	CalleeNumber string

	mu             sync.Mutex
	status         Status
	startedAt      time.Time
	lastActivityAt time.Time
	endedAt        time.Time
	endReason      string
	transcript     []string
}

// Snapshot is an immutable copy of a session's mutable state, safe to hand
// to the ops API or the persistence sink.
type Snapshot struct {
	StreamID     string    `json:"stream_id" db:"stream_id"`
	CallID       string    `json:"call_id" db:"call_id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	CallerNumber string    `json:"caller_number" db:"caller_number"`
	CalleeNumber string    `json:"callee_number" db:"callee_number"`
	Status       Status    `json:"status" db:"status"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	LastActivity time.Time `json:"last_activity_at" db:"last_activity_at"`
	EndedAt      time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EndReason    string    `json:"end_reason,omitempty" db:"end_reason"`
	Transcript   string    `json:"transcript,omitempty" db:"transcript"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TouchActivity records audio-frame activity; the bridge calls this on every
// relayed frame and the silence watchdog reads it back.
func (s *Session) TouchActivity(at time.Time) {
	s.mu.Lock()
	s.lastActivityAt = at
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// AppendTranscript extends the append-only transcript. Earlier entries are
// never rewritten; agent corrections arrive as new final segments.
func (s *Session) AppendTranscript(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, line)
	s.mu.Unlock()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		StreamID:     s.StreamID,
		CallID:       s.CallID,
		TenantID:     s.TenantID,
		CallerNumber: s.CallerNumber,
		CalleeNumber: s.CalleeNumber,
		Status:       s.status,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivityAt,
		EndedAt:      s.endedAt,
		EndReason:    s.endReason,
		Transcript:   strings.Join(s.transcript, "\n"),
	}
	end := snap.EndedAt
	if end.IsZero() {
		end = snap.LastActivity
	}
	if !end.IsZero() && end.After(snap.StartedAt) {
		snap.DurationSeconds = int(end.Sub(snap.StartedAt) / time.Second)
	}
	return snap
}
