package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("session: not found")
	ErrAlreadyExists = errors.New("session: already registered")
	ErrNotTerminal   = errors.New("session: not in a terminal state")
)

// InvalidTransitionError reports a rejected state transition. The session's
// state is left unchanged.
type InvalidTransitionError struct {
	StreamID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.StreamID, e.From, e.To)
}

// Event is emitted on every successful transition. The usage recorder and
// the persistence sink consume these asynchronously.
type Event struct {
	StreamID string
	TenantID string
	From     Status
	To       Status
	At       time.Time
	Snapshot Snapshot
}

// Registry is the concurrency-safe store of in-progress calls.
//
// Locking: the registry mutex guards only the map. State transitions
// serialize on the session's own mutex, so different sessions never
// contend with each other.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	clock  func() time.Time
	events chan Event
}

func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clock,
		events:   make(chan Event, 256),
	}
}

// Events exposes the lifecycle stream. Single logical consumer (the fan-out
// in cmd/api); events are dropped rather than stalling the call path.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register creates a session in Ringing state. A second registration for
// the same stream id fails with ErrAlreadyExists, which enforces single
// bridge ownership.
func (r *Registry) Register(streamID, callID, tenantID, caller, callee string) (*Session, error) {
	if streamID == "" || tenantID == "" {
		return nil, fmt.Errorf("session: stream id and tenant id required")
	}
	now := r.clock().UTC()
	s := &Session{
		StreamID:       streamID,
		CallID:         callID,
		TenantID:       tenantID,
		CallerNumber:   caller,
		CalleeNumber:   callee,
		status:         StatusRinging,
		startedAt:      now,
		lastActivityAt: now,
	}

	r.mu.Lock()
	if _, exists := r.sessions[streamID]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	r.sessions[streamID] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Registry) Get(streamID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Transition moves a session to a new state, rejecting anything outside the
// transition table. Reason is recorded only for terminal states.
func (r *Registry) Transition(streamID string, to Status, reason string) error {
	s, err := r.Get(streamID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	from := s.status
	if !transitionAllowed(from, to) {
		s.mu.Unlock()
		return &InvalidTransitionError{StreamID: streamID, From: from, To: to}
	}
	now := r.clock().UTC()
	s.status = to
	if to.Terminal() {
		s.endedAt = now
		s.endReason = reason
	}
	s.mu.Unlock()

	ev := Event{
		StreamID: streamID,
		TenantID: s.TenantID,
		From:     from,
		To:       to,
		At:       now,
		Snapshot: s.Snapshot(),
	}
	select {
	case r.events <- ev:
	default:
		// Lifecycle consumers are lagging. The bridge writes the terminal
		// snapshot itself on teardown, so dropping here loses nothing
		// durable.
	}
	return nil
}

// Remove deletes a session. Only terminal sessions may be removed; the
// bridge removes after both connections are confirmed closed.
func (r *Registry) Remove(streamID string) error {
	s, err := r.Get(streamID)
	if err != nil {
		return err
	}
	if !s.Status().Terminal() {
		return ErrNotTerminal
	}
	r.mu.Lock()
	delete(r.sessions, streamID)
	r.mu.Unlock()
	return nil
}

// Snapshots returns a copy of every live session's state, for the ops API.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
