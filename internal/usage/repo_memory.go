package usage

import (
	"context"
	"sync"
	"time"

	"receptionist-core/internal/tenant"
)

// MemoryRepo folds events in memory. Used by tests and local development.
type MemoryRepo struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	summaries map[string]MonthlySummary // tenantID + "/" + month
	events    []Event
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		seen:      make(map[string]struct{}),
		summaries: make(map[string]MonthlySummary),
	}
}

func summaryKey(tenantID, month string) string { return tenantID + "/" + month }

func (r *MemoryRepo) FoldEvent(ctx context.Context, e Event, plan tenant.Plan, now time.Time) (MonthlySummary, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := summaryKey(e.TenantID, e.Month())
	if _, dup := r.seen[e.ID]; dup {
		return r.summaries[key], false, nil
	}
	r.seen[e.ID] = struct{}{}
	r.events = append(r.events, e)

	s := r.summaries[key]
	s.TenantID = e.TenantID
	s.Month = e.Month()
	s.apply(e, plan, now)
	r.summaries[key] = s
	return s, true, nil
}

func (r *MemoryRepo) Summary(ctx context.Context, tenantID, month string) (MonthlySummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[summaryKey(tenantID, month)]
	if !ok {
		return MonthlySummary{}, ErrNoSummary
	}
	return s, nil
}

// Events returns a copy of every folded event, in arrival order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
