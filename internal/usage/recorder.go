package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"receptionist-core/internal/tenant"
)

// ErrClosed is returned by Record after Close; late flushes from a call
// tearing down during shutdown land here instead of panicking.
var ErrClosed = errors.New("usage: recorder closed")

// PlanFunc resolves the billing plan used when folding a tenant's events.
type PlanFunc func(ctx context.Context, tenantID string) (tenant.Plan, error)

// Recorder accepts usage events off the call path and folds them into
// monthly summaries.
//
// Record never blocks a bridge goroutine: events queue on a buffered
// channel and a single worker drains it. Deterministic event IDs make the
// fold idempotent, so a crash between enqueue and fold only ever loses
// events, never double-counts them.
type Recorder struct {
	repo   Repository
	plans  PlanFunc
	logger *slog.Logger
	clock  func() time.Time

	ch chan Event
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRecorder(repo Repository, plans PlanFunc, logger *slog.Logger) *Recorder {
	r := &Recorder{
		repo:   repo,
		plans:  plans,
		logger: logger,
		clock:  time.Now,
		ch:     make(chan Event, 1024),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues an event. Invalid events are rejected immediately; a full
// queue drops the event with a log line rather than stalling audio relay.
func (r *Recorder) Record(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	// The mutex orders Record against Close so the enqueue never races the
	// channel close.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.ch <- e:
		return nil
	default:
		r.logger.Error("usage queue full, dropping event",
			"event_id", e.ID, "tenant_id", e.TenantID, "kind", string(e.Kind))
		return fmt.Errorf("usage: queue full")
	}
}

// RecordSync folds an event inline. Used by tests and the final flush on
// call teardown, where losing the tail of a call's usage matters.
func (r *Recorder) RecordSync(ctx context.Context, e Event) (MonthlySummary, error) {
	if err := e.Validate(); err != nil {
		return MonthlySummary{}, err
	}
	return r.fold(ctx, e)
}

// Summary reads the folded view for a tenant and period.
func (r *Recorder) Summary(ctx context.Context, tenantID, month string) (MonthlySummary, error) {
	return r.repo.Summary(ctx, tenantID, month)
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := r.fold(ctx, e); err != nil {
			r.logger.Error("usage fold failed",
				"event_id", e.ID, "tenant_id", e.TenantID, "error", err)
		}
		cancel()
	}
}

func (r *Recorder) fold(ctx context.Context, e Event) (MonthlySummary, error) {
	plan, err := r.plans(ctx, e.TenantID)
	if err != nil {
		return MonthlySummary{}, fmt.Errorf("usage: plan lookup for %s: %w", e.TenantID, err)
	}
	s, inserted, err := r.repo.FoldEvent(ctx, e, plan, r.clock().UTC())
	if err != nil {
		return MonthlySummary{}, err
	}
	if !inserted {
		r.logger.Debug("usage event already folded", "event_id", e.ID)
	}
	return s, nil
}
