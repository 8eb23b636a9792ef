package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"receptionist-core/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPlan() tenant.Plan {
	return tenant.Plan{
		Name:                "growth",
		IncludedMinutes:     10,
		OverageRatePerMinor: 15,
	}
}

func staticPlans(p tenant.Plan) PlanFunc {
	return func(ctx context.Context, tenantID string) (tenant.Plan, error) {
		return p, nil
	}
}

func newTestRecorder(t *testing.T) (*Recorder, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	r := NewRecorder(repo, staticPlans(testPlan()), testLogger())
	t.Cleanup(r.Close)
	return r, repo
}

func ev(id string, kind Kind, amount int64) Event {
	return Event{
		ID:       id,
		TenantID: "ten_1",
		CallID:   "CA1",
		Kind:     kind,
		Amount:   amount,
		At:       time.Date(2026, 4, 12, 10, 0, 0, 0, time.UTC),
	}
}

func TestRecordSyncFolds(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	s, err := r.RecordSync(ctx, ev("e1", KindInboundSeconds, 90))
	if err != nil {
		t.Fatalf("RecordSync: %v", err)
	}
	if s.InboundSeconds != 90 {
		t.Fatalf("inbound = %d", s.InboundSeconds)
	}
	if s.Month != "2026-04" {
		t.Fatalf("month = %q", s.Month)
	}
	// 90s rounds up to 2 billable minutes, under the included 10.
	if s.BillableMinutes != 2 || s.OverageMinutes != 0 || s.OverageCostMinor != 0 {
		t.Fatalf("billing fields: %+v", s)
	}
}

func TestFoldIsIdempotent(t *testing.T) {
	r, repo := newTestRecorder(t)
	ctx := context.Background()

	first, err := r.RecordSync(ctx, ev("e1", KindInboundSeconds, 60))
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.RecordSync(ctx, ev("e1", KindInboundSeconds, 60))
	if err != nil {
		t.Fatal(err)
	}
	if second.InboundSeconds != first.InboundSeconds {
		t.Fatalf("replay changed the summary: %d -> %d", first.InboundSeconds, second.InboundSeconds)
	}
	if got := len(repo.Events()); got != 1 {
		t.Fatalf("stored events = %d, want 1", got)
	}
}

func TestOverageComputation(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	// 10 included minutes; 11m30s of talk -> 12 billable, 2 overage.
	if _, err := r.RecordSync(ctx, ev("e1", KindInboundSeconds, 300)); err != nil {
		t.Fatal(err)
	}
	s, err := r.RecordSync(ctx, ev("e2", KindOutboundSeconds, 390))
	if err != nil {
		t.Fatal(err)
	}
	if s.BillableMinutes != 12 {
		t.Fatalf("billable = %d, want 12", s.BillableMinutes)
	}
	if s.OverageMinutes != 2 {
		t.Fatalf("overage = %d, want 2", s.OverageMinutes)
	}
	if s.OverageCostMinor != 30 {
		t.Fatalf("overage cost = %d, want 30", s.OverageCostMinor)
	}
}

func TestEventsSplitAcrossMonths(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	march := ev("e1", KindInboundSeconds, 60)
	march.At = time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	april := ev("e2", KindInboundSeconds, 60)
	april.At = time.Date(2026, 4, 1, 0, 1, 0, 0, time.UTC)

	if _, err := r.RecordSync(ctx, march); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordSync(ctx, april); err != nil {
		t.Fatal(err)
	}

	s, err := r.Summary(ctx, "ten_1", "2026-03")
	if err != nil || s.InboundSeconds != 60 {
		t.Fatalf("march summary = %+v (%v)", s, err)
	}
	s, err = r.Summary(ctx, "ten_1", "2026-04")
	if err != nil || s.InboundSeconds != 60 {
		t.Fatalf("april summary = %+v (%v)", s, err)
	}
}

func TestSummaryMissing(t *testing.T) {
	r, _ := newTestRecorder(t)
	if _, err := r.Summary(context.Background(), "ten_1", "2025-01"); !errors.Is(err, ErrNoSummary) {
		t.Fatalf("err = %v, want ErrNoSummary", err)
	}
}

func TestRecordRejectsInvalid(t *testing.T) {
	r, _ := newTestRecorder(t)
	cases := []Event{
		{},
		ev("", KindInboundSeconds, 1),
		ev("e1", Kind("bogus"), 1),
		ev("e1", KindInboundSeconds, -1),
	}
	for _, e := range cases {
		if err := r.Record(e); err == nil {
			t.Fatalf("accepted invalid event %+v", e)
		}
	}
}

func TestAsyncRecordEventuallyFolds(t *testing.T) {
	repo := NewMemoryRepo()
	r := NewRecorder(repo, staticPlans(testPlan()), testLogger())

	if err := r.Record(ev("e1", KindAgentTokens, 1200)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r.Close() // drains the queue

	s, err := repo.Summary(context.Background(), "ten_1", "2026-04")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.AgentTokens != 1200 {
		t.Fatalf("tokens = %d", s.AgentTokens)
	}
}

func TestRecordAfterCloseReturnsErrClosed(t *testing.T) {
	repo := NewMemoryRepo()
	r := NewRecorder(repo, staticPlans(testPlan()), testLogger())
	r.Close()
	r.Close() // idempotent

	if err := r.Record(ev("e1", KindInboundSeconds, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if got := len(repo.Events()); got != 0 {
		t.Fatalf("stored events = %d, want 0", got)
	}
}

func TestCallMeterFlush(t *testing.T) {
	m := NewCallMeter("ten_1", "CA1")
	m.AddInboundSeconds(3)
	m.AddOutboundSeconds(2)
	m.AddTokens(100)
	m.AddChars(0) // no-op

	at := time.Date(2026, 4, 12, 10, 0, 0, 0, time.UTC)
	events := m.Flush(at)
	if len(events) != 3 {
		t.Fatalf("flush produced %d events, want 3", len(events))
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			t.Fatalf("invalid event: %v", err)
		}
		if e.CallID != "CA1" || e.TenantID != "ten_1" {
			t.Fatalf("wrong identity: %+v", e)
		}
	}

	// Empty flush emits nothing.
	if events := m.Flush(at); len(events) != 0 {
		t.Fatalf("second flush produced %d events", len(events))
	}
}

func TestCallMeterIDsAreDeterministic(t *testing.T) {
	a := NewCallMeter("ten_1", "CA1")
	b := NewCallMeter("ten_1", "CA1")
	a.AddInboundSeconds(5)
	b.AddInboundSeconds(5)

	at := time.Now().UTC()
	ea, eb := a.Flush(at), b.Flush(at)
	if ea[0].ID != eb[0].ID {
		t.Fatalf("same window produced different ids: %s vs %s", ea[0].ID, eb[0].ID)
	}

	// Subsequent windows get fresh ids.
	a.AddInboundSeconds(5)
	next := a.Flush(at)
	if next[0].ID == ea[0].ID {
		t.Fatal("window counter did not advance")
	}
}

func TestCallMeterDifferentCallsDiffer(t *testing.T) {
	a := NewCallMeter("ten_1", "CA1")
	b := NewCallMeter("ten_1", "CA2")
	a.AddTokens(10)
	b.AddTokens(10)
	at := time.Now().UTC()
	if a.Flush(at)[0].ID == b.Flush(at)[0].ID {
		t.Fatal("different calls share an event id")
	}
}
