package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"receptionist-core/internal/carrier"
	"receptionist-core/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDialer scripts carrier behavior per attempt.
type fakeDialer struct {
	mu        sync.Mutex
	placed    []carrier.PlaceCallParams
	redirects []string
	hangups   []string

	// onPlace decides what happens to the nth leg (0-based).
	onPlace  func(n int, sid string, o *Orchestrator) error
	placeErr error
	orch     *Orchestrator
}

func (d *fakeDialer) PlaceCall(ctx context.Context, p carrier.PlaceCallParams) (*carrier.CallResource, error) {
	d.mu.Lock()
	n := len(d.placed)
	d.placed = append(d.placed, p)
	d.mu.Unlock()
	if d.placeErr != nil {
		return nil, d.placeErr
	}
	sid := fmt.Sprintf("CAdial%d", n)
	if d.onPlace != nil {
		// Deliver statuses after the waiter registers.
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = d.onPlace(n, sid, d.orch)
		}()
	}
	return &carrier.CallResource{SID: sid, Status: "queued"}, nil
}

func (d *fakeDialer) RedirectCall(ctx context.Context, callSID, twiml string) (*carrier.CallResource, error) {
	d.mu.Lock()
	d.redirects = append(d.redirects, callSID+"|"+twiml)
	d.mu.Unlock()
	return &carrier.CallResource{SID: callSID, Status: "in-progress"}, nil
}

func (d *fakeDialer) HangupCall(ctx context.Context, callSID string) error {
	d.mu.Lock()
	d.hangups = append(d.hangups, callSID)
	d.mu.Unlock()
	return nil
}

func testTenant() tenant.Config {
	return tenant.Config{
		ID:                    "ten_1",
		BusinessName:          "Lakeside Dental",
		PhoneNumber:           "+15551234567",
		Voice:                 "alloy",
		PrimaryTransferNumber: "+15559876543",
		TransferTimeout:       200 * time.Millisecond,
		TransferFallback:      tenant.FallbackResumeAI,
		VoicemailEnabled:      true,
		Active:                true,
	}
}

func newTestOrchestrator(t *testing.T, d *fakeDialer) (*Orchestrator, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	o := NewOrchestrator(d, repo, "https://pbx.example.com/webhooks/carrier/dial-status", testLogger())
	d.orch = o
	return o, repo
}

func statuses(rows []Attempt) []Status {
	out := make([]Status, 0, len(rows))
	for _, a := range rows {
		out = append(out, a.Status)
	}
	return out
}

// run prepares and executes in one step, the way the bridge drives a handoff.
func run(ctx context.Context, o *Orchestrator, req Request) (Outcome, error) {
	return o.Execute(ctx, o.Prepare(ctx, req))
}

func TestExecuteAnswered(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "ringing"})
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "in-progress"})
			return nil
		},
	}
	o, repo := newTestOrchestrator(t, d)

	out, err := run(context.Background(), o, Request{
		Tenant: testTenant(), CallID: "CAcaller", CallerNumber: "+15550001111",
		Reason: "The caller asked for the office manager.",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultAnswered || out.Attempts != 1 {
		t.Fatalf("outcome = %+v", out)
	}

	if len(d.redirects) != 1 || !strings.Contains(d.redirects[0], "<Dial") {
		t.Fatalf("caller leg not joined: %v", d.redirects)
	}

	rows, _ := repo.History(context.Background(), "CAcaller")
	want := []Status{StatusPending, StatusRinging, StatusAnswered, StatusCompleted}
	got := statuses(rows)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}
	for _, a := range rows {
		if a.TransferID != rows[0].TransferID {
			t.Fatal("rows of one handoff must share a transfer id")
		}
	}

	if len(d.placed) != 1 {
		t.Fatalf("placed %d legs", len(d.placed))
	}
	p := d.placed[0]
	if p.To != "+15559876543" || p.From != "+15551234567" {
		t.Fatalf("dialed %s from %s", p.To, p.From)
	}
	if !strings.Contains(p.TwiML, "office manager") {
		t.Fatalf("announcement missing reason: %s", p.TwiML)
	}
}

func TestExecuteRetriesThenResumesAI(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "no-answer"})
			return nil
		},
	}
	o, repo := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.TransferMaxAttempts = 2
	out, err := run(context.Background(), o, Request{
		Tenant: cfg, CallID: "CAcaller", CallerNumber: "+15550001111",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultResumedAI {
		t.Fatalf("result = %s, want resumed_ai", out.Result)
	}
	if out.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", out.Attempts)
	}
	if len(d.placed) != 2 {
		t.Fatalf("placed %d legs", len(d.placed))
	}

	rows, _ := repo.History(context.Background(), "CAcaller")
	pendings := 0
	for _, a := range rows {
		if a.Status == StatusPending {
			pendings++
		}
	}
	if pendings != 2 {
		t.Fatalf("pending rows = %d, want one per attempt", pendings)
	}
	last := rows[len(rows)-1]
	if last.Status != StatusCompleted || !strings.Contains(last.Detail, "fallback") {
		t.Fatalf("last row = %+v", last)
	}
}

func TestSingleDialWithoutRetryConfig(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "no-answer"})
			return nil
		},
	}
	o, repo := newTestOrchestrator(t, d)

	// Default tenant config: no retry opt-in, exactly one dial.
	out, err := run(context.Background(), o, Request{Tenant: testTenant(), CallID: "CAcaller"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Attempts != 1 || len(d.placed) != 1 {
		t.Fatalf("attempts = %d, placed = %d, want one dial", out.Attempts, len(d.placed))
	}

	rows, _ := repo.History(context.Background(), "CAcaller")
	noAnswers := 0
	for _, a := range rows {
		if a.Status == StatusNoAnswer {
			noAnswers++
		}
	}
	if noAnswers != 1 {
		t.Fatalf("no-answer rows = %d, want 1", noAnswers)
	}
}

func TestExecuteTimeoutHangsUpLeg(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			// Only ringing; nobody answers.
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "ringing"})
			return nil
		},
	}
	o, repo := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.TransferTimeout = 50 * time.Millisecond
	out, err := run(context.Background(), o, Request{Tenant: cfg, CallID: "CAcaller"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultResumedAI {
		t.Fatalf("result = %s", out.Result)
	}
	if len(d.hangups) != 1 {
		t.Fatalf("hangups = %v, want the abandoned leg ended", d.hangups)
	}

	rows, _ := repo.History(context.Background(), "CAcaller")
	sawTimeout := false
	for _, a := range rows {
		if a.Status == StatusNoAnswer && a.Detail == "ring timeout" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatalf("no timeout row in history: %v", statuses(rows))
	}
}

func TestFallbackVoicemail(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "busy"})
			return nil
		},
	}
	o, repo := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.TransferFallback = tenant.FallbackVoicemail
	out, err := run(context.Background(), o, Request{Tenant: cfg, CallID: "CAcaller"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultVoicemail {
		t.Fatalf("result = %s", out.Result)
	}
	// The agent records the message on the live session; the caller leg is
	// never redirected and only one dial goes out.
	if len(d.redirects) != 0 {
		t.Fatalf("redirects = %v, want none", d.redirects)
	}
	if len(d.placed) != 1 {
		t.Fatalf("placed %d legs, want 1", len(d.placed))
	}

	rows, _ := repo.History(context.Background(), "CAcaller")
	last := rows[len(rows)-1]
	if last.Status != StatusCompleted || !strings.Contains(last.Detail, "message") {
		t.Fatalf("last row = %+v", last)
	}
}

func TestFallbackVoicemailDisabledResumesAI(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "failed"})
			return nil
		},
	}
	o, _ := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.TransferFallback = tenant.FallbackVoicemail
	cfg.VoicemailEnabled = false
	out, err := run(context.Background(), o, Request{Tenant: cfg, CallID: "CAcaller"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultResumedAI {
		t.Fatalf("result = %s", out.Result)
	}
	if len(d.redirects) != 0 {
		t.Fatalf("unexpected redirects: %v", d.redirects)
	}
}

func TestFallbackCallback(t *testing.T) {
	d := &fakeDialer{placeErr: errors.New("carrier down")}
	o, repo := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.TransferFallback = tenant.FallbackCallback
	out, err := run(context.Background(), o, Request{
		Tenant: cfg, CallID: "CAcaller", CallerNumber: "+15550001111",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultCallback {
		t.Fatalf("result = %s", out.Result)
	}

	rows, _ := repo.History(context.Background(), "CAcaller")
	last := rows[len(rows)-1]
	if !strings.Contains(last.Detail, "+15550001111") {
		t.Fatalf("callback row missing caller number: %+v", last)
	}
}

func TestNoTransferNumberGoesStraightToFallback(t *testing.T) {
	d := &fakeDialer{}
	o, _ := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.PrimaryTransferNumber = ""
	out, err := run(context.Background(), o, Request{Tenant: cfg, CallID: "CAcaller"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultResumedAI {
		t.Fatalf("result = %s", out.Result)
	}
	if len(d.placed) != 0 {
		t.Fatalf("placed %d legs, want 0", len(d.placed))
	}
}

func TestEmergencyUsesEmergencyNumber(t *testing.T) {
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			o.NotifyDialStatus(carrier.DialStatus{CallSID: sid, CallStatus: "answered"})
			return nil
		},
	}
	o, _ := newTestOrchestrator(t, d)

	cfg := testTenant()
	cfg.EmergencyTransferNumber = "+15557770000"
	out, err := run(context.Background(), o, Request{Tenant: cfg, CallID: "CAcaller", Emergency: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != ResultAnswered || d.placed[0].To != "+15557770000" {
		t.Fatalf("outcome %+v dialed %s", out, d.placed[0].To)
	}
}

func TestCallerHangupAbortsHandoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDialer{
		onPlace: func(n int, sid string, o *Orchestrator) error {
			cancel() // caller leg drops mid-ring
			return nil
		},
	}
	o, _ := newTestOrchestrator(t, d)

	out, err := run(ctx, o, Request{Tenant: testTenant(), CallID: "CAcaller"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if out.Result != ResultFailed {
		t.Fatalf("result = %s, want failed", out.Result)
	}
	if len(d.hangups) != 1 {
		t.Fatalf("abandoned leg not hung up: %v", d.hangups)
	}
}

func TestPrepareWritesPendingRow(t *testing.T) {
	d := &fakeDialer{}
	o, repo := newTestOrchestrator(t, d)

	h := o.Prepare(context.Background(), Request{
		Tenant: testTenant(), CallID: "CAcaller", Reason: "caller asked for billing",
	})
	if h.TransferID() == "" {
		t.Fatal("handoff has no transfer id")
	}

	// The Pending row is durable before any dial goes out.
	rows, _ := repo.History(context.Background(), "CAcaller")
	if len(rows) != 1 || rows[0].Status != StatusPending {
		t.Fatalf("history = %v, want a single pending row", statuses(rows))
	}
	if rows[0].TransferID != h.TransferID() || rows[0].Attempt != 1 {
		t.Fatalf("pending row = %+v", rows[0])
	}
	if len(d.placed) != 0 {
		t.Fatalf("placed %d legs before execute", len(d.placed))
	}
}

func TestAbandonRecordsFailedRow(t *testing.T) {
	o, repo := newTestOrchestrator(t, &fakeDialer{})

	h := o.Prepare(context.Background(), Request{Tenant: testTenant(), CallID: "CAcaller"})
	o.Abandon(context.Background(), h, "caller hung up first")

	rows, _ := repo.History(context.Background(), "CAcaller")
	got := statuses(rows)
	want := []Status{StatusPending, StatusFailed}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("history = %v, want %v", got, want)
	}
	if rows[1].Detail != "caller hung up first" {
		t.Fatalf("detail = %q", rows[1].Detail)
	}
}

func TestSpeakable(t *testing.T) {
	if got := speakable("+15550001111"); got != "1 5 5 5 0 0 0 1 1 1 1" {
		t.Fatalf("speakable = %q", got)
	}
	if got := speakable(""); got != "an unknown number" {
		t.Fatalf("speakable empty = %q", got)
	}
}
