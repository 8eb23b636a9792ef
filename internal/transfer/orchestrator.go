package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"receptionist-core/internal/carrier"
	"receptionist-core/internal/tenant"

	"github.com/google/uuid"
)

// Dialer is the slice of the carrier REST surface the orchestrator needs.
type Dialer interface {
	PlaceCall(ctx context.Context, p carrier.PlaceCallParams) (*carrier.CallResource, error)
	RedirectCall(ctx context.Context, callSID, twiml string) (*carrier.CallResource, error)
	HangupCall(ctx context.Context, callSID string) error
}

// Request describes one handoff from the AI to a human.
type Request struct {
	Tenant       tenant.Config
	CallID       string // the caller's leg at the carrier
	CallerNumber string
	Emergency    bool
	Reason       string // what the agent heard, used in the announcement
}

const (
	statusWaitGrace    = 5 * time.Second
	defaultRingTimeout = 25 * time.Second
)

// Orchestrator runs transfer attempts: place the outbound leg, announce,
// wait for an answer within the tenant's timeout, and fall back per tenant
// policy when nobody picks up. Every step lands in the attempt history
// before the next one starts.
type Orchestrator struct {
	dialer Dialer
	repo   Repository
	logger *slog.Logger
	clock  func() time.Time

	// statusCallbackURL receives carrier progress for outbound legs.
	statusCallbackURL string

	mu      sync.Mutex
	waiters map[string]chan carrier.DialStatus // dial SID -> status feed
}

func NewOrchestrator(dialer Dialer, repo Repository, statusCallbackURL string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		dialer:            dialer,
		repo:              repo,
		logger:            logger,
		clock:             time.Now,
		statusCallbackURL: statusCallbackURL,
		waiters:           make(map[string]chan carrier.DialStatus),
	}
}

// NotifyDialStatus feeds a carrier status callback to the attempt waiting
// on it. Unknown SIDs are dropped; the callback can outlive the waiter.
func (o *Orchestrator) NotifyDialStatus(st carrier.DialStatus) {
	o.mu.Lock()
	ch, ok := o.waiters[st.CallSID]
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("dial status for unknown leg", "dial_sid", st.CallSID, "status", st.CallStatus)
		return
	}
	select {
	case ch <- st:
	default:
	}
}

// Handoff is one prepared transfer. Prepare writes the first Pending row so
// the attempt history exists before the session leaves Active; Execute then
// runs the dials against it.
type Handoff struct {
	req        Request
	transferID string
	target     string
}

// TransferID groups this handoff's attempt rows.
func (h *Handoff) TransferID() string { return h.transferID }

// Prepare opens a handoff: it picks the destination and records the Pending
// attempt. Follow with Execute, or Abandon when the session can no longer
// enter the transferring state.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) *Handoff {
	h := &Handoff{
		req:        req,
		transferID: uuid.NewString(),
		target:     req.Tenant.TransferNumber(req.Emergency),
	}
	o.append(ctx, Attempt{
		ID:         uuid.NewString(),
		TransferID: h.transferID,
		TenantID:   req.Tenant.ID,
		CallID:     req.CallID,
		Target:     h.target,
		Attempt:    1,
		Status:     StatusPending,
		Detail:     req.Reason,
		At:         o.clock().UTC(),
	})
	return h
}

// Abandon closes out a prepared handoff that never dialed, so the history
// shows why it stopped.
func (o *Orchestrator) Abandon(ctx context.Context, h *Handoff, detail string) {
	o.append(ctx, Attempt{
		ID: uuid.NewString(), TransferID: h.transferID, TenantID: h.req.Tenant.ID,
		CallID: h.req.CallID, Target: h.target, Attempt: 1,
		Status: StatusFailed, Detail: detail, At: o.clock().UTC(),
	})
}

// Execute runs a prepared handoff to completion. The returned outcome tells
// the bridge what to do with the caller: hand off, resume the agent, or
// close out via voicemail/callback.
func (o *Orchestrator) Execute(ctx context.Context, h *Handoff) (Outcome, error) {
	req := h.req
	cfg := req.Tenant

	out := Outcome{TransferID: h.transferID, Target: h.target, Attempts: 1}
	if h.target == "" {
		o.logger.Warn("no transfer number configured", "tenant_id", cfg.ID, "call_id", req.CallID)
		return o.fallback(ctx, req, out)
	}

	timeout := cfg.TransferTimeout
	if timeout <= 0 {
		timeout = defaultRingTimeout
	}

	// One dial per handoff unless the tenant opted into retries.
	maxAttempts := cfg.TransferMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		if attempt > 1 {
			o.append(ctx, Attempt{
				ID: uuid.NewString(), TransferID: h.transferID, TenantID: cfg.ID,
				CallID: req.CallID, Target: h.target, Attempt: attempt,
				Status: StatusPending, Detail: "retry", At: o.clock().UTC(),
			})
		}
		answered, err := o.dialOnce(ctx, req, h.transferID, h.target, attempt, timeout)
		if err != nil {
			o.logger.Error("transfer dial failed",
				"tenant_id", cfg.ID, "call_id", req.CallID, "attempt", attempt, "error", err)
			continue
		}
		if answered {
			out.Result = ResultAnswered
			return out, nil
		}
		if ctx.Err() != nil {
			// Caller is gone; no fallback makes sense.
			out.Result = ResultFailed
			return out, ctx.Err()
		}
	}
	return o.fallback(ctx, req, out)
}

// dialOnce places one outbound leg and waits for its verdict. The Pending
// row for the attempt is already written by Prepare or the retry loop.
func (o *Orchestrator) dialOnce(ctx context.Context, req Request, transferID, target string, attempt int, timeout time.Duration) (bool, error) {
	cfg := req.Tenant
	announce := fmt.Sprintf("Incoming call from %s, transferred by the %s receptionist.",
		speakable(req.CallerNumber), cfg.BusinessName)
	if req.Reason != "" {
		announce += " " + req.Reason
	}
	twiml, err := carrier.AnnounceTwiML(announce, cfg.Voice)
	if err != nil {
		return false, err
	}

	call, err := o.dialer.PlaceCall(ctx, carrier.PlaceCallParams{
		To:             target,
		From:           cfg.PhoneNumber,
		TwiML:          twiml,
		StatusCallback: o.statusCallbackURL,
		RingTimeout:    timeout,
	})
	if err != nil {
		o.append(ctx, Attempt{
			ID: uuid.NewString(), TransferID: transferID, TenantID: cfg.ID,
			CallID: req.CallID, Target: target, Attempt: attempt,
			Status: StatusFailed, Detail: err.Error(), At: o.clock().UTC(),
		})
		return false, err
	}

	ch := make(chan carrier.DialStatus, 4)
	o.mu.Lock()
	o.waiters[call.SID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, call.SID)
		o.mu.Unlock()
	}()

	row := func(status Status, detail string) Attempt {
		return Attempt{
			ID: uuid.NewString(), TransferID: transferID, TenantID: cfg.ID,
			CallID: req.CallID, DialSID: call.SID, Target: target,
			Attempt: attempt, Status: status, Detail: detail, At: o.clock().UTC(),
		}
	}

	// The carrier enforces the ring timeout on its side too; the grace
	// covers callback latency.
	timer := time.NewTimer(timeout + statusWaitGrace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = o.dialer.HangupCall(context.WithoutCancel(ctx), call.SID)
			o.append(ctx, row(StatusFailed, "caller gone: "+ctx.Err().Error()))
			return false, nil
		case <-timer.C:
			_ = o.dialer.HangupCall(ctx, call.SID)
			o.append(ctx, row(StatusNoAnswer, "ring timeout"))
			return false, nil
		case st := <-ch:
			switch st.CallStatus {
			case "ringing":
				o.append(ctx, row(StatusRinging, ""))
			case "answered", "in-progress":
				o.append(ctx, row(StatusAnswered, ""))
				// Join the caller to the human. The announce leg ends
				// when its TwiML finishes; the new dial rings through.
				join, err := carrier.DialTwiML(target, int(timeout/time.Second))
				if err != nil {
					return false, err
				}
				if _, err := o.dialer.RedirectCall(ctx, req.CallID, join); err != nil {
					o.append(ctx, row(StatusFailed, "caller join failed: "+err.Error()))
					return false, err
				}
				o.append(ctx, row(StatusCompleted, "caller joined"))
				return true, nil
			case "busy", "no-answer":
				o.append(ctx, row(StatusNoAnswer, st.CallStatus))
				return false, nil
			case "failed", "canceled":
				o.append(ctx, row(StatusFailed, st.CallStatus))
				return false, nil
			case "completed":
				// Leg ended without ever reaching answered.
				o.append(ctx, row(StatusNoAnswer, "completed before answer"))
				return false, nil
			}
		}
	}
}

// fallback applies the tenant's policy after all dials failed.
func (o *Orchestrator) fallback(ctx context.Context, req Request, out Outcome) (Outcome, error) {
	cfg := req.Tenant
	record := func(result Result, detail string) {
		o.append(ctx, Attempt{
			ID: uuid.NewString(), TransferID: out.TransferID, TenantID: cfg.ID,
			CallID: req.CallID, Target: out.Target, Attempt: out.Attempts,
			Status: StatusCompleted, Detail: "fallback: " + detail, At: o.clock().UTC(),
		})
		out.Result = result
	}

	switch cfg.TransferFallback {
	case tenant.FallbackVoicemail:
		if !cfg.VoicemailEnabled {
			record(ResultResumedAI, "voicemail disabled, resuming agent")
			return out, nil
		}
		// The agent takes the message itself: the bridge moves the session
		// back to Active and prompts the agent to record it.
		record(ResultVoicemail, "agent taking a message")
		return out, nil
	case tenant.FallbackCallback:
		record(ResultCallback, "callback requested for "+req.CallerNumber)
		return out, nil
	case tenant.FallbackResumeAI:
		record(ResultResumedAI, "resuming agent")
		return out, nil
	default:
		record(ResultResumedAI, "no policy configured, resuming agent")
		return out, nil
	}
}

func (o *Orchestrator) append(ctx context.Context, a Attempt) {
	if err := o.repo.Append(ctx, a); err != nil {
		// History is diagnostic; a write failure must not kill the handoff.
		o.logger.Error("transfer attempt append failed",
			"call_id", a.CallID, "status", string(a.Status), "error", err)
	}
}

// speakable spaces out the digits so TTS reads them one by one.
func speakable(number string) string {
	if number == "" {
		return "an unknown number"
	}
	out := make([]rune, 0, len(number)*2)
	for _, r := range number {
		if r == '+' {
			continue
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, r)
	}
	return string(out)
}
