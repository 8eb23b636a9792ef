package usage

import (
	"errors"
	"fmt"
	"time"

	"receptionist-core/internal/tenant"
)

// Kind categorizes a usage event. Keep stable; summaries key off it.
type Kind string

const (
	KindInboundSeconds   Kind = "inbound_seconds"   // caller audio relayed to the agent
	KindOutboundSeconds  Kind = "outbound_seconds"  // agent audio relayed to the caller
	KindAgentTokens      Kind = "agent_tokens"      // model tokens reported by the agent
	KindSynthesizedChars Kind = "synthesized_chars" // TTS characters reported by the agent
)

func (k Kind) valid() bool {
	switch k {
	case KindInboundSeconds, KindOutboundSeconds, KindAgentTokens, KindSynthesizedChars:
		return true
	}
	return false
}

// Event is an immutable usage record.
//
// Billing invariants:
//   - Events are append-only; corrections are new events, never edits.
//   - An event ID is folded into a summary at most once. Retrying the same
//     event is safe.
type Event struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	CallID   string    `json:"call_id,omitempty" db:"call_id"`
	Kind     Kind      `json:"kind" db:"kind"`
	Amount   int64     `json:"amount" db:"amount"`
	At       time.Time `json:"at" db:"at"`
}

func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("usage: event id required")
	}
	if e.TenantID == "" {
		return errors.New("usage: tenant id required")
	}
	if !e.Kind.valid() {
		return fmt.Errorf("usage: unknown kind %q", e.Kind)
	}
	if e.Amount < 0 {
		return errors.New("usage: amount must be non-negative")
	}
	if e.At.IsZero() {
		return errors.New("usage: timestamp required")
	}
	return nil
}

// Month returns the billing period the event belongs to, UTC calendar month.
func (e Event) Month() string {
	return e.At.UTC().Format("2006-01")
}

// MonthlySummary is the folded view of one tenant's usage for one period.
type MonthlySummary struct {
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Month    string `json:"month" db:"month"` // YYYY-MM, UTC

	InboundSeconds   int64 `json:"inbound_seconds" db:"inbound_seconds"`
	OutboundSeconds  int64 `json:"outbound_seconds" db:"outbound_seconds"`
	AgentTokens      int64 `json:"agent_tokens" db:"agent_tokens"`
	SynthesizedChars int64 `json:"synthesized_chars" db:"synthesized_chars"`

	IncludedMinutes  int   `json:"included_minutes" db:"included_minutes"`
	BillableMinutes  int   `json:"billable_minutes" db:"billable_minutes"`
	OverageMinutes   int   `json:"overage_minutes" db:"overage_minutes"`
	OverageCostMinor int64 `json:"overage_cost_minor" db:"overage_cost_minor"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// apply folds one event and recomputes the derived billing fields.
func (s *MonthlySummary) apply(e Event, plan tenant.Plan, now time.Time) {
	switch e.Kind {
	case KindInboundSeconds:
		s.InboundSeconds += e.Amount
	case KindOutboundSeconds:
		s.OutboundSeconds += e.Amount
	case KindAgentTokens:
		s.AgentTokens += e.Amount
	case KindSynthesizedChars:
		s.SynthesizedChars += e.Amount
	}
	s.IncludedMinutes = plan.IncludedMinutes
	s.BillableMinutes = billableMinutes(s.InboundSeconds + s.OutboundSeconds)
	s.OverageMinutes = s.BillableMinutes - s.IncludedMinutes
	if s.OverageMinutes < 0 {
		s.OverageMinutes = 0
	}
	s.OverageCostMinor = int64(s.OverageMinutes) * plan.OverageRatePerMinor
	s.UpdatedAt = now
}

// billableMinutes rounds total talk seconds up to whole minutes.
func billableMinutes(sec int64) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return int(m)
}
