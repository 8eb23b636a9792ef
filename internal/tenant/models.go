package tenant

import (
	"fmt"
	"strings"
	"time"
)

// FallbackPolicy says what the bridge does when a human transfer fails.
type FallbackPolicy string

const (
	FallbackResumeAI  FallbackPolicy = "resume_ai"
	FallbackVoicemail FallbackPolicy = "voicemail"
	FallbackCallback  FallbackPolicy = "callback"
)

// AfterHoursBehavior controls how a call outside business hours is handled.
type AfterHoursBehavior string

const (
	AfterHoursAnswer    AfterHoursBehavior = "answer"    // AI answers as usual
	AfterHoursVoicemail AfterHoursBehavior = "voicemail" // straight to voicemail
	AfterHoursReject    AfterHoursBehavior = "reject"    // play closed message, hang up
)

// DayHours is one weekday's opening window, minutes since midnight in the
// tenant's timezone. Closed days have Open == Close == 0.
type DayHours struct {
	OpenMinute  int `json:"open_minute" db:"open_minute"`
	CloseMinute int `json:"close_minute" db:"close_minute"`
}

func (d DayHours) closed() bool {
	return d.OpenMinute == 0 && d.CloseMinute == 0
}

// Plan is the tenant's billing plan. Rates are in minor units (cents).
type Plan struct {
	Name                string `json:"name" db:"plan_name"`
	IncludedMinutes     int    `json:"included_minutes" db:"included_minutes"`
	MonthlyPriceMinor   int64  `json:"monthly_price_minor" db:"monthly_price_minor"`
	OverageRatePerMinor int64  `json:"overage_rate_per_minute_minor" db:"overage_rate_per_minute_minor"`
}

// Config is an immutable snapshot of a tenant's receptionist settings.
// The resolver hands copies out; nothing downstream mutates it.
//
// Multi-tenant invariant: every call, usage event and transfer attempt is
// keyed by Config.ID. There is no default tenant.
type Config struct {
	ID           string `json:"id" db:"id"`
	BusinessName string `json:"business_name" db:"business_name"`
	PhoneNumber  string `json:"phone_number" db:"phone_number"` // E.164 receptionist line

	Timezone string `json:"timezone" db:"timezone"` // IANA name

	// Conversation settings handed to the agent on session start.
	AgentName string `json:"agent_name" db:"agent_name"`
	Voice     string `json:"voice" db:"voice"`
	Language  string `json:"language" db:"language"`
	Greeting  string `json:"greeting" db:"greeting"`

	// Services the business offers, surfaced to the agent as context.
	Services []string `json:"services" db:"services"`

	// Hours is keyed by time.Weekday (0 = Sunday).
	Hours map[time.Weekday]DayHours `json:"hours" db:"-"`

	PrimaryTransferNumber   string         `json:"primary_transfer_number" db:"primary_transfer_number"`
	EmergencyTransferNumber string         `json:"emergency_transfer_number" db:"emergency_transfer_number"`
	TransferTimeout         time.Duration  `json:"transfer_timeout" db:"transfer_timeout_seconds"`
	TransferFallback        FallbackPolicy `json:"transfer_fallback" db:"transfer_fallback"`
	// TransferMaxAttempts caps the dials of one handoff. Zero or one means a
	// single dial; values above one opt the tenant into retries.
	TransferMaxAttempts int `json:"transfer_max_attempts" db:"transfer_max_attempts"`

	AfterHours       AfterHoursBehavior `json:"after_hours" db:"after_hours"`
	ClosedMessage    string             `json:"closed_message" db:"closed_message"`
	VoicemailEnabled bool               `json:"voicemail_enabled" db:"voicemail_enabled"`

	MaxConcurrentCalls int  `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	Active             bool `json:"active" db:"active"`

	Plan Plan `json:"plan"`
}

func (c Config) Validate() error {
	var problems []string
	if c.ID == "" {
		problems = append(problems, "id is required")
	}
	if c.PhoneNumber == "" {
		problems = append(problems, "phone_number is required")
	}
	if c.TransferFallback == "" {
		problems = append(problems, "transfer_fallback is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("tenant config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OpenNow reports whether the business is inside its opening hours at the
// given instant, evaluated in the tenant's timezone. A tenant with no hours
// configured is treated as always open.
func (c Config) OpenNow(at time.Time) bool {
	if len(c.Hours) == 0 {
		return true
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := at.In(loc)
	day, ok := c.Hours[local.Weekday()]
	if !ok || day.closed() {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= day.OpenMinute && minute < day.CloseMinute
}

// TransferNumber returns the number a handoff should dial. Emergency
// requests fall back to the primary line when no emergency number is set.
func (c Config) TransferNumber(emergency bool) string {
	if emergency && c.EmergencyTransferNumber != "" {
		return c.EmergencyTransferNumber
	}
	return c.PrimaryTransferNumber
}
