package transfer

import "time"

// Status of one dial attempt. Terminal statuses are answered, no_answer,
// failed and completed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRinging   Status = "ringing"
	StatusAnswered  Status = "answered"
	StatusNoAnswer  Status = "no_answer"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Attempt is one append-only row in the transfer history. Every status
// change is a new row; rows are never updated. A stuck or crashed handoff
// is visible as a history that simply stops, which is what support needs
// when a tenant asks why a caller was dropped.
type Attempt struct {
	ID         string `json:"id" db:"id"`
	TransferID string `json:"transfer_id" db:"transfer_id"` // groups rows of one handoff
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	CallID     string `json:"call_id" db:"call_id"` // the caller's leg
	DialSID    string `json:"dial_sid,omitempty" db:"dial_sid"`

	Target  string `json:"target" db:"target"`
	Attempt int    `json:"attempt" db:"attempt"` // 1-based dial counter

	Status Status `json:"status" db:"status"`
	Detail string `json:"detail,omitempty" db:"detail"`

	At time.Time `json:"at" db:"at"`
}

// Result is what the bridge does after a handoff concludes.
type Result string

const (
	ResultAnswered  Result = "answered"   // human picked up, call handed off
	ResultResumedAI Result = "resumed_ai" // agent takes the caller back
	ResultVoicemail Result = "voicemail"  // agent takes a message, session resumes
	ResultCallback  Result = "callback"   // callback recorded, agent informs caller
	ResultFailed    Result = "failed"     // nothing worked
)

// Outcome summarizes a finished handoff.
type Outcome struct {
	Result     Result
	Target     string
	TransferID string
	Attempts   int
}
