package agent

import "encoding/json"

// Wire frames exchanged with the conversational agent service. Text frames,
// JSON, one object per frame. Audio travels base64-encoded inside the JSON
// envelope so the protocol stays inspectable in transit.

const (
	// client -> agent
	TypeSessionStart = "session.start"
	TypeAudioInput   = "audio.input"
	TypeDTMF         = "dtmf"
	TypePrompt       = "prompt" // platform asks the agent to speak a line
	TypeSessionEnd   = "session.end"

	// agent -> client
	TypeAudioOutput       = "audio.output"
	TypeTranscriptPartial = "transcript.partial"
	TypeTranscriptFinal   = "transcript.final"
	TypeAction            = "action"
	TypeError             = "error"
)

type frame struct {
	Type string `json:"type"`

	Session *SessionSettings `json:"session,omitempty"`
	Audio   string           `json:"audio,omitempty"` // base64 PCM16 LE
	Digit   string           `json:"digit,omitempty"`
	Reason  string           `json:"reason,omitempty"`

	Text string `json:"text,omitempty"`
	Role string `json:"role,omitempty"`

	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	Message string `json:"message,omitempty"`

	// Usage deltas ride on audio.output frames.
	Tokens     int `json:"tokens,omitempty"`
	Characters int `json:"characters,omitempty"`
}

// SessionSettings brief the agent on the tenant before the first audio
// frame. Sent once, immediately after dial.
type SessionSettings struct {
	CallID       string   `json:"call_id"`
	TenantID     string   `json:"tenant_id"`
	BusinessName string   `json:"business_name"`
	AgentName    string   `json:"agent_name"`
	Voice        string   `json:"voice"`
	Language     string   `json:"language"`
	Greeting     string   `json:"greeting"`
	Services     []string `json:"services,omitempty"`
	CallerNumber string   `json:"caller_number,omitempty"`

	// SampleRate of the PCM16 audio both directions.
	SampleRate int `json:"sample_rate"`
}

// EventType classifies events surfaced to the bridge.
type EventType int

const (
	EventAudio EventType = iota + 1
	EventTranscriptPartial
	EventTranscriptFinal
	EventAction
	EventError
	EventClosed
)

// ActionRequest is the agent asking the platform to do something it cannot,
// today that is transferring the call or taking a voicemail.
type ActionRequest struct {
	Name      string
	Arguments json.RawMessage
}

// Event is one agent-originated occurrence, consumed by the bridge loop.
type Event struct {
	Type EventType

	Audio []byte // EventAudio: PCM16 LE
	Text  string // transcript events
	Role  string // "caller" or "agent"

	Action ActionRequest // EventAction

	Err error // EventError and EventClosed

	// Usage deltas for metering, valid on EventAudio.
	Tokens     int
	Characters int
}
