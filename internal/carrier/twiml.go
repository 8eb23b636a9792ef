package carrier

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal response builder for the voice webhook. It
// intentionally avoids any provider SDK dependency; only the verbs the
// receptionist needs are modeled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name     `xml:"Connect"`
	Stream  *twimlStream `xml:"Stream,omitempty"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter,omitempty"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlRecord struct {
	XMLName     xml.Name `xml:"Record"`
	Action      string   `xml:"action,attr,omitempty"`
	MaxLength   int      `xml:"maxLength,attr,omitempty"`
	PlayBeep    bool     `xml:"playBeep,attr"`
	Transcribe  bool     `xml:"transcribe,attr"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
}

// AnswerTwiML answers the call and hands the audio to the media-stream
// endpoint. Custom parameters come back verbatim in the start event, which
// is how the bridge learns which tenant the call belongs to without a
// second lookup.
func AnswerTwiML(streamURL string, params map[string]string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("carrier: stream url required")
	}
	st := &twimlStream{URL: streamURL}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names) // stable parameter order
	for _, name := range names {
		st.Parameters = append(st.Parameters, twimlParam{Name: name, Value: params[name]})
	}
	return render(twimlResponse{Verbs: []any{twimlConnect{Stream: st}}})
}

// RejectTwiML refuses the call without answering. Used for numbers no
// tenant owns.
func RejectTwiML() (string, error) {
	return render(twimlResponse{Verbs: []any{twimlReject{Reason: "rejected"}}})
}

// ClosedTwiML plays the after-hours message and hangs up.
func ClosedTwiML(message, voice string) (string, error) {
	if strings.TrimSpace(message) == "" {
		message = "We are currently closed. Please call back during business hours."
	}
	return render(twimlResponse{Verbs: []any{
		twimlSay{Voice: voice, Text: message},
		twimlHangup{},
	}})
}

// VoicemailTwiML plays a prompt and records a message.
func VoicemailTwiML(prompt, voice, actionURL string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		prompt = "Please leave a message after the tone."
	}
	return render(twimlResponse{Verbs: []any{
		twimlSay{Voice: voice, Text: prompt},
		twimlRecord{Action: actionURL, MaxLength: 120, PlayBeep: true, Transcribe: true, FinishOnKey: "#"},
	}})
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Timeout int      `xml:"timeout,attr,omitempty"`
	Number  string   `xml:"Number,omitempty"`
}

// DialTwiML bridges the current leg to a PSTN number. Applied to the
// caller's leg once a transfer target has answered.
func DialTwiML(number string, timeoutSec int) (string, error) {
	if strings.TrimSpace(number) == "" {
		return "", errors.New("carrier: dial number required")
	}
	return render(twimlResponse{Verbs: []any{twimlDial{Number: number, Timeout: timeoutSec}}})
}

// AnnounceTwiML briefs the human answering a transfer leg before the legs
// are joined.
func AnnounceTwiML(message, voice string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("carrier: announce message required")
	}
	return render(twimlResponse{Verbs: []any{twimlSay{Voice: voice, Text: message}}})
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
