package carrier

import (
	"net/http"
	"strings"
)

// InboundCall captures the subset of voice webhook fields we care about.
// The carrier sends application/x-www-form-urlencoded by default.
//
// This stays a dumb adapter; whether the call is answered is decided by the
// webhook handler against the resolved tenant.
type InboundCall struct {
	CallSID     string
	AccountSID  string
	From        string
	To          string
	Direction   string
	CallStatus  string
	CallerName  string
	FromCity    string
	FromState   string
	FromZip     string
	FromCountry string
}

func ParseInboundCall(r *http.Request) (InboundCall, error) {
	if err := r.ParseForm(); err != nil {
		return InboundCall{}, err
	}
	c := InboundCall{
		CallSID:     r.PostFormValue("CallSid"),
		AccountSID:  r.PostFormValue("AccountSid"),
		From:        normalizePhone(r.PostFormValue("From")),
		To:          normalizePhone(r.PostFormValue("To")),
		Direction:   r.PostFormValue("Direction"),
		CallStatus:  r.PostFormValue("CallStatus"),
		CallerName:  r.PostFormValue("CallerName"),
		FromCity:    r.PostFormValue("FromCity"),
		FromState:   r.PostFormValue("FromState"),
		FromZip:     r.PostFormValue("FromZip"),
		FromCountry: r.PostFormValue("FromCountry"),
	}
	return c, nil
}

// DialStatus is the form posted to a status callback URL after an outbound
// dial attempt progresses.
type DialStatus struct {
	CallSID    string
	CallStatus string
	Duration   string
	AnsweredBy string
}

func ParseDialStatus(r *http.Request) (DialStatus, error) {
	if err := r.ParseForm(); err != nil {
		return DialStatus{}, err
	}
	return DialStatus{
		CallSID:    r.PostFormValue("CallSid"),
		CallStatus: r.PostFormValue("CallStatus"),
		Duration:   r.PostFormValue("CallDuration"),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// The carrier sometimes sends "anonymous" or empty; keep as-is.
	return s
}
