package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Dialer places and controls calls through the carrier REST API. The
// transfer orchestrator uses it for outbound handoff legs and the ops API
// uses HangupCall for force-termination.
type Dialer struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type DialerConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // overrides Timeout when set
}

func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("carrier: account sid and auth token are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.twilio.com/2010-04-01"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Dialer{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: hc,
	}, nil
}

// CallResource is the carrier's call representation.
type CallResource struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
}

// APIError carries the carrier's structured error body.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	MoreInfo   string `json:"more_info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("carrier api: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// PlaceCallParams describes an outbound leg.
type PlaceCallParams struct {
	To             string
	From           string
	TwiML          string // inline instructions for the answered leg
	URL            string // alternative: TwiML fetched on answer
	StatusCallback string
	RingTimeout    time.Duration
}

// PlaceCall starts an outbound call. The returned resource has status
// "queued"; progress arrives at the status callback.
func (d *Dialer) PlaceCall(ctx context.Context, p PlaceCallParams) (*CallResource, error) {
	if p.To == "" || p.From == "" {
		return nil, errors.New("carrier: to and from are required")
	}
	if p.TwiML == "" && p.URL == "" {
		return nil, errors.New("carrier: twiml or url is required")
	}

	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	if p.TwiML != "" {
		form.Set("Twiml", p.TwiML)
	}
	if p.URL != "" {
		form.Set("Url", p.URL)
	}
	if p.StatusCallback != "" {
		form.Set("StatusCallback", p.StatusCallback)
		for _, ev := range []string{"ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if p.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(p.RingTimeout/time.Second)))
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", d.baseURL, d.accountSID)
	var call CallResource
	if err := d.post(ctx, endpoint, form, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches the current state of a call.
func (d *Dialer) GetCall(ctx context.Context, callSID string) (*CallResource, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", d.baseURL, d.accountSID, callSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var call CallResource
	if err := d.do(req, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// RedirectCall points an in-progress call at new TwiML. Used to send the
// caller's leg to voicemail or back to the receptionist after a transfer.
func (d *Dialer) RedirectCall(ctx context.Context, callSID, twiml string) (*CallResource, error) {
	form := url.Values{}
	form.Set("Twiml", twiml)
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", d.baseURL, d.accountSID, callSID)
	var call CallResource
	if err := d.post(ctx, endpoint, form, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (d *Dialer) HangupCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", d.baseURL, d.accountSID, callSID)
	return d.post(ctx, endpoint, form, &CallResource{})
}

func (d *Dialer) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.do(req, out)
}

func (d *Dialer) do(req *http.Request, out any) error {
	req.SetBasicAuth(d.accountSID, d.authToken)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("carrier api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("carrier api: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("carrier api: decode response: %w", err)
		}
	}
	return nil
}
