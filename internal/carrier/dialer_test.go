package carrier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestDialer(t *testing.T, handler http.HandlerFunc) (*Dialer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	d, err := NewDialer(DialerConfig{
		AccountSID: "AC_test",
		AuthToken:  "secret",
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	return d, srv
}

func TestNewDialerRequiresCredentials(t *testing.T) {
	if _, err := NewDialer(DialerConfig{}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestPlaceCall(t *testing.T) {
	var gotPath string
	var gotForm map[string][]string
	d, _ := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC_test" || pass != "secret" {
			t.Errorf("missing or wrong basic auth")
		}
		_ = r.ParseForm()
		gotPath = r.URL.Path
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA999","to":"+15559876543","from":"+15551234567","status":"queued"}`))
	})

	call, err := d.PlaceCall(context.Background(), PlaceCallParams{
		To:             "+15559876543",
		From:           "+15551234567",
		TwiML:          "<Response><Say>hello</Say></Response>",
		StatusCallback: "https://pbx.example.com/webhooks/carrier/dial-status",
		RingTimeout:    25 * time.Second,
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if call.SID != "CA999" || call.Status != "queued" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if gotPath != "/Accounts/AC_test/Calls.json" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if got := gotForm["Timeout"]; len(got) != 1 || got[0] != "25" {
		t.Fatalf("Timeout form value = %v", got)
	}
	if got := gotForm["StatusCallbackEvent"]; len(got) != 3 {
		t.Fatalf("StatusCallbackEvent = %v, want 3 events", got)
	}
}

func TestPlaceCallValidation(t *testing.T) {
	d, _ := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := d.PlaceCall(context.Background(), PlaceCallParams{To: "+15550001111"}); err == nil {
		t.Fatalf("expected error without from")
	}
	if _, err := d.PlaceCall(context.Background(), PlaceCallParams{
		To: "+15550001111", From: "+15552223333",
	}); err == nil {
		t.Fatalf("expected error without twiml or url")
	}
}

func TestPlaceCallAPIError(t *testing.T) {
	d, _ := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	})
	_, err := d.PlaceCall(context.Background(), PlaceCallParams{
		To: "bogus", From: "+15551234567", TwiML: "<Response/>",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 21211 || apiErr.StatusCode != 400 {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestHangupCall(t *testing.T) {
	var gotStatus string
	d, _ := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotStatus = r.PostFormValue("Status")
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"completed"}`))
	})
	if err := d.HangupCall(context.Background(), "CA1"); err != nil {
		t.Fatalf("HangupCall: %v", err)
	}
	if gotStatus != "completed" {
		t.Fatalf("Status form value = %q", gotStatus)
	}
}

func TestRedirectCall(t *testing.T) {
	d, _ := newTestDialer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostFormValue("Twiml") == "" {
			t.Errorf("missing Twiml form value")
		}
		_, _ = w.Write([]byte(`{"sid":"CA1","status":"in-progress"}`))
	})
	if _, err := d.RedirectCall(context.Background(), "CA1", "<Response><Hangup/></Response>"); err != nil {
		t.Fatalf("RedirectCall: %v", err)
	}
}
