package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// fakeAgent runs a scripted agent endpoint and returns a dialed client.
func fakeAgent(t *testing.T, script func(conn *websocket.Conn)) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Every session opens with session.start.
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Errorf("read session start: %v", err)
			return
		}
		if f.Type != TypeSessionStart || f.Session == nil || f.Session.TenantID != "ten_1" {
			t.Errorf("unexpected first frame: %+v", f)
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:      "test-key",
		ReadTimeout: 2 * time.Second,
	}, SessionSettings{
		CallID:     "CA1",
		TenantID:   "ten_1",
		AgentName:  "Ava",
		Voice:      "alloy",
		Language:   "en-US",
		Greeting:   "Thanks for calling.",
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events channel closed while waiting for type %d", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %d", want)
		}
	}
}

func TestDialSendsSessionStart(t *testing.T) {
	done := make(chan struct{})
	fakeAgent(t, func(conn *websocket.Conn) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent never saw session start")
	}
}

func TestAudioRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	c := fakeAgent(t, func(conn *websocket.Conn) {
		// Echo caller audio back as agent speech with usage deltas.
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != TypeAudioInput {
			t.Errorf("expected audio.input, got %q", f.Type)
			return
		}
		_ = conn.WriteJSON(frame{
			Type:       TypeAudioOutput,
			Audio:      f.Audio,
			Tokens:     7,
			Characters: 42,
		})
	})

	if err := c.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	ev := waitEvent(t, c, EventAudio)
	if string(ev.Audio) != string(pcm) {
		t.Fatalf("audio = %v, want %v", ev.Audio, pcm)
	}
	if ev.Tokens != 7 || ev.Characters != 42 {
		t.Fatalf("usage deltas = %d/%d", ev.Tokens, ev.Characters)
	}
}

func TestSendAudioSkipsEmpty(t *testing.T) {
	c := fakeAgent(t, func(conn *websocket.Conn) {
		// Any frame arriving here would be unexpected.
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			t.Errorf("unexpected frame: %+v", f)
		}
	})
	if err := c.SendAudio(nil); err != nil {
		t.Fatalf("SendAudio(nil): %v", err)
	}
	time.Sleep(300 * time.Millisecond)
}

func TestTranscriptAndActionEvents(t *testing.T) {
	c := fakeAgent(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(frame{Type: TypeTranscriptPartial, Text: "I'd like to", Role: "caller"})
		_ = conn.WriteJSON(frame{Type: TypeTranscriptFinal, Text: "I'd like to talk to a human.", Role: "caller"})
		_ = conn.WriteJSON(frame{
			Type:      TypeAction,
			Name:      "transfer_call",
			Arguments: json.RawMessage(`{"reason":"caller asked for a human"}`),
		})
	})

	ev := waitEvent(t, c, EventTranscriptPartial)
	if ev.Text != "I'd like to" || ev.Role != "caller" {
		t.Fatalf("partial = %+v", ev)
	}
	ev = waitEvent(t, c, EventTranscriptFinal)
	if ev.Text != "I'd like to talk to a human." {
		t.Fatalf("final = %+v", ev)
	}
	ev = waitEvent(t, c, EventAction)
	if ev.Action.Name != "transfer_call" {
		t.Fatalf("action = %+v", ev.Action)
	}
	var args struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(ev.Action.Arguments, &args); err != nil || args.Reason == "" {
		t.Fatalf("arguments = %s (%v)", ev.Action.Arguments, err)
	}
}

func TestDTMFForwarding(t *testing.T) {
	got := make(chan string, 1)
	c := fakeAgent(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type == TypeDTMF {
			got <- f.Digit
		}
	})
	if err := c.SendDTMF("5"); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	select {
	case d := <-got:
		if d != "5" {
			t.Fatalf("digit = %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received dtmf")
	}
}

func TestAgentCloseEmitsClosed(t *testing.T) {
	c := fakeAgent(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(frame{Type: TypeError, Message: "model overloaded"})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second))
	})

	ev := waitEvent(t, c, EventError)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "model overloaded") {
		t.Fatalf("error event = %+v", ev)
	}
	ev = waitEvent(t, c, EventClosed)
	if ev.Err != nil {
		t.Fatalf("clean close should carry nil error, got %v", ev.Err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	c := fakeAgent(t, func(conn *websocket.Conn) {})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.SendAudio([]byte{1, 2}); err != ErrClientClosed {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
	if err := c.End("done"); err != nil {
		t.Fatalf("End after close: %v", err)
	}
}

func TestBase64Payloads(t *testing.T) {
	// The wire carries base64; a raw decode mismatch should surface as an
	// error event rather than killing the loop.
	c := fakeAgent(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"type": TypeAudioOutput, "audio": "!!not-base64!!"})
		valid := base64.StdEncoding.EncodeToString([]byte{9, 9})
		_ = conn.WriteJSON(frame{Type: TypeAudioOutput, Audio: valid})
	})

	ev := waitEvent(t, c, EventError)
	if ev.Err == nil {
		t.Fatal("expected decode error")
	}
	ev = waitEvent(t, c, EventAudio)
	if len(ev.Audio) != 2 {
		t.Fatalf("audio after bad frame = %v", ev.Audio)
	}
}
