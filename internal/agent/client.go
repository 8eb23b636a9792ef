package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("agent: client closed")

// Config holds the dial parameters for the agent service.
type Config struct {
	URL    string // ws:// or wss:// endpoint
	APIKey string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Client is one websocket session with the conversational agent. The bridge
// owns exactly one live client per call; on reconnect it dials a fresh one
// rather than resurrecting a dead connection.
type Client struct {
	conn *websocket.Conn
	cfg  Config

	events chan Event

	mu     sync.Mutex
	closed bool
}

// Dial connects and sends session.start. The returned client is already
// pumping events; the first audio from the agent is the spoken greeting.
func Dial(ctx context.Context, cfg Config, settings SessionSettings) (*Client, error) {
	cfg.defaults()
	if cfg.URL == "" {
		return nil, errors.New("agent: url required")
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent: dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		cfg:    cfg,
		events: make(chan Event, 64),
	}
	if err := c.writeFrame(frame{Type: TypeSessionStart, Session: &settings}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("agent: session start: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Events delivers agent output. The channel is closed after EventClosed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SendAudio forwards one PCM16 frame of caller audio.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeFrame(frame{
		Type:  TypeAudioInput,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendDTMF tells the agent the caller pressed a key.
func (c *Client) SendDTMF(digit string) error {
	return c.writeFrame(frame{Type: TypeDTMF, Digit: digit})
}

// SendPrompt asks the agent to speak a specific line, bypassing the model.
// The silence watchdog uses this for "are you still there".
func (c *Client) SendPrompt(text string) error {
	return c.writeFrame(frame{Type: TypePrompt, Text: text})
}

// End tells the agent the session is over, then closes. Safe to call when
// the connection is already gone.
func (c *Client) End(reason string) error {
	_ = c.writeFrame(frame{Type: TypeSessionEnd, Reason: reason})
	return c.Close()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.Close()
}

func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.emit(Event{Type: EventClosed, Err: err})
			return
		}

		switch f.Type {
		case TypeAudioOutput:
			pcm, err := base64.StdEncoding.DecodeString(f.Audio)
			if err != nil {
				c.emit(Event{Type: EventError, Err: fmt.Errorf("agent: bad audio payload: %w", err)})
				continue
			}
			c.emit(Event{Type: EventAudio, Audio: pcm, Tokens: f.Tokens, Characters: f.Characters})
		case TypeTranscriptPartial:
			c.emit(Event{Type: EventTranscriptPartial, Text: f.Text, Role: f.Role})
		case TypeTranscriptFinal:
			c.emit(Event{Type: EventTranscriptFinal, Text: f.Text, Role: f.Role})
		case TypeAction:
			c.emit(Event{Type: EventAction, Action: ActionRequest{Name: f.Name, Arguments: f.Arguments}})
		case TypeError:
			c.emit(Event{Type: EventError, Err: fmt.Errorf("agent: %s", f.Message)})
		}
	}
}

// emit never blocks the read loop. A full buffer means the bridge stalled;
// audio late by a full buffer is unusable anyway, so the oldest event goes.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}
