package carrier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrStreamClosed = errors.New("carrier: stream closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The carrier connects server-to-server without an Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamOptions bound the websocket timeouts. Zero values fall back to
// conservative defaults.
type StreamOptions struct {
	HandshakeTimeout time.Duration // waiting for the start event
	ReadTimeout      time.Duration // per inbound frame
	WriteTimeout     time.Duration // per outbound frame
}

func (o *StreamOptions) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Stream is one carrier media-stream connection. A single bridge goroutine
// reads; writes are serialized on the write mutex so the relay loop and the
// watchdog can both send.
type Stream struct {
	conn *websocket.Conn
	opts StreamOptions

	streamSID string
	callSID   string
	start     StartPayload

	writeMu sync.Mutex
	closed  bool
}

// Accept upgrades the HTTP request and performs the carrier handshake:
// it consumes messages until the start event arrives and the stream is
// identified. The connected event preceding start is tolerated but not
// required.
func Accept(w http.ResponseWriter, r *http.Request, opts StreamOptions) (*Stream, error) {
	opts.defaults()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("carrier: websocket upgrade: %w", err)
	}

	s := &Stream{conn: conn, opts: opts}
	deadline := time.Now().Add(opts.HandshakeTimeout)
	for {
		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, fmt.Errorf("carrier: no start event within %s", opts.HandshakeTimeout)
		}
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("carrier: handshake read: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case EventConnected:
			continue
		case EventStart:
			if msg.Start == nil || msg.Start.StreamSID == "" {
				_ = conn.Close()
				return nil, errors.New("carrier: start event missing stream sid")
			}
			s.start = *msg.Start
			s.streamSID = msg.Start.StreamSID
			s.callSID = msg.Start.CallSID
			return s, nil
		case EventStop:
			_ = conn.Close()
			return nil, errors.New("carrier: stream stopped during handshake")
		}
	}
}

func (s *Stream) StreamSID() string   { return s.streamSID }
func (s *Stream) CallSID() string     { return s.callSID }
func (s *Stream) Start() StartPayload { return s.start }

// CustomParam returns a custom parameter set by the answering TwiML.
func (s *Stream) CustomParam(name string) string {
	return s.start.CustomParams[name]
}

// ReadMessage blocks on the next inbound frame, bounded by the read
// timeout. Media payloads are returned base64-decoded.
func (s *Stream) ReadMessage() (Message, []byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Message{}, nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, nil, fmt.Errorf("carrier: bad frame: %w", err)
	}
	if msg.Event == EventMedia && msg.Media != nil && msg.Media.Payload != "" {
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Message{}, nil, fmt.Errorf("carrier: bad media payload: %w", err)
		}
		return msg, audio, nil
	}
	return msg, nil, nil
}

// SendMedia sends one mu-law frame to the caller.
func (s *Stream) SendMedia(mulaw []byte) error {
	return s.writeJSON(Message{
		Event:     EventMedia,
		StreamSID: s.streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark asks the carrier to echo a mark back once buffered audio before
// it has been played out.
func (s *Stream) SendMark(name string) error {
	return s.writeJSON(Message{
		Event:     EventMark,
		StreamSID: s.streamSID,
		Mark:      &MarkPayload{Name: name},
	})
}

// SendClear drops any audio the carrier has buffered but not yet played.
// Used when the caller interrupts the agent mid-sentence.
func (s *Stream) SendClear() error {
	return s.writeJSON(Message{Event: EventClear, StreamSID: s.streamSID})
}

func (s *Stream) writeJSON(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *Stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
