package usage

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallMeter accumulates one call's usage between flushes. The bridge adds
// to it from the relay loops and flushes on an interval plus once at
// teardown.
//
// Event IDs are derived from call ID, kind and flush window, so replaying
// a flush after a retry folds to the same rows.
type CallMeter struct {
	tenantID string
	callID   string

	mu       sync.Mutex
	window   int
	inbound  int64 // seconds
	outbound int64
	tokens   int64
	chars    int64
}

func NewCallMeter(tenantID, callID string) *CallMeter {
	return &CallMeter{tenantID: tenantID, callID: callID}
}

func (m *CallMeter) AddInboundSeconds(n int64)  { m.add(&m.inbound, n) }
func (m *CallMeter) AddOutboundSeconds(n int64) { m.add(&m.outbound, n) }
func (m *CallMeter) AddTokens(n int64)          { m.add(&m.tokens, n) }
func (m *CallMeter) AddChars(n int64)           { m.add(&m.chars, n) }

func (m *CallMeter) add(field *int64, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	*field += n
	m.mu.Unlock()
}

// Flush emits the accumulated deltas as events and resets the counters.
// Returns the events so the caller decides between Record and RecordSync.
func (m *CallMeter) Flush(at time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	emit := func(kind Kind, amount int64) {
		if amount <= 0 {
			return
		}
		out = append(out, Event{
			ID:       m.eventID(kind),
			TenantID: m.tenantID,
			CallID:   m.callID,
			Kind:     kind,
			Amount:   amount,
			At:       at,
		})
	}
	emit(KindInboundSeconds, m.inbound)
	emit(KindOutboundSeconds, m.outbound)
	emit(KindAgentTokens, m.tokens)
	emit(KindSynthesizedChars, m.chars)

	m.inbound, m.outbound, m.tokens, m.chars = 0, 0, 0, 0
	if len(out) > 0 {
		m.window++
	}
	return out
}

func (m *CallMeter) eventID(kind Kind) string {
	key := m.callID + ":" + string(kind) + ":" + strconv.Itoa(m.window)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
