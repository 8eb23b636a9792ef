package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"receptionist-core/internal/agent"
	"receptionist-core/internal/audio"
	"receptionist-core/internal/carrier"
	"receptionist-core/internal/session"
	"receptionist-core/internal/tenant"
	"receptionist-core/internal/transfer"
	"receptionist-core/internal/usage"
)

// CarrierStream is the caller's leg. Satisfied by *carrier.Stream.
type CarrierStream interface {
	StreamSID() string
	CallSID() string
	ReadMessage() (carrier.Message, []byte, error)
	SendMedia(mulaw []byte) error
	SendClear() error
	Close() error
}

// AgentConn is the agent's leg. Satisfied by *agent.Client.
type AgentConn interface {
	Events() <-chan agent.Event
	SendAudio(pcm []byte) error
	SendDTMF(digit string) error
	SendPrompt(text string) error
	End(reason string) error
	Close() error
}

// AgentDialFunc opens a fresh agent session. Called on accept and again on
// every reconnect attempt.
type AgentDialFunc func(ctx context.Context, settings agent.SessionSettings) (AgentConn, error)

// TransferRunner runs a handoff to a human. Satisfied by
// *transfer.Orchestrator. Prepare records the attempt, Execute dials;
// Abandon closes out a prepared handoff that never ran.
type TransferRunner interface {
	Prepare(ctx context.Context, req transfer.Request) *transfer.Handoff
	Execute(ctx context.Context, h *transfer.Handoff) (transfer.Outcome, error)
	Abandon(ctx context.Context, h *transfer.Handoff, detail string)
}

// CallSink persists the summary row of a finished call. Satisfied by
// *calls.Archiver.
type CallSink interface {
	ArchiveSnapshot(ctx context.Context, snap session.Snapshot) error
}

// Options are the per-deployment bridge tunables.
type Options struct {
	SilenceTimeout time.Duration // no audio either way before the liveness prompt
	LivenessGrace  time.Duration // silence allowed after the prompt

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	UsageFlushInterval time.Duration
	WatchdogInterval   time.Duration
}

func (o *Options) defaults() {
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = 15 * time.Second
	}
	if o.LivenessGrace <= 0 {
		o.LivenessGrace = 8 * time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 5
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 250 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 5 * time.Second
	}
	if o.UsageFlushInterval <= 0 {
		o.UsageFlushInterval = 15 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = time.Second
	}
}

// Bridge relays audio between the carrier and the agent for the calls it is
// handed. One Run per call; Run owns both legs until teardown.
type Bridge struct {
	registry  *session.Registry
	dialAgent AgentDialFunc
	transfers TransferRunner
	recorder  *usage.Recorder
	sink      CallSink
	logger    *slog.Logger
	opts      Options
	clock     func() time.Time
}

func New(registry *session.Registry, dialAgent AgentDialFunc, transfers TransferRunner, recorder *usage.Recorder, sink CallSink, opts Options, logger *slog.Logger) *Bridge {
	opts.defaults()
	return &Bridge{
		registry:  registry,
		dialAgent: dialAgent,
		transfers: transfers,
		recorder:  recorder,
		sink:      sink,
		logger:    logger,
		opts:      opts,
		clock:     time.Now,
	}
}

// call is the per-call state shared by the relay loops.
type call struct {
	b      *Bridge
	stream CarrierStream
	cfg    tenant.Config
	sess   *session.Session
	meter  *usage.CallMeter
	logger *slog.Logger

	cancel context.CancelFunc

	agentMu sync.Mutex
	agent   AgentConn

	endOnce sync.Once

	transferring atomic.Bool
	prompted     atomic.Bool

	msMu       sync.Mutex
	inboundMs  int64
	outboundMs int64
}

// Run handles one call end to end: register, dial the agent, relay until a
// terminal condition, then tear both legs down. The error reports why the
// call could not be serviced; a normally completed call returns nil.
func (b *Bridge) Run(ctx context.Context, stream CarrierStream, cfg tenant.Config, callerNumber string) error {
	sess, err := b.registry.Register(stream.StreamSID(), stream.CallSID(), cfg.ID, callerNumber, cfg.PhoneNumber)
	if err != nil {
		_ = stream.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &call{
		b:      b,
		stream: stream,
		cfg:    cfg,
		sess:   sess,
		meter:  usage.NewCallMeter(cfg.ID, stream.CallSID()),
		logger: b.logger.With("stream_id", stream.StreamSID(), "call_id", stream.CallSID(), "tenant_id", cfg.ID),
		cancel: cancel,
	}
	defer c.teardown()

	ac, err := c.connectAgent(ctx, 1)
	if err != nil {
		c.finish(session.StatusFailed, "agent unavailable")
		return err
	}
	c.setAgent(ac)

	if err := b.registry.Transition(sess.StreamID, session.StatusActive, ""); err != nil {
		c.finish(session.StatusFailed, "activation failed")
		return err
	}
	c.logger.Info("call active", "caller", callerNumber)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.agentLoop(ctx) }()
	go func() { defer wg.Done(); c.watchdog(ctx) }()
	go func() { defer wg.Done(); c.usageLoop(ctx) }()

	c.carrierLoop(ctx)
	cancel()
	wg.Wait()
	return nil
}

func (c *call) setAgent(a AgentConn) {
	c.agentMu.Lock()
	c.agent = a
	c.agentMu.Unlock()
}

func (c *call) currentAgent() AgentConn {
	c.agentMu.Lock()
	defer c.agentMu.Unlock()
	return c.agent
}

// finish records the terminal transition exactly once and stops the loops.
func (c *call) finish(st session.Status, reason string) {
	c.endOnce.Do(func() {
		if err := c.b.registry.Transition(c.sess.StreamID, st, reason); err != nil {
			c.logger.Warn("terminal transition rejected", "to", string(st), "error", err)
		} else {
			c.logger.Info("call ended", "status", string(st), "reason", reason)
		}
		c.cancel()
		// Unblock the carrier read loop; Close is idempotent.
		_ = c.stream.Close()
	})
}

// carrierLoop is the owner loop: it reads the caller's leg until the call
// ends. A carrier-side failure is always fatal; callers cannot be asked to
// hold while we reconnect a phone line.
func (c *call) carrierLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, mulaw, err := c.stream.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.finish(session.StatusFailed, "carrier connection lost")
			}
			return
		}

		switch msg.Event {
		case carrier.EventMedia:
			c.touch()
			c.addInboundMs(int64(len(mulaw)) / 8) // 8 mu-law bytes per ms
			pcm, err := audio.TelephonyToAgent(mulaw)
			if err != nil {
				continue
			}
			if a := c.currentAgent(); a != nil {
				if err := a.SendAudio(pcm); err != nil && err != agent.ErrClientClosed {
					c.logger.Warn("agent send failed", "error", err)
				}
			}
		case carrier.EventDTMF:
			if msg.DTMF == nil {
				continue
			}
			c.touch()
			digit := msg.DTMF.Digit
			if digit == "0" {
				// Zero is the universal "get me a human" key.
				go c.startTransfer(ctx, "The caller pressed zero to reach a person.", false)
				continue
			}
			if a := c.currentAgent(); a != nil {
				_ = a.SendDTMF(digit)
			}
		case carrier.EventStop:
			c.finish(session.StatusCompleted, "caller hung up")
			return
		}
	}
}

// agentLoop consumes agent events and reconnects when the agent leg drops.
func (c *call) agentLoop(ctx context.Context) {
	for {
		a := c.currentAgent()
		if a == nil {
			return
		}
		channelClosed := c.consumeAgent(ctx, a)
		if !channelClosed || ctx.Err() != nil || c.sess.Status().Terminal() {
			return
		}

		// The agent leg dropped mid-call. Hold the caller and retry.
		c.logger.Warn("agent connection lost, reconnecting")
		na, err := c.reconnectAgent(ctx)
		if err != nil {
			c.finish(session.StatusFailed, "agent unavailable after reconnect attempts")
			return
		}
		c.setAgent(na)
		c.logger.Info("agent reconnected")
	}
}

// consumeAgent processes one connection's events. Returns true when the
// event channel closed (the connection died), false when the call context
// ended first.
func (c *call) consumeAgent(ctx context.Context, a AgentConn) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-a.Events():
			if !ok {
				return true
			}
			switch ev.Type {
			case agent.EventAudio:
				c.touch()
				c.addOutboundMs(int64(len(ev.Audio)) / 16) // 16 PCM16 bytes per ms
				c.meter.AddTokens(int64(ev.Tokens))
				c.meter.AddChars(int64(ev.Characters))
				mulaw, err := audio.AgentToTelephony(ev.Audio)
				if err != nil {
					continue
				}
				if err := c.stream.SendMedia(mulaw); err != nil && err != carrier.ErrStreamClosed {
					c.logger.Warn("carrier send failed", "error", err)
				}
			case agent.EventTranscriptFinal:
				c.sess.AppendTranscript(ev.Role + ": " + ev.Text)
			case agent.EventTranscriptPartial:
				// Partials are replaced by finals; nothing to keep.
			case agent.EventAction:
				c.handleAction(ctx, ev.Action)
			case agent.EventError:
				c.logger.Warn("agent error", "error", ev.Err)
			case agent.EventClosed:
				if ev.Err != nil {
					c.logger.Warn("agent closed", "error", ev.Err)
				}
			}
		}
	}
}

func (c *call) handleAction(ctx context.Context, act agent.ActionRequest) {
	switch act.Name {
	case "transfer_call":
		var args struct {
			Reason    string `json:"reason"`
			Emergency bool   `json:"emergency"`
		}
		_ = json.Unmarshal(act.Arguments, &args)
		go c.startTransfer(ctx, args.Reason, args.Emergency)
	case "end_call":
		c.finish(session.StatusCompleted, "agent wrapped up the call")
	default:
		c.logger.Warn("unknown agent action", "action", act.Name)
	}
}

// startTransfer moves the session to Transferring and runs the handoff. At
// most one transfer runs at a time; extra triggers are dropped.
func (c *call) startTransfer(ctx context.Context, reason string, emergency bool) {
	if !c.transferring.CompareAndSwap(false, true) {
		return
	}
	defer c.transferring.Store(false)

	// The attempt row exists before the session leaves Active.
	h := c.b.transfers.Prepare(ctx, transfer.Request{
		Tenant:       c.cfg,
		CallID:       c.sess.CallID,
		CallerNumber: c.sess.CallerNumber,
		Emergency:    emergency,
		Reason:       reason,
	})
	if err := c.b.registry.Transition(c.sess.StreamID, session.StatusTransferring, ""); err != nil {
		c.logger.Warn("cannot enter transferring", "error", err)
		c.b.transfers.Abandon(ctx, h, "session not transferable: "+err.Error())
		return
	}
	c.logger.Info("transfer started", "reason", reason, "emergency", emergency)

	out, err := c.b.transfers.Execute(ctx, h)
	if err != nil {
		c.logger.Error("transfer failed", "error", err)
		if ctx.Err() != nil {
			return
		}
		c.resumeAgent("I wasn't able to reach anyone. How else can I help?")
		return
	}

	switch out.Result {
	case transfer.ResultAnswered:
		c.finish(session.StatusCompleted, "transferred to "+out.Target)
	case transfer.ResultVoicemail:
		c.resumeAgent("Nobody is available to take the call right now. Please let the caller know and take a detailed message, including a name and callback number.")
	case transfer.ResultCallback:
		c.resumeAgent("No one is available right now, but I've noted a callback request. Anything else?")
	case transfer.ResultResumedAI:
		c.resumeAgent("I couldn't reach anyone right now. How else can I help?")
	case transfer.ResultFailed:
		c.finish(session.StatusFailed, "transfer failed")
	}
}

// resumeAgent returns the session to Active after a handoff that did not
// connect a human, prompting the agent with what to do next.
func (c *call) resumeAgent(line string) {
	if err := c.b.registry.Transition(c.sess.StreamID, session.StatusActive, ""); err != nil {
		c.logger.Warn("cannot resume after transfer", "error", err)
		return
	}
	if a := c.currentAgent(); a != nil {
		_ = a.SendPrompt(line)
	}
}

// connectAgent dials the agent with bounded exponential backoff, starting
// at the given attempt number.
func (c *call) connectAgent(ctx context.Context, firstAttempt int) (AgentConn, error) {
	settings := agent.SessionSettings{
		CallID:       c.stream.CallSID(),
		TenantID:     c.cfg.ID,
		BusinessName: c.cfg.BusinessName,
		AgentName:    c.cfg.AgentName,
		Voice:        c.cfg.Voice,
		Language:     c.cfg.Language,
		Greeting:     c.cfg.Greeting,
		Services:     c.cfg.Services,
		CallerNumber: c.sess.CallerNumber,
		SampleRate:   8000,
	}

	var lastErr error
	delay := c.b.opts.ReconnectBaseDelay
	for attempt := firstAttempt; attempt <= c.b.opts.ReconnectMaxAttempts; attempt++ {
		a, err := c.b.dialAgent(ctx, settings)
		if err == nil {
			return a, nil
		}
		lastErr = err
		c.logger.Warn("agent dial failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.b.opts.ReconnectMaxDelay {
			delay = c.b.opts.ReconnectMaxDelay
		}
	}
	return nil, lastErr
}

// reconnectAgent redials while feeding the caller hold silence so the
// carrier does not treat the line as dead.
func (c *call) reconnectAgent(ctx context.Context) (AgentConn, error) {
	holdCtx, stopHold := context.WithCancel(ctx)
	defer stopHold()
	go c.holdAudio(holdCtx)

	return c.connectAgent(ctx, 1)
}

// holdAudio sends silence frames at the telephony frame rate.
func (c *call) holdAudio(ctx context.Context) {
	frame := audio.SilentTelephonyFrame()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.stream.SendMedia(frame); err != nil {
				return
			}
		}
	}
}

// watchdog prompts the caller after sustained silence and ends the call if
// the silence continues past the grace window.
func (c *call) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.b.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.sess.Status() != session.StatusActive {
				continue
			}
			idle := c.b.clock().Sub(c.sess.LastActivity())
			switch {
			case idle <= c.b.opts.SilenceTimeout:
				c.prompted.Store(false)
			case !c.prompted.Load():
				c.prompted.Store(true)
				c.logger.Info("silence detected, prompting caller", "idle", idle)
				if a := c.currentAgent(); a != nil {
					_ = a.SendPrompt("Are you still there?")
				}
			case idle > c.b.opts.SilenceTimeout+c.b.opts.LivenessGrace:
				c.finish(session.StatusCompleted, "silence timeout")
				return
			}
		}
	}
}

// usageLoop flushes the meter on an interval so a crash loses at most one
// window of usage.
func (c *call) usageLoop(ctx context.Context) {
	ticker := time.NewTicker(c.b.opts.UsageFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushUsage(false)
		}
	}
}

func (c *call) flushUsage(final bool) {
	c.rollMeterSeconds()
	for _, e := range c.meter.Flush(c.b.clock().UTC()) {
		if final {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := c.b.recorder.RecordSync(ctx, e); err != nil {
				c.logger.Error("final usage fold failed", "event_id", e.ID, "error", err)
			}
			cancel()
			continue
		}
		if err := c.b.recorder.Record(e); err != nil {
			c.logger.Error("usage record failed", "event_id", e.ID, "error", err)
		}
	}
}

func (c *call) touch() {
	c.sess.TouchActivity(c.b.clock().UTC())
}

func (c *call) addInboundMs(ms int64) {
	c.msMu.Lock()
	c.inboundMs += ms
	c.msMu.Unlock()
}

func (c *call) addOutboundMs(ms int64) {
	c.msMu.Lock()
	c.outboundMs += ms
	c.msMu.Unlock()
}

// rollMeterSeconds moves whole seconds of accumulated audio into the meter,
// keeping the sub-second remainder for the next flush.
func (c *call) rollMeterSeconds() {
	c.msMu.Lock()
	in, out := c.inboundMs/1000, c.outboundMs/1000
	c.inboundMs %= 1000
	c.outboundMs %= 1000
	c.msMu.Unlock()
	c.meter.AddInboundSeconds(in)
	c.meter.AddOutboundSeconds(out)
}

// teardown closes both legs, flushes the last usage window and removes the
// session. Runs exactly once, from Run's defer.
func (c *call) teardown() {
	// The call may end without a terminal transition (e.g. server shutdown
	// canceling the parent context).
	c.finish(session.StatusFailed, "bridge shut down")

	snap := c.sess.Snapshot()
	if a := c.currentAgent(); a != nil {
		_ = a.End(snap.EndReason)
	}
	_ = c.stream.Close()

	c.flushUsage(true)

	// Write the history row here rather than trusting the async lifecycle
	// feed, which sheds events under load.
	if c.b.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.b.sink.ArchiveSnapshot(ctx, snap); err != nil {
			c.logger.Error("call archive failed", "error", err)
		}
		cancel()
	}

	if err := c.b.registry.Remove(c.sess.StreamID); err != nil {
		c.logger.Error("session remove failed", "error", err)
	}
}
