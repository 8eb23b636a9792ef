package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"receptionist-core/internal/carrier"
	"receptionist-core/internal/tenant"
	"receptionist-core/pkg/logger"
	"receptionist-core/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Custom parameter names echoed back in the media-stream start event.
const (
	paramTenantNumber = "tenant_number"
	paramCaller       = "caller"
)

// BridgeRunner handles one accepted media stream end to end.
// Satisfied by *bridge.Bridge.
type BridgeRunner interface {
	Run(ctx context.Context, stream CarrierStream, cfg tenant.Config, callerNumber string) error
}

// CarrierStream mirrors bridge.CarrierStream so this package doesn't import
// the bridge package. *carrier.Stream satisfies both.
type CarrierStream interface {
	StreamSID() string
	CallSID() string
	ReadMessage() (carrier.Message, []byte, error)
	SendMedia(mulaw []byte) error
	SendClear() error
	Close() error
}

// DialStatusSink receives transfer-leg status callbacks.
// Satisfied by *transfer.Orchestrator.
type DialStatusSink interface {
	NotifyDialStatus(st carrier.DialStatus)
}

// Webhooks groups the public, carrier-facing endpoints. These run without
// JWT auth; the carrier authenticates at the network layer (signed webhooks
// are terminated at the edge in this deployment).
type Webhooks struct {
	Resolver  *tenant.Resolver
	Bridge    BridgeRunner
	Transfers DialStatusSink
	RDB       *redis.Client
	Logger    *slog.Logger

	// StreamURL is the wss:// endpoint written into answer TwiML.
	StreamURL     string
	StreamOptions carrier.StreamOptions

	// MaxCallsPerTenant is the deployment-wide cap used when a tenant has
	// no cap of its own; 0 disables capping.
	MaxCallsPerTenant int
	CallCapTTL        time.Duration
}

func (wh Webhooks) log() *slog.Logger {
	if wh.Logger != nil {
		return wh.Logger
	}
	return slog.Default()
}

// Voice answers the inbound-call webhook with TwiML. Unknown numbers are
// rejected without answering; known tenants get after-hours handling or a
// media-stream connect.
func (wh Webhooks) Voice(c *gin.Context) {
	in, err := carrier.ParseInboundCall(c.Request)
	if err != nil || in.To == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	log := logger.FromGin(c).With("call_sid", in.CallSID, "to", in.To)

	cfg, err := wh.Resolver.Resolve(c.Request.Context(), in.To)
	if err != nil {
		log.Info("rejecting call for unknown number")
		wh.respondTwiML(c, carrier.RejectTwiML)
		return
	}

	if !cfg.OpenNow(time.Now()) {
		switch cfg.AfterHours {
		case tenant.AfterHoursAnswer:
			// fall through to the normal answer path
		case tenant.AfterHoursVoicemail:
			if cfg.VoicemailEnabled {
				log.Info("after hours, sending to voicemail", "tenant_id", cfg.ID)
				xml, err := carrier.VoicemailTwiML(cfg.ClosedMessage, cfg.Voice, "/webhooks/carrier/voicemail")
				wh.writeTwiML(c, xml, err)
				return
			}
			fallthrough
		default:
			log.Info("after hours, playing closed message", "tenant_id", cfg.ID)
			xml, err := carrier.ClosedTwiML(cfg.ClosedMessage, cfg.Voice)
			wh.writeTwiML(c, xml, err)
			return
		}
	}

	xml, err := carrier.AnswerTwiML(wh.StreamURL, map[string]string{
		paramTenantNumber: in.To,
		paramCaller:       in.From,
	})
	wh.writeTwiML(c, xml, err)
}

// MediaStream upgrades the carrier's websocket and runs the bridge for the
// life of the call. The handler blocks until the call ends.
func (wh Webhooks) MediaStream(c *gin.Context) {
	stream, err := carrier.Accept(c.Writer, c.Request, wh.StreamOptions)
	if err != nil {
		wh.log().Warn("media stream handshake failed", "error", err)
		return
	}
	log := wh.log().With("stream_id", stream.StreamSID(), "call_id", stream.CallSID())

	number := stream.CustomParam(paramTenantNumber)
	cfg, err := wh.Resolver.Resolve(c.Request.Context(), number)
	if err != nil {
		log.Warn("no tenant for media stream", "number", number)
		_ = stream.Close()
		return
	}

	limit := cfg.MaxConcurrentCalls
	if limit <= 0 {
		limit = wh.MaxCallsPerTenant
	}
	if wh.RDB != nil && limit > 0 {
		key := utils.TenantCallCapKey(cfg.ID)
		ok, err := utils.AcquireConcurrencyCap(c.Request.Context(), wh.RDB, key, limit, wh.CallCapTTL)
		if err != nil {
			// Redis trouble must not take calls down with it.
			log.Warn("call cap check failed, admitting call", "error", err)
		} else if !ok {
			log.Info("tenant call cap reached, dropping stream", "tenant_id", cfg.ID, "limit", limit)
			_ = stream.Close()
			return
		} else {
			defer func() {
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = utils.ReleaseConcurrencyCap(relCtx, wh.RDB, key)
			}()
		}
	}

	caller := stream.CustomParam(paramCaller)
	if err := wh.Bridge.Run(c.Request.Context(), stream, cfg, caller); err != nil {
		log.Warn("bridge ended with error", "error", err)
	}
}

// DialStatus forwards transfer-leg status callbacks to the orchestrator.
func (wh Webhooks) DialStatus(c *gin.Context) {
	st, err := carrier.ParseDialStatus(c.Request)
	if err != nil || st.CallSID == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	wh.Transfers.NotifyDialStatus(st)
	c.Status(http.StatusNoContent)
}

// Voicemail acknowledges a recorded message. The recording stays with the
// carrier; only the pointer is logged for the dashboard to pick up.
func (wh Webhooks) Voicemail(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	logger.FromGin(c).Info("voicemail recorded",
		"call_sid", c.Request.PostFormValue("CallSid"),
		"from", c.Request.PostFormValue("From"),
		"recording_url", c.Request.PostFormValue("RecordingUrl"),
		"duration_s", c.Request.PostFormValue("RecordingDuration"),
	)
	xml, err := carrier.ClosedTwiML("Thank you. Your message has been recorded. Goodbye.", "")
	wh.writeTwiML(c, xml, err)
}

func (wh Webhooks) respondTwiML(c *gin.Context, build func() (string, error)) {
	xml, err := build()
	wh.writeTwiML(c, xml, err)
}

func (wh Webhooks) writeTwiML(c *gin.Context, xml string, err error) {
	if err != nil {
		wh.log().Error("twiml render failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Type", "text/xml; charset=utf-8")
	c.String(http.StatusOK, xml)
}
