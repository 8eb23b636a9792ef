package main

import (
	"context"
	"log/slog"

	"receptionist-core/internal/auth"
	"receptionist-core/internal/bridge"
	"receptionist-core/internal/calls"
	"receptionist-core/internal/carrier"
	"receptionist-core/internal/config"
	"receptionist-core/internal/httpapi"
	"receptionist-core/internal/rbac"
	"receptionist-core/internal/session"
	"receptionist-core/internal/tenant"
	"receptionist-core/internal/transfer"
	"receptionist-core/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	cfg       config.Config
	auth      *auth.Manager
	registry  *session.Registry
	resolver  *tenant.Resolver
	recorder  *usage.Recorder
	calls     calls.Repository
	dialer    *carrier.Dialer
	audit     httpapi.Auditor
	bridge    *bridge.Bridge
	transfers *transfer.Orchestrator
	rdb       *redis.Client
	log       *slog.Logger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Carrier webhooks and the media stream (public).
	// NOTE: these should sit behind carrier signature validation at the edge
	// in production.
	wh := httpapi.Webhooks{
		Resolver:          d.resolver,
		Bridge:            bridgeAdapter{d.bridge},
		Transfers:         d.transfers,
		RDB:               d.rdb,
		Logger:            d.log,
		StreamURL:         d.cfg.MediaStreamURL(),
		MaxCallsPerTenant: d.cfg.Bridge.MaxCallsPerTenant,
		CallCapTTL:        d.cfg.Bridge.CallCapTTL,
	}
	r.POST("/webhooks/carrier/voice", wh.Voice)
	r.POST("/webhooks/carrier/dial-status", wh.DialStatus)
	r.POST("/webhooks/carrier/voicemail", wh.Voicemail)
	r.GET("/media-stream", wh.MediaStream)

	h := httpapi.Handlers{
		Auth:     d.auth,
		Registry: d.registry,
		Resolver: d.resolver,
		Recorder: d.recorder,
		Calls:    d.calls,
		Control:  d.dialer,
		Audit:    d.audit,
	}

	// Token issuance stays outside the authenticated group.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	v1.Use(rbac.RequireTenant())
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			tid, _ := auth.TenantID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "tenant_id": tid, "role": role})
		})

		// Live call inspection.
		sessions := v1.Group("/sessions")
		sessions.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleViewer))
		{
			sessions.GET("", h.ListSessions)
			sessions.GET("/:session_id", h.GetSession)
		}
		// Hanging up is more than viewing.
		v1.POST("/sessions/:session_id/hangup",
			rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator), h.ForceHangup)

		// Finished-call history.
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleViewer))
		{
			callsGroup.GET("", h.RecentCalls)
			callsGroup.GET("/:call_id", h.GetCall)
		}

		// Billing summary.
		v1.GET("/usage/summary",
			rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleViewer), h.UsageSummary)

		// Dashboard settings-save hook.
		v1.POST("/tenants/cache/invalidate",
			rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator), h.InvalidateTenantCache)
	}
}

// bridgeAdapter narrows *bridge.Bridge to the httpapi interface; the stream
// argument types differ only structurally.
type bridgeAdapter struct {
	b *bridge.Bridge
}

func (a bridgeAdapter) Run(ctx context.Context, stream httpapi.CarrierStream, cfg tenant.Config, callerNumber string) error {
	return a.b.Run(ctx, stream, cfg, callerNumber)
}
