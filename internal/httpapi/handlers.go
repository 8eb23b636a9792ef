package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"receptionist-core/internal/auth"
	"receptionist-core/internal/calls"
	"receptionist-core/internal/rbac"
	"receptionist-core/internal/session"
	"receptionist-core/internal/tenant"
	"receptionist-core/internal/usage"

	"github.com/gin-gonic/gin"
)

// CallControl is the subset of the REST dialer the ops API needs.
// Satisfied by *carrier.Dialer.
type CallControl interface {
	HangupCall(ctx context.Context, callSID string) error
}

// Auditor records operator actions. Satisfied by *audit.Service.
type Auditor interface {
	LogForceHangup(ctx context.Context, tenantID, actorUserID, actorRole, ip, callID, reason string) error
	LogCacheInvalidate(ctx context.Context, tenantID, actorUserID, actorRole, ip, number string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Registry *session.Registry
	Resolver *tenant.Resolver
	Recorder *usage.Recorder
	Calls    calls.Repository
	Control  CallControl
	Audit    Auditor
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.TenantID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, tenant_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.TenantID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Live sessions ---

// ListSessions returns snapshots of the caller's live sessions.
// super_admin sees every tenant's calls.
func (h Handlers) ListSessions(c *gin.Context) {
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}
	role, _ := auth.Role(c.Request.Context())

	all := h.Registry.Snapshots()
	out := make([]session.Snapshot, 0, len(all))
	for _, snap := range all {
		if rbac.IsSuperAdmin(role) || snap.TenantID == tenantID {
			out = append(out, snap)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// GetSession returns one live session snapshot, transcript included.
func (h Handlers) GetSession(c *gin.Context) {
	snap, ok := h.sessionForCaller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ForceHangup asks the carrier to end a live call. The bridge observes the
// resulting stop event and completes the session through the normal path;
// nothing here touches registry state directly.
func (h Handlers) ForceHangup(c *gin.Context) {
	if h.Control == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call control not configured"})
		return
	}
	snap, ok := h.sessionForCaller(c)
	if !ok {
		return
	}
	if snap.CallID == "" {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session has no carrier call"})
		return
	}
	if err := h.Control.HangupCall(c.Request.Context(), snap.CallID); err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "carrier hangup failed"})
		return
	}

	if h.Audit != nil {
		userID, _ := auth.UserID(c.Request.Context())
		role, _ := auth.Role(c.Request.Context())
		_ = h.Audit.LogForceHangup(c.Request.Context(), snap.TenantID, userID, role, c.ClientIP(), snap.CallID, "operator hangup")
	}
	c.JSON(http.StatusAccepted, gin.H{"call_id": snap.CallID, "status": "hangup requested"})
}

// sessionForCaller fetches the :session_id snapshot and enforces tenant
// isolation. Writes the error response itself when it returns ok=false.
func (h Handlers) sessionForCaller(c *gin.Context) (session.Snapshot, bool) {
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return session.Snapshot{}, false
	}
	role, _ := auth.Role(c.Request.Context())

	streamID := c.Param("session_id")
	sess, err := h.Registry.Get(streamID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return session.Snapshot{}, false
	}
	snap := sess.Snapshot()
	if !rbac.IsSuperAdmin(role) && snap.TenantID != tenantID {
		// Do not leak existence across tenants.
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return session.Snapshot{}, false
	}
	return snap, true
}

// --- Usage ---

// UsageSummary returns the caller tenant's folded summary for one month.
// ?month=YYYY-MM, defaulting to the current UTC month. A month with no
// events returns a zeroed summary rather than 404.
func (h Handlers) UsageSummary(c *gin.Context) {
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}

	month := c.Query("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
		return
	}

	sum, err := h.Recorder.Summary(c.Request.Context(), tenantID, month)
	if errors.Is(err, usage.ErrNoSummary) {
		c.JSON(http.StatusOK, usage.MonthlySummary{TenantID: tenantID, Month: month})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary lookup failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Call history ---

func (h Handlers) RecentCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history not configured"})
		return
	}
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}
	recs, err := h.Calls.Recent(c.Request.Context(), tenantID, 50)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if recs == nil {
		recs = []calls.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs, "count": len(recs)})
}

func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call history not configured"})
		return
	}
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}
	rec, err := h.Calls.ByCallID(c.Request.Context(), tenantID, c.Param("call_id"))
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Tenant cache ---

type invalidateCacheRequest struct {
	Number string `json:"number"`
}

// InvalidateTenantCache drops the cached config snapshot for a number. The
// dashboard calls this after a settings save so the next call sees fresh
// config.
func (h Handlers) InvalidateTenantCache(c *gin.Context) {
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}

	var req invalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Number == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "number required"})
		return
	}
	if err := h.Resolver.Invalidate(c.Request.Context(), req.Number); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "invalidate failed"})
		return
	}

	if h.Audit != nil {
		userID, _ := auth.UserID(c.Request.Context())
		role, _ := auth.Role(c.Request.Context())
		_ = h.Audit.LogCacheInvalidate(c.Request.Context(), tenantID, userID, role, c.ClientIP(), req.Number)
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": req.Number})
}

// Convenience middleware bundles.

func RequireTenantAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireTenant(), rbac.RequireAnyRole(roles...)}
}
