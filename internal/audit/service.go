package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogForceHangup records an operator terminating a live call.
func (s *Service) LogForceHangup(ctx context.Context, tenantID, actorUserID, actorRole, ip, callID, reason string) error {
	return s.Append(ctx, Event{
		TenantID:    tenantID,
		Type:        EventTypeForceHangup,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallID:      callID,
		Message:     reason,
	})
}

// LogCacheInvalidate records an operator flushing a tenant's number cache.
func (s *Service) LogCacheInvalidate(ctx context.Context, tenantID, actorUserID, actorRole, ip, number string) error {
	return s.Append(ctx, Event{
		TenantID:    tenantID,
		Type:        EventTypeCacheInvalidate,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Number:      number,
		Message:     "tenant cache invalidated",
	})
}
