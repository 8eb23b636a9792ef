package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresTenantAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeForceHangup}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{TenantID: "ten_1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogForceHangup(context.Background(), "ten_1", "u", "super_admin", "1.2.3.4", "CA123", "stuck session"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeForceHangup {
		t.Fatalf("expected force_hangup")
	}
	if evs[0].CallID != "CA123" {
		t.Fatalf("expected call id captured")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}

func TestService_CacheInvalidateEvent(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogCacheInvalidate(context.Background(), "ten_1", "u", "owner", "", "+15550100"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].Number != "+15550100" {
		t.Fatalf("expected number captured: %+v", evs)
	}
}
