package calls

import (
	"context"
	"testing"
	"time"

	"receptionist-core/internal/session"
)

func terminalSnapshot() session.Snapshot {
	start := time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC)
	return session.Snapshot{
		StreamID:        "MZ1",
		CallID:          "CA1",
		TenantID:        "ten_1",
		CallerNumber:    "+15550100",
		CalleeNumber:    "+15550111",
		Status:          session.StatusCompleted,
		StartedAt:       start,
		EndedAt:         start.Add(95 * time.Second),
		EndReason:       "caller hung up",
		Transcript:      "caller: hi\nagent: hello",
		DurationSeconds: 95,
	}
}

func TestFromSnapshot(t *testing.T) {
	rec := FromSnapshot(terminalSnapshot())
	if rec.CallID != "CA1" || rec.TenantID != "ten_1" {
		t.Fatalf("unexpected identity: %+v", rec)
	}
	if rec.Status != session.StatusCompleted || rec.EndReason != "caller hung up" {
		t.Fatalf("unexpected outcome: %+v", rec)
	}
	if rec.DurationSeconds != 95 {
		t.Fatalf("expected duration carried over, got %d", rec.DurationSeconds)
	}
}

func TestArchiverWritesTerminalTransitionsOnly(t *testing.T) {
	repo := NewMemoryRepo()
	arch := NewArchiver(repo, nil)

	events := make(chan session.Event, 4)
	snap := terminalSnapshot()

	active := snap
	active.Status = session.StatusActive
	events <- session.Event{StreamID: "MZ1", TenantID: "ten_1", To: session.StatusActive, Snapshot: active}
	events <- session.Event{StreamID: "MZ1", TenantID: "ten_1", To: session.StatusCompleted, Snapshot: snap}
	close(events)

	arch.Run(context.Background(), events)

	if repo.Len() != 1 {
		t.Fatalf("expected 1 archived row, got %d", repo.Len())
	}
	rec, err := repo.ByCallID(context.Background(), "ten_1", "CA1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Transcript != "caller: hi\nagent: hello" {
		t.Fatalf("unexpected transcript: %q", rec.Transcript)
	}
}

func TestArchiverUpsertIdempotent(t *testing.T) {
	repo := NewMemoryRepo()
	arch := NewArchiver(repo, nil)

	events := make(chan session.Event, 2)
	snap := terminalSnapshot()
	events <- session.Event{StreamID: "MZ1", To: session.StatusCompleted, Snapshot: snap}
	events <- session.Event{StreamID: "MZ1", To: session.StatusCompleted, Snapshot: snap}
	close(events)

	arch.Run(context.Background(), events)

	if repo.Len() != 1 {
		t.Fatalf("expected single row after replay, got %d", repo.Len())
	}
}

func TestMemoryRepoTenantIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	rec := FromSnapshot(terminalSnapshot())
	if err := repo.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := repo.ByCallID(context.Background(), "ten_other", "CA1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
}
