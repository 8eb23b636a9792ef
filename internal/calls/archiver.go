package calls

import (
	"context"
	"log/slog"
	"time"

	"receptionist-core/internal/session"
)

// Archiver writes the history row for calls that reach a terminal state.
// The bridge calls ArchiveSnapshot synchronously on teardown; Run also
// drains the registry's lifecycle feed as a second path. The upsert keys on
// call id, so the two never conflict.
type Archiver struct {
	repo   Repository
	logger *slog.Logger
}

func NewArchiver(repo Repository, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{repo: repo, logger: logger}
}

// Run drains events until ctx is canceled. Non-terminal transitions are
// ignored; terminal snapshots are upserted so retried events are harmless.
func (a *Archiver) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.To.Terminal() {
				continue
			}
			a.archive(ev.Snapshot)
		}
	}
}

// ArchiveSnapshot persists one finished call's summary row.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snap session.Snapshot) error {
	return a.repo.Upsert(ctx, FromSnapshot(snap))
}

func (a *Archiver) archive(snap session.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.ArchiveSnapshot(ctx, snap); err != nil {
		a.logger.Error("call archive failed",
			"call_id", snap.CallID,
			"tenant_id", snap.TenantID,
			"error", err,
		)
		return
	}
	a.logger.Info("call archived",
		"call_id", snap.CallID,
		"tenant_id", snap.TenantID,
		"status", string(snap.Status),
		"duration_s", snap.DurationSeconds,
	)
}
