package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"receptionist-core/internal/tenant"
	"receptionist-core/pkg/utils"
)

var ErrNoSummary = errors.New("usage: no summary for period")

// Repository persists events and folded summaries.
//
// FoldEvent must be atomic and idempotent: the event row and the summary
// update land together, and a second fold of the same event ID is a no-op
// that reports inserted=false.
type Repository interface {
	FoldEvent(ctx context.Context, e Event, plan tenant.Plan, now time.Time) (MonthlySummary, bool, error)
	Summary(ctx context.Context, tenantID, month string) (MonthlySummary, error)
}

// PostgresRepo assumes the following tables:
// - usage_events (immutable, PRIMARY KEY id)
// - usage_monthly_summaries (PRIMARY KEY (tenant_id, month))
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FoldEvent(ctx context.Context, e Event, plan tenant.Plan, now time.Time) (MonthlySummary, bool, error) {
	var out MonthlySummary
	inserted := false

	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the summary row first so concurrent folds for one tenant
		// serialize; folds for different tenants do not contend.
		month := e.Month()
		s, err := summaryForUpdate(ctx, tx, e.TenantID, month)
		if err != nil && !errors.Is(err, ErrNoSummary) {
			return err
		}
		s.TenantID = e.TenantID
		s.Month = month

		res, err := tx.ExecContext(ctx, `
INSERT INTO usage_events (id, tenant_id, call_id, kind, amount, at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING
`, e.ID, e.TenantID, e.CallID, e.Kind, e.Amount, e.At)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already folded; return the current summary unchanged.
			out = s
			return nil
		}
		inserted = true

		s.apply(e, plan, now)
		if err := upsertSummary(ctx, tx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return MonthlySummary{}, false, err
	}
	return out, inserted, nil
}

func (r *PostgresRepo) Summary(ctx context.Context, tenantID, month string) (MonthlySummary, error) {
	const q = `
SELECT tenant_id, month, inbound_seconds, outbound_seconds, agent_tokens, synthesized_chars,
       included_minutes, billable_minutes, overage_minutes, overage_cost_minor, updated_at
FROM usage_monthly_summaries
WHERE tenant_id = $1 AND month = $2
`
	return scanSummary(r.db.QueryRowContext(ctx, q, tenantID, month))
}

func summaryForUpdate(ctx context.Context, tx *sql.Tx, tenantID, month string) (MonthlySummary, error) {
	const q = `
SELECT tenant_id, month, inbound_seconds, outbound_seconds, agent_tokens, synthesized_chars,
       included_minutes, billable_minutes, overage_minutes, overage_cost_minor, updated_at
FROM usage_monthly_summaries
WHERE tenant_id = $1 AND month = $2
FOR UPDATE
`
	return scanSummary(tx.QueryRowContext(ctx, q, tenantID, month))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (MonthlySummary, error) {
	var s MonthlySummary
	err := row.Scan(
		&s.TenantID,
		&s.Month,
		&s.InboundSeconds,
		&s.OutboundSeconds,
		&s.AgentTokens,
		&s.SynthesizedChars,
		&s.IncludedMinutes,
		&s.BillableMinutes,
		&s.OverageMinutes,
		&s.OverageCostMinor,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MonthlySummary{}, ErrNoSummary
		}
		return MonthlySummary{}, err
	}
	return s, nil
}

func upsertSummary(ctx context.Context, tx *sql.Tx, s MonthlySummary) error {
	const q = `
INSERT INTO usage_monthly_summaries (
  tenant_id, month, inbound_seconds, outbound_seconds, agent_tokens, synthesized_chars,
  included_minutes, billable_minutes, overage_minutes, overage_cost_minor, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (tenant_id, month)
DO UPDATE SET inbound_seconds = EXCLUDED.inbound_seconds,
              outbound_seconds = EXCLUDED.outbound_seconds,
              agent_tokens = EXCLUDED.agent_tokens,
              synthesized_chars = EXCLUDED.synthesized_chars,
              included_minutes = EXCLUDED.included_minutes,
              billable_minutes = EXCLUDED.billable_minutes,
              overage_minutes = EXCLUDED.overage_minutes,
              overage_cost_minor = EXCLUDED.overage_cost_minor,
              updated_at = EXCLUDED.updated_at
`
	_, err := tx.ExecContext(ctx, q,
		s.TenantID,
		s.Month,
		s.InboundSeconds,
		s.OutboundSeconds,
		s.AgentTokens,
		s.SynthesizedChars,
		s.IncludedMinutes,
		s.BillableMinutes,
		s.OverageMinutes,
		s.OverageCostMinor,
		s.UpdatedAt,
	)
	return err
}
