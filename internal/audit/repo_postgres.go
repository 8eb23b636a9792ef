package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo assumes an audit_events table with PRIMARY KEY id.
// The table is INSERT-only; no update or delete paths exist here.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, tenant_id, type, actor_user_id, actor_role, ip_address,
  call_id, transfer_id, number, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.TenantID, e.Type, e.ActorUserID, e.ActorRole, e.IPAddress,
		e.CallID, e.TransferID, e.Number, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}
