package transfer

import (
	"context"
	"database/sql"
	"sync"
)

// Repository stores the append-only attempt history.
type Repository interface {
	Append(ctx context.Context, a Attempt) error
	History(ctx context.Context, callID string) ([]Attempt, error)
}

// PostgresRepo assumes a transfer_attempts table with PRIMARY KEY id and an
// index on call_id.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, a Attempt) error {
	const q = `
INSERT INTO transfer_attempts (
  id, transfer_id, tenant_id, call_id, dial_sid, target, attempt, status, detail, at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		a.ID, a.TransferID, a.TenantID, a.CallID, a.DialSID,
		a.Target, a.Attempt, a.Status, a.Detail, a.At,
	)
	return err
}

func (r *PostgresRepo) History(ctx context.Context, callID string) ([]Attempt, error) {
	const q = `
SELECT id, transfer_id, tenant_id, call_id, dial_sid, target, attempt, status, detail, at
FROM transfer_attempts
WHERE call_id = $1
ORDER BY at ASC
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(
			&a.ID, &a.TransferID, &a.TenantID, &a.CallID, &a.DialSID,
			&a.Target, &a.Attempt, &a.Status, &a.Detail, &a.At,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MemoryRepo keeps attempt rows in memory for tests.
type MemoryRepo struct {
	mu   sync.Mutex
	rows []Attempt
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (r *MemoryRepo) Append(ctx context.Context, a Attempt) error {
	r.mu.Lock()
	r.rows = append(r.rows, a)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepo) History(ctx context.Context, callID string) ([]Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Attempt
	for _, a := range r.rows {
		if a.CallID == callID {
			out = append(out, a)
		}
	}
	return out, nil
}
