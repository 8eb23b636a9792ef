package calls

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("calls: not found")

// Repository stores finished-call history rows.
type Repository interface {
	Upsert(ctx context.Context, r Record) error
	ByCallID(ctx context.Context, tenantID, callID string) (Record, error)
	Recent(ctx context.Context, tenantID string, limit int) ([]Record, error)
}

const recordColumns = `
call_id, stream_id, tenant_id, caller_number, callee_number,
status, end_reason, transcript, started_at, ended_at, duration_seconds
`

// PostgresRepo assumes a calls table keyed by call_id. Upsert makes the
// archive path safe to retry; a terminal snapshot never changes once written,
// so the last write always carries the same values.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Upsert(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO calls (` + recordColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (call_id) DO UPDATE SET
  status = EXCLUDED.status,
  end_reason = EXCLUDED.end_reason,
  transcript = EXCLUDED.transcript,
  ended_at = EXCLUDED.ended_at,
  duration_seconds = EXCLUDED.duration_seconds
`
	_, err := r.db.ExecContext(ctx, q,
		rec.CallID, rec.StreamID, rec.TenantID, rec.CallerNumber, rec.CalleeNumber,
		rec.Status, rec.EndReason, rec.Transcript, rec.StartedAt, rec.EndedAt, rec.DurationSeconds,
	)
	return err
}

func (r *PostgresRepo) ByCallID(ctx context.Context, tenantID, callID string) (Record, error) {
	const q = `
SELECT ` + recordColumns + `
FROM calls
WHERE tenant_id = $1 AND call_id = $2
`
	return scanOne(r.db.QueryRowContext(ctx, q, tenantID, callID))
}

func (r *PostgresRepo) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `
SELECT ` + recordColumns + `
FROM calls
WHERE tenant_id = $1
ORDER BY started_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.CallID, &rec.StreamID, &rec.TenantID, &rec.CallerNumber, &rec.CalleeNumber,
			&rec.Status, &rec.EndReason, &rec.Transcript, &rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanOne(row *sql.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.CallID, &rec.StreamID, &rec.TenantID, &rec.CallerNumber, &rec.CalleeNumber,
		&rec.Status, &rec.EndReason, &rec.Transcript, &rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MemoryRepo keeps history rows in memory for tests.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]Record)}
}

func (r *MemoryRepo) Upsert(ctx context.Context, rec Record) error {
	r.mu.Lock()
	r.rows[rec.CallID] = rec
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepo) ByCallID(ctx context.Context, tenantID, callID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[callID]
	if !ok || rec.TenantID != tenantID {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.rows {
		if rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
