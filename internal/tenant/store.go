package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("tenant: not found")

// Store loads tenant configuration. Implementations must never synthesize a
// tenant for an unknown number.
type Store interface {
	ByNumber(ctx context.Context, number string) (Config, error)
	ByID(ctx context.Context, tenantID string) (Config, error)
}

// PostgresStore reads tenant settings from the tenants table. Hours and
// services are stored as JSONB and unpacked here.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `
id, business_name, phone_number, timezone, agent_name, voice, language, greeting,
services, hours, primary_transfer_number, emergency_transfer_number,
transfer_timeout_seconds, transfer_fallback, transfer_max_attempts, after_hours, closed_message,
voicemail_enabled, max_concurrent_calls, active,
plan_name, included_minutes, monthly_price_minor, overage_rate_per_minute_minor
`

func (s *PostgresStore) ByNumber(ctx context.Context, number string) (Config, error) {
	const q = `
SELECT ` + tenantColumns + `
FROM tenants
WHERE phone_number = $1 AND active = TRUE
`
	return s.scanOne(s.db.QueryRowContext(ctx, q, number))
}

func (s *PostgresStore) ByID(ctx context.Context, tenantID string) (Config, error) {
	const q = `
SELECT ` + tenantColumns + `
FROM tenants
WHERE id = $1
`
	return s.scanOne(s.db.QueryRowContext(ctx, q, tenantID))
}

func (s *PostgresStore) scanOne(row *sql.Row) (Config, error) {
	var (
		c            Config
		servicesJSON []byte
		hoursJSON    []byte
		timeoutSecs  int
	)
	err := row.Scan(
		&c.ID,
		&c.BusinessName,
		&c.PhoneNumber,
		&c.Timezone,
		&c.AgentName,
		&c.Voice,
		&c.Language,
		&c.Greeting,
		&servicesJSON,
		&hoursJSON,
		&c.PrimaryTransferNumber,
		&c.EmergencyTransferNumber,
		&timeoutSecs,
		&c.TransferFallback,
		&c.TransferMaxAttempts,
		&c.AfterHours,
		&c.ClosedMessage,
		&c.VoicemailEnabled,
		&c.MaxConcurrentCalls,
		&c.Active,
		&c.Plan.Name,
		&c.Plan.IncludedMinutes,
		&c.Plan.MonthlyPriceMinor,
		&c.Plan.OverageRatePerMinor,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, err
	}
	c.TransferTimeout = time.Duration(timeoutSecs) * time.Second
	if len(servicesJSON) > 0 {
		if err := json.Unmarshal(servicesJSON, &c.Services); err != nil {
			return Config{}, err
		}
	}
	if len(hoursJSON) > 0 {
		if err := json.Unmarshal(hoursJSON, &c.Hours); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}
