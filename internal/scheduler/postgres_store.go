package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
)

// PostgresStore persists scheduled payments in PostgreSQL. It shares
// the database (and migrations) with the ledger's PostgresStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, from_account, to_account, amount::TEXT, type,
	COALESCE(meta, '{}'), schedule, status, enabled,
	execution_count, failure_count, COALESCE(last_error, ''),
	next_execute_at, last_executed_at,
	COALESCE(max_executions, 0), expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, sp *ScheduledPayment) error {
	meta, err := json.Marshal(orEmpty(sp.Meta))
	if err != nil {
		return storageErr(err)
	}
	schedule, err := json.Marshal(sp.Schedule)
	if err != nil {
		return storageErr(err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO scheduled_payments (
			id, from_account, to_account, amount, type, meta, schedule,
			status, enabled, execution_count, failure_count,
			last_error, next_execute_at, last_executed_at,
			max_executions, expires_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,8), $5, $6, $7,
			$8, $9, $10, $11,
			NULLIF($12, ''), $13, $14,
			NULLIF($15, 0), $16
		)
	`, sp.ID, sp.From, sp.To, sp.Amount, sp.Type, meta, schedule,
		sp.Status, sp.Enabled, sp.ExecutionCount, sp.FailureCount,
		sp.LastError, sp.NextExecuteAt, sp.LastExecutedAt,
		sp.MaxExecutions, sp.ExpiresAt)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ScheduledPayment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM scheduled_payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) Update(ctx context.Context, sp *ScheduledPayment) error {
	meta, err := json.Marshal(orEmpty(sp.Meta))
	if err != nil {
		return storageErr(err)
	}
	schedule, err := json.Marshal(sp.Schedule)
	if err != nil {
		return storageErr(err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_payments SET
			meta             = $2,
			schedule         = $3,
			status           = $4,
			enabled          = $5,
			execution_count  = $6,
			failure_count    = $7,
			last_error       = NULLIF($8, ''),
			next_execute_at  = $9,
			last_executed_at = $10,
			max_executions   = NULLIF($11, 0),
			expires_at       = $12,
			updated_at       = NOW()
		WHERE id = $1
	`, sp.ID, meta, schedule, sp.Status, sp.Enabled,
		sp.ExecutionCount, sp.FailureCount, sp.LastError,
		sp.NextExecuteAt, sp.LastExecutedAt, sp.MaxExecutions, sp.ExpiresAt)
	if err != nil {
		return storageErr(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ledger.ErrScheduleNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*ScheduledPayment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM scheduled_payments
		WHERE ($1 = '' OR from_account = $1 OR to_account = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, f.AccountID, f.Status, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM scheduled_payments
		WHERE enabled
		  AND status IN ('PENDING', 'ACTIVE')
		  AND next_execute_at IS NOT NULL
		  AND next_execute_at <= $1
		ORDER BY next_execute_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*ScheduledPayment, error) {
	var (
		sp       ScheduledPayment
		meta     []byte
		schedule []byte
	)
	err := row.Scan(
		&sp.ID, &sp.From, &sp.To, &sp.Amount, &sp.Type,
		&meta, &schedule, &sp.Status, &sp.Enabled,
		&sp.ExecutionCount, &sp.FailureCount, &sp.LastError,
		&sp.NextExecuteAt, &sp.LastExecutedAt,
		&sp.MaxExecutions, &sp.ExpiresAt, &sp.CreatedAt, &sp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrScheduleNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if err := json.Unmarshal(meta, &sp.Meta); err != nil {
		return nil, storageErr(err)
	}
	if err := json.Unmarshal(schedule, &sp.Schedule); err != nil {
		return nil, storageErr(err)
	}
	if len(sp.Meta) == 0 {
		sp.Meta = nil
	}
	return &sp, nil
}

func scanPayments(rows *sql.Rows) ([]*ScheduledPayment, error) {
	var result []*ScheduledPayment
	for rows.Next() {
		sp, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return result, nil
}

func storageErr(err error) error {
	return ledger.Errorf(ledger.CodeStorage, "scheduler storage: %v", err)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
