package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/lucytrasero/ROBOX-sub001/internal/retry"
	"github.com/lucytrasero/ROBOX-sub001/migrations"
)

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on PostgreSQL. Balances are
// NUMERIC(20,8); non-negativity is enforced by CHECK constraints so an
// overdraft can never reach a committed state. Row locks are taken with
// SELECT ... FOR UPDATE inside Tx.
type PostgresStore struct {
	pgStore
	db *sql.DB
}

// pgStore carries the query methods so transaction-bound views reuse
// them against a *sql.Tx.
type pgStore struct {
	q    queryer
	inTx bool
}

// Connect opens a pooled connection, verifies it within the timeout,
// and applies pending migrations.
func Connect(ctx context.Context, databaseURL string, maxOpenConns int, connTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded migration suite in ascending order,
// recording versions in the migrations table.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetTableName("migrations")
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// NewPostgresStore wraps an already-connected database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgStore: pgStore{q: db}, db: db}
}

// DB exposes the pool for stats collection.
func (p *PostgresStore) DB() *sql.DB { return p.db }

// Tx opens a serializable transaction and runs fn against a view bound
// to it.
func (p *PostgresStore) Tx(ctx context.Context, fn func(s Store) error) error {
	// Serializable transactions abort with a serialization failure or a
	// deadlock under contention; both are safe to rerun from the top.
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := p.runTx(ctx, fn)
		if err != nil && !isRetryableTxError(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(s Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{pgStore: pgStore{q: tx, inTx: true}, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// isRetryableTxError reports serialization failures (40001) and
// deadlocks (40P01). The fee-sink credit locks a third row after the
// two canonically ordered party locks, so a transfer where the sink is
// itself a party can deadlock rather than serialization-fail.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// pgTx is the in-transaction view. Nested Tx calls use savepoints.
type pgTx struct {
	pgStore
	tx    *sql.Tx
	depth int
}

func (t *pgTx) Tx(ctx context.Context, fn func(s Store) error) error {
	name := fmt.Sprintf("sp_%d", t.depth+1)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	err := fn(&pgTx{pgStore: pgStore{q: t.tx, inTx: true}, tx: t.tx, depth: t.depth + 1})
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// mapPQError translates driver errors into engine errors. Check
// violations on the balance columns surface as INSUFFICIENT_FUNDS;
// unique violations depend on the constraint.
func mapPQError(err error) error {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return err
	}
	switch pqErr.Code {
	case "23514": // check_violation
		return ErrInsufficientFunds
	case "23505": // unique_violation
		if strings.Contains(pqErr.Constraint, "api_key") {
			return ErrDuplicateAPIKey
		}
		if strings.Contains(pqErr.Constraint, "idempotency") {
			return ErrIdempotencyConflict
		}
		return Errorf(CodeStorage, "unique violation: %s", pqErr.Constraint)
	}
	return err
}

const accountColumns = `id, COALESCE(name, ''), COALESCE(owner_id, ''), COALESCE(api_key, ''),
	balance::TEXT, frozen_balance::TEXT, roles, status, limits, metadata, tags, created_at, updated_at`

// --- accounts ---

func (p *pgStore) CreateAccount(ctx context.Context, a *Account) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO accounts (id, name, owner_id, api_key, balance, frozen_balance, roles, status, limits, metadata, tags, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5::NUMERIC(20,8), $6::NUMERIC(20,8), $7::JSONB, $8, $9::JSONB, $10::JSONB, $11::JSONB, $12, $13)
	`, a.ID, a.Name, a.OwnerID, a.APIKey, zeroIfEmpty(a.Balance), zeroIfEmpty(a.FrozenBalance),
		mustJSON(a.Roles), a.Status, mustJSON(a.Limits), mustJSON(a.Metadata), mustJSON(a.Tags),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapPQError(err)
	}
	if a.Balance == "" {
		a.Balance = "0.00000000"
	}
	if a.FrozenBalance == "" {
		a.FrozenBalance = "0.00000000"
	}
	return nil
}

func (p *pgStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *pgStore) GetAccountForUpdate(ctx context.Context, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if p.inTx {
		query += ` FOR UPDATE`
	}
	return scanAccount(p.q.QueryRowContext(ctx, query, id))
}

func (p *pgStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE api_key = $1`, apiKey)
	return scanAccount(row)
}

func (p *pgStore) GetAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (p *pgStore) ListAccounts(ctx context.Context, f AccountFilter) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Role != "" {
		args = append(args, fmt.Sprintf(`["%s"]`, f.Role))
		query += fmt.Sprintf(" AND roles @> $%d::JSONB", len(args))
	}
	if f.Tag != "" {
		args = append(args, fmt.Sprintf(`["%s"]`, f.Tag))
		query += fmt.Sprintf(" AND tags @> $%d::JSONB", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (p *pgStore) UpdateAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now()
	result, err := p.q.ExecContext(ctx, `
		UPDATE accounts SET
			name = NULLIF($2, ''), owner_id = NULLIF($3, ''), api_key = NULLIF($4, ''),
			roles = $5::JSONB, status = $6, limits = $7::JSONB, metadata = $8::JSONB, tags = $9::JSONB,
			updated_at = $10
		WHERE id = $1
	`, a.ID, a.Name, a.OwnerID, a.APIKey, mustJSON(a.Roles), a.Status,
		mustJSON(a.Limits), mustJSON(a.Metadata), mustJSON(a.Tags), a.UpdatedAt)
	if err != nil {
		return mapPQError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *pgStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := p.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	var rolesJSON, limitsJSON, metaJSON, tagsJSON []byte
	err := row.Scan(&a.ID, &a.Name, &a.OwnerID, &a.APIKey, &a.Balance, &a.FrozenBalance,
		&rolesJSON, &a.Status, &limitsJSON, &metaJSON, &tagsJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	unmarshalAccountJSON(a, rolesJSON, limitsJSON, metaJSON, tagsJSON)
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var result []*Account
	for rows.Next() {
		a := &Account{}
		var rolesJSON, limitsJSON, metaJSON, tagsJSON []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.OwnerID, &a.APIKey, &a.Balance, &a.FrozenBalance,
			&rolesJSON, &a.Status, &limitsJSON, &metaJSON, &tagsJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		unmarshalAccountJSON(a, rolesJSON, limitsJSON, metaJSON, tagsJSON)
		result = append(result, a)
	}
	return result, rows.Err()
}

func unmarshalAccountJSON(a *Account, roles, limits, meta, tags []byte) {
	_ = json.Unmarshal(roles, &a.Roles)
	if len(limits) > 0 && string(limits) != "null" {
		a.Limits = &Limits{}
		_ = json.Unmarshal(limits, a.Limits)
	}
	_ = json.Unmarshal(meta, &a.Metadata)
	_ = json.Unmarshal(tags, &a.Tags)
}

// --- transactions ---

const txColumns = `id, from_account, to_account, amount::TEXT, COALESCE(fee, 0)::TEXT, type, status,
	COALESCE(initiated_by, ''), COALESCE(escrow_id, ''), COALESCE(batch_id, ''), COALESCE(idempotency_key, ''),
	meta, created_at, completed_at`

func (p *pgStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO transactions (id, from_account, to_account, amount, fee, type, status, initiated_by, escrow_id, batch_id, idempotency_key, meta, created_at, completed_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5::NUMERIC(20,8), $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12::JSONB, $13, $14)
	`, t.ID, t.From, t.To, t.Amount, zeroIfEmpty(t.Fee), t.Type, t.Status,
		t.InitiatedBy, t.EscrowID, t.BatchID, t.IdempotencyKey, mustJSON(t.Meta), t.CreatedAt, t.CompletedAt)
	return mapPQError(err)
}

func (p *pgStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return scanTx(p.q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
}

func (p *pgStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	t, err := scanTx(p.q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if err == ErrTransactionNotFound {
		return nil, nil
	}
	return t, err
}

func (p *pgStore) UpdateTransaction(ctx context.Context, t *Transaction) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE transactions SET status = $2, meta = $3::JSONB, completed_at = $4 WHERE id = $1
	`, t.ID, t.Status, mustJSON(t.Meta), t.CompletedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *pgStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(" AND (from_account = $%d OR to_account = $%d)", len(args), len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.CreatedAfter.IsZero() {
		args = append(args, f.CreatedAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if f.MinAmount != "" {
		args = append(args, f.MinAmount)
		query += fmt.Sprintf(" AND amount >= $%d::NUMERIC(20,8)", len(args))
	}
	if f.MaxAmount != "" {
		args = append(args, f.MaxAmount)
		query += fmt.Sprintf(" AND amount <= $%d::NUMERIC(20,8)", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTxRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *pgStore) SumOutgoingSince(ctx context.Context, accountID string, since time.Time) (string, error) {
	var sum string
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM transactions
		WHERE from_account = $1 AND from_account <> to_account AND status = $2 AND created_at >= $3
	`, accountID, TxCompleted, since).Scan(&sum)
	return sum, err
}

func scanTx(row *sql.Row) (*Transaction, error) {
	t := &Transaction{}
	var metaJSON []byte
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.Fee, &t.Type, &t.Status,
		&t.InitiatedBy, &t.EscrowID, &t.BatchID, &t.IdempotencyKey, &metaJSON, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metaJSON, &t.Meta)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTxRow(rows *sql.Rows) (*Transaction, error) {
	t := &Transaction{}
	var metaJSON []byte
	var completedAt sql.NullTime
	if err := rows.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.Fee, &t.Type, &t.Status,
		&t.InitiatedBy, &t.EscrowID, &t.BatchID, &t.IdempotencyKey, &metaJSON, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metaJSON, &t.Meta)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// --- balance operations ---

func (p *pgStore) CreateBalanceOperation(ctx context.Context, op *BalanceOperation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	return p.q.QueryRowContext(ctx, `
		INSERT INTO balance_operations (account_id, kind, amount, balance_after, reason, transaction_id, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,8), $4::NUMERIC(20,8), NULLIF($5, ''), NULLIF($6, ''), $7)
		RETURNING id
	`, op.AccountID, op.Kind, op.Amount, op.BalanceAfter, op.Reason, op.TransactionID, op.CreatedAt).Scan(&op.ID)
}

func (p *pgStore) ListBalanceOperations(ctx context.Context, accountID string, limit int) ([]*BalanceOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, account_id, kind, amount::TEXT, balance_after::TEXT, COALESCE(reason, ''), COALESCE(transaction_id, ''), created_at
		FROM balance_operations WHERE account_id = $1 ORDER BY id DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*BalanceOperation
	for rows.Next() {
		op := &BalanceOperation{}
		if err := rows.Scan(&op.ID, &op.AccountID, &op.Kind, &op.Amount, &op.BalanceAfter,
			&op.Reason, &op.TransactionID, &op.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

// --- escrows ---

const escrowColumns = `id, from_account, to_account, amount::TEXT, status, COALESCE(condition, ''),
	COALESCE(dispute_reason, ''), expires_at, COALESCE(transaction_id, ''), created_at, updated_at`

func (p *pgStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO escrows (id, from_account, to_account, amount, status, condition, dispute_reason, expires_at, transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,8), $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11)
	`, e.ID, e.From, e.To, e.Amount, e.Status, e.Condition, e.DisputeReason, e.ExpiresAt, e.TransactionID, e.CreatedAt, e.UpdatedAt)
	return mapPQError(err)
}

func (p *pgStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	if p.inTx {
		query += ` FOR UPDATE`
	}
	e := &Escrow{}
	var expiresAt sql.NullTime
	err := p.q.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Status,
		&e.Condition, &e.DisputeReason, &expiresAt, &e.TransactionID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}

func (p *pgStore) UpdateEscrow(ctx context.Context, e *Escrow) error {
	e.UpdatedAt = time.Now()
	result, err := p.q.ExecContext(ctx, `
		UPDATE escrows SET status = $2, dispute_reason = NULLIF($3, ''), transaction_id = NULLIF($4, ''), updated_at = $5
		WHERE id = $1
	`, e.ID, e.Status, e.DisputeReason, e.TransactionID, e.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *pgStore) ListEscrows(ctx context.Context, f EscrowFilter) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []any
	if f.Party != "" {
		args = append(args, f.Party)
		query += fmt.Sprintf(" AND (from_account = $%d OR to_account = $%d)", len(args), len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	return p.queryEscrows(ctx, query, args...)
}

func (p *pgStore) ListDueEscrows(ctx context.Context, now time.Time) ([]*Escrow, error) {
	return p.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at
	`, EscrowPending, now)
}

func (p *pgStore) queryEscrows(ctx context.Context, query string, args ...any) ([]*Escrow, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Escrow
	for rows.Next() {
		e := &Escrow{}
		var expiresAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Status, &e.Condition,
			&e.DisputeReason, &expiresAt, &e.TransactionID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			e.ExpiresAt = &expiresAt.Time
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- batches ---

const batchColumns = `id, status, all_or_nothing, items, results, success_count, failed_count,
	total_amount::TEXT, COALESCE(idempotency_key, ''), COALESCE(initiated_by, ''), created_at, completed_at`

func (p *pgStore) CreateBatch(ctx context.Context, b *BatchTransfer) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO batch_transfers (id, status, all_or_nothing, items, results, success_count, failed_count, total_amount, idempotency_key, initiated_by, created_at, completed_at)
		VALUES ($1, $2, $3, $4::JSONB, $5::JSONB, $6, $7, $8::NUMERIC(20,8), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
	`, b.ID, b.Status, b.AllOrNothing, mustJSON(b.Items), mustJSON(b.Results),
		b.SuccessCount, b.FailedCount, b.TotalAmount, b.IdempotencyKey, b.InitiatedBy, b.CreatedAt, b.CompletedAt)
	return mapPQError(err)
}

func (p *pgStore) GetBatch(ctx context.Context, id string) (*BatchTransfer, error) {
	return scanBatch(p.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_transfers WHERE id = $1`, id))
}

func (p *pgStore) GetBatchByIdempotencyKey(ctx context.Context, key string) (*BatchTransfer, error) {
	b, err := scanBatch(p.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_transfers WHERE idempotency_key = $1`, key))
	if err == ErrTransactionNotFound {
		return nil, nil
	}
	return b, err
}

func (p *pgStore) UpdateBatch(ctx context.Context, b *BatchTransfer) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE batch_transfers SET status = $2, results = $3::JSONB, success_count = $4, failed_count = $5, completed_at = $6
		WHERE id = $1
	`, b.ID, b.Status, mustJSON(b.Results), b.SuccessCount, b.FailedCount, b.CompletedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func scanBatch(row *sql.Row) (*BatchTransfer, error) {
	b := &BatchTransfer{}
	var itemsJSON, resultsJSON []byte
	var completedAt sql.NullTime
	err := row.Scan(&b.ID, &b.Status, &b.AllOrNothing, &itemsJSON, &resultsJSON,
		&b.SuccessCount, &b.FailedCount, &b.TotalAmount, &b.IdempotencyKey, &b.InitiatedBy,
		&b.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(itemsJSON, &b.Items)
	_ = json.Unmarshal(resultsJSON, &b.Results)
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

// --- audit ---

func (p *pgStore) AppendAudit(ctx context.Context, e *AuditLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return p.q.QueryRowContext(ctx, `
		INSERT INTO audit_logs (action, entity_type, entity_id, actor_id, changes, meta, timestamp)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::JSONB, $6::JSONB, $7)
		RETURNING id
	`, e.Action, e.EntityType, e.EntityID, e.ActorID, mustJSON(e.Changes), mustJSON(e.Meta), e.Timestamp).Scan(&e.ID)
}

func (p *pgStore) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	query := `SELECT id, action, entity_type, entity_id, COALESCE(actor_id, ''), changes, meta, timestamp
		FROM audit_logs WHERE 1=1`
	var args []any
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		query += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditLogEntry
	for rows.Next() {
		e := &AuditLogEntry{}
		var changesJSON, metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.ActorID,
			&changesJSON, &metaJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(changesJSON, &e.Changes)
		_ = json.Unmarshal(metaJSON, &e.Meta)
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- balance primitives ---

func (p *pgStore) UpdateBalance(ctx context.Context, accountID, delta string) (string, error) {
	var newBalance string
	err := p.q.QueryRowContext(ctx, `
		UPDATE accounts SET
			balance    = balance + $2::NUMERIC(20,8),
			updated_at = NOW()
		WHERE id = $1
		RETURNING balance::TEXT
	`, accountID, delta).Scan(&newBalance)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", mapPQError(err)
	}
	return newBalance, nil
}

func (p *pgStore) FreezeBalance(ctx context.Context, accountID, amount string) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE accounts SET
			balance        = balance - $2::NUMERIC(20,8),
			frozen_balance = frozen_balance + $2::NUMERIC(20,8),
			updated_at     = NOW()
		WHERE id = $1
	`, accountID, amount)
	if err != nil {
		return mapPQError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *pgStore) UnfreezeBalance(ctx context.Context, accountID, amount string) error {
	result, err := p.q.ExecContext(ctx, `
		UPDATE accounts SET
			balance        = balance + $2::NUMERIC(20,8),
			frozen_balance = frozen_balance - $2::NUMERIC(20,8),
			updated_at     = NOW()
		WHERE id = $1
	`, accountID, amount)
	if err != nil {
		return mapPQError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// --- statistics ---

func (p *pgStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{AccountsByStatus: make(map[string]int)}

	rows, err := p.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.AccountsByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = p.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0)::TEXT, COALESCE(SUM(frozen_balance), 0)::TEXT FROM accounts
	`).Scan(&stats.TotalBalance, &stats.TotalFrozen)
	if err != nil {
		return nil, err
	}

	err = p.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::TEXT, COALESCE(SUM(fee), 0)::TEXT
		FROM transactions WHERE status = $1
	`, TxCompleted).Scan(&stats.TransactionCount, &stats.TransactionVolume, &stats.FeesCollected)
	if err != nil {
		return nil, err
	}

	err = p.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::TEXT FROM escrows WHERE status = $1
	`, EscrowPending).Scan(&stats.OpenEscrowCount, &stats.OpenEscrowTotal)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Tx on the bare pgStore never runs: PostgresStore and pgTx both
// override it. It exists so pgStore alone satisfies Store.
func (p *pgStore) Tx(ctx context.Context, fn func(s Store) error) error {
	return Errorf(CodeInternal, "transaction started on unbound store")
}

// --- helpers ---

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func zeroIfEmpty(amount string) string {
	if amount == "" {
		return "0"
	}
	return amount
}
