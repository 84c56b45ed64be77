package ledger

import (
	"context"
	"time"
)

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	Status string
	Role   string
	Tag    string
	Limit  int
}

// TransactionFilter narrows ListTransactions. Zero values are ignored.
type TransactionFilter struct {
	AccountID     string // matches either side
	Type          string
	Status        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	MinAmount     string
	MaxAmount     string
	Limit         int
}

// EscrowFilter narrows ListEscrows.
type EscrowFilter struct {
	Party  string // matches either side
	Status string
	Limit  int
}

// AuditFilter narrows QueryAudit.
type AuditFilter struct {
	EntityID string
	Action   string
	ActorID  string
	From     time.Time
	To       time.Time
	Limit    int
}

// Store is the persistence capability surface. Two implementations
// conform: MemoryStore (single write mutex, snapshot rollback) and
// PostgresStore (connection pool, SELECT ... FOR UPDATE, savepoints).
//
// Tx runs fn against a transaction-bound view of the store; everything
// fn performs through that view commits or rolls back together. Nested
// Tx calls use savepoints. Balance primitives must run under row-level
// exclusivity, which both implementations guarantee inside Tx.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// GetAccountForUpdate loads an account holding its row lock for the
	// duration of the enclosing Tx.
	GetAccountForUpdate(ctx context.Context, id string) (*Account, error)
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error)
	GetAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error)
	ListAccounts(ctx context.Context, f AccountFilter) ([]*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id string) error

	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error)
	// SumOutgoingSince totals the account's completed outgoing transfer
	// amounts created at or after since. One-sided CREDIT/DEBIT rows are
	// excluded.
	SumOutgoingSince(ctx context.Context, accountID string, since time.Time) (string, error)

	CreateBalanceOperation(ctx context.Context, op *BalanceOperation) error
	ListBalanceOperations(ctx context.Context, accountID string, limit int) ([]*BalanceOperation, error)

	CreateEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
	ListEscrows(ctx context.Context, f EscrowFilter) ([]*Escrow, error)
	// ListDueEscrows returns pending escrows with expiresAt at or before now.
	ListDueEscrows(ctx context.Context, now time.Time) ([]*Escrow, error)

	CreateBatch(ctx context.Context, b *BatchTransfer) error
	GetBatch(ctx context.Context, id string) (*BatchTransfer, error)
	GetBatchByIdempotencyKey(ctx context.Context, key string) (*BatchTransfer, error)
	UpdateBatch(ctx context.Context, b *BatchTransfer) error

	AppendAudit(ctx context.Context, e *AuditLogEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error)

	// UpdateBalance applies a signed delta to the account's balance and
	// returns the new balance. Fails with ErrInsufficientFunds if the
	// result would be negative.
	UpdateBalance(ctx context.Context, accountID, delta string) (string, error)
	// FreezeBalance moves amount from balance to frozenBalance.
	FreezeBalance(ctx context.Context, accountID, amount string) error
	// UnfreezeBalance moves amount from frozenBalance back to balance.
	UnfreezeBalance(ctx context.Context, accountID, amount string) error

	GetStatistics(ctx context.Context) (*Statistics, error)

	Tx(ctx context.Context, fn func(s Store) error) error
}
