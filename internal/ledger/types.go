// Package ledger is the transactional core of the clearing engine.
//
// Flow:
//  1. A robot account is created with an api key and default limits
//  2. Value enters via administrative credits
//  3. Robots move value with transfers (double-entry, idempotent)
//  4. Escrow and batch operations build on the same transaction primitive
//
// All amounts are 8-decimal fixed-point strings (see internal/money).
package ledger

import (
	"time"
)

// Account status values.
const (
	AccountActive    = "ACTIVE"
	AccountFrozen    = "FROZEN"
	AccountSuspended = "SUSPENDED"
	AccountClosed    = "CLOSED"
)

// Transaction status values.
const (
	TxPending   = "PENDING"
	TxCompleted = "COMPLETED"
	TxFailed    = "FAILED"
	TxReversed  = "REVERSED"
)

// Well-known transaction types. Type is a free-form tag; these are the
// ones the engine itself writes.
const (
	TypeTransfer      = "TRANSFER"
	TypeCredit        = "CREDIT"
	TypeDebit         = "DEBIT"
	TypeEscrowRelease = "ESCROW_RELEASE"
	TypeReversal      = "REVERSAL"
	TypeSubscription  = "SUBSCRIPTION"
)

// Roles an actor may hold.
const (
	RoleConsumer = "consumer"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

// Limits constrains an account's outgoing transfers. Empty strings mean
// unlimited; MinBalance defaults to zero.
type Limits struct {
	MaxTransferAmount  string `json:"maxTransferAmount,omitempty"`
	DailyTransferLimit string `json:"dailyTransferLimit,omitempty"`
	MinBalance         string `json:"minBalance,omitempty"`
}

// Account is a robot holding a balance.
type Account struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	OwnerID       string            `json:"ownerId,omitempty"`
	APIKey        string            `json:"apiKey,omitempty"`
	Balance       string            `json:"balance"`
	FrozenBalance string            `json:"frozenBalance"`
	Roles         []string          `json:"roles"`
	Status        string            `json:"status"`
	Limits        *Limits           `json:"limits,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// HasRole reports whether the account carries the given role.
func (a *Account) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Transaction is a movement of value. CREDIT/DEBIT one-siders have
// From == To so the statement API returns a single unified stream.
type Transaction struct {
	ID             string            `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         string            `json:"amount"`
	Fee            string            `json:"fee,omitempty"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	InitiatedBy    string            `json:"initiatedBy,omitempty"`
	EscrowID       string            `json:"escrowId,omitempty"`
	BatchID        string            `json:"batchId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// BalanceOperation records a single-side balance change (administrative
// credit or debit) with the balance after the change for auditability.
type BalanceOperation struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"accountId"`
	Kind          string    `json:"kind"` // CREDIT or DEBIT
	Amount        string    `json:"amount"`
	BalanceAfter  string    `json:"balanceAfter"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Escrow status values.
const (
	EscrowPending  = "PENDING"
	EscrowReleased = "RELEASED"
	EscrowRefunded = "REFUNDED"
	EscrowExpired  = "EXPIRED"
	EscrowDisputed = "DISPUTED"
)

// Escrow holds value owned by the sender, earmarked for the receiver.
// While pending, Amount is counted in the sender's frozen balance.
type Escrow struct {
	ID            string     `json:"id"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Amount        string     `json:"amount"`
	Status        string     `json:"status"`
	Condition     string     `json:"condition,omitempty"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Batch status values.
const (
	BatchPending   = "PENDING"
	BatchCompleted = "COMPLETED"
	BatchPartial   = "PARTIAL"
	BatchFailed    = "FAILED"
)

// TransferSpec is one child transfer inside a batch.
type TransferSpec struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Type   string `json:"type,omitempty"`
	Memo   string `json:"memo,omitempty"`
}

// BatchItemResult records the per-item outcome of a batch.
type BatchItemResult struct {
	Index         int    `json:"index"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BatchTransfer is an ordered set of transfers executed together.
type BatchTransfer struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	AllOrNothing   bool              `json:"allOrNothing"`
	Items          []TransferSpec    `json:"items"`
	Results        []BatchItemResult `json:"results,omitempty"`
	SuccessCount   int               `json:"successCount"`
	FailedCount    int               `json:"failedCount"`
	TotalAmount    string            `json:"totalAmount"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	InitiatedBy    string            `json:"initiatedBy,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// Change is a before/after pair for one field in an audit entry.
type Change struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// AuditLogEntry is an append-only record of a mutating action.
type AuditLogEntry struct {
	ID         int64             `json:"id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	ActorID    string            `json:"actorId,omitempty"`
	Changes    map[string]Change `json:"changes,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Statistics is an aggregate snapshot of the ledger.
type Statistics struct {
	AccountsByStatus  map[string]int `json:"accountsByStatus"`
	TransactionCount  int            `json:"transactionCount"`
	TransactionVolume string         `json:"transactionVolume"`
	OpenEscrowCount   int            `json:"openEscrowCount"`
	OpenEscrowTotal   string         `json:"openEscrowTotal"`
	FeesCollected     string         `json:"feesCollected"`
	TotalBalance      string         `json:"totalBalance"`
	TotalFrozen       string         `json:"totalFrozen"`
}
