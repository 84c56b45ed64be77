package ledger

import (
	"context"

	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
)

// Audit actions written by the engine. The set is closed; new mutating
// operations add their action here.
const (
	ActionAccountCreate     = "account.create"
	ActionAccountUpdate     = "account.update"
	ActionAccountDelete     = "account.delete"
	ActionBalanceCredit     = "balance.credit"
	ActionBalanceDebit      = "balance.debit"
	ActionTransferCreated   = "transfer.created"
	ActionTransferCompleted = "transfer.completed"
	ActionTransferFailed    = "transfer.failed"
	ActionTransferReversed  = "transfer.reversed"
	ActionEscrowCreated     = "escrow.created"
	ActionEscrowReleased    = "escrow.released"
	ActionEscrowRefunded    = "escrow.refunded"
	ActionEscrowExpired     = "escrow.expired"
	ActionEscrowDisputed    = "escrow.disputed"
	ActionEscrowResolved    = "escrow.resolved"
	ActionAPIKeyRegenerate  = "apiKey.regenerate"
	ActionBatchExecuted     = "batch.executed"
)

// audit appends an entry inside the caller's storage transaction so the
// log can never diverge from the ledger on commit or rollback. Returns
// the append error: a failed append rolls the whole mutation back,
// which is what keeps the log complete.
func (s *Service) audit(ctx context.Context, st Store, e *AuditLogEntry) error {
	if !s.enableAudit {
		return nil
	}
	if err := st.AppendAudit(ctx, e); err != nil {
		return err
	}
	metrics.AuditEntriesTotal.Inc()
	return nil
}

// balanceChange builds the Changes map for a single-field balance move.
func balanceChange(before, after string) map[string]Change {
	return map[string]Change{"balance": {Before: before, After: after}}
}
