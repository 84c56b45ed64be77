// Package escrow implements conditional payments. Creating an escrow
// moves value from the sender's spendable balance into their frozen
// balance; release settles it to the receiver, refund and expiry return
// it to the sender. While an escrow is pending its amount is always
// covered by the sender's frozen balance.
package escrow

import (
	"context"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/events"
	"github.com/lucytrasero/ROBOX-sub001/internal/idgen"
	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
	"github.com/lucytrasero/ROBOX-sub001/internal/money"
	"github.com/lucytrasero/ROBOX-sub001/internal/syncutil"
	"github.com/lucytrasero/ROBOX-sub001/internal/traces"
)

// Dispute resolution outcomes.
const (
	ResolveRelease = "RELEASE"
	ResolveRefund  = "REFUND"
)

// Options configures the escrow engine.
type Options struct {
	// EnableAuditLog controls whether escrow transitions append audit
	// entries.
	EnableAuditLog bool
}

// Service is the escrow engine. It shares the ledger's store so escrow
// transitions and balance moves commit in one transaction.
type Service struct {
	store       ledger.Store
	bus         *events.Bus
	locks       syncutil.ShardedMutex
	enableAudit bool
}

// New creates the escrow engine on top of the ledger core.
func New(core *ledger.Service, opts Options) *Service {
	return &Service{
		store:       core.Store(),
		bus:         core.Bus(),
		enableAudit: opts.EnableAuditLog,
	}
}

// CreateInput carries an escrow creation request.
type CreateInput struct {
	From      string
	To        string
	Amount    string
	Condition string
	ExpiresAt *time.Time
}

// Create freezes the amount on the sender and opens a pending escrow.
func (s *Service) Create(ctx context.Context, actor ledger.Actor, in CreateInput) (*ledger.Escrow, error) {
	if err := ledger.Authorize(actor, "createEscrow", in.From); err != nil {
		return nil, err
	}
	if in.From == "" || in.To == "" {
		return nil, ledger.ErrInvalidAccountID
	}
	if in.From == in.To {
		return nil, ledger.ErrSelfTransfer
	}
	if !money.IsPositive(in.Amount) {
		return nil, ledger.ErrInvalidAmount
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, ledger.Errorf(ledger.CodeValidation, "expiry is in the past")
	}

	esc := &ledger.Escrow{
		ID:        idgen.EscrowID(),
		From:      in.From,
		To:        in.To,
		Amount:    in.Amount,
		Status:    ledger.EscrowPending,
		Condition: in.Condition,
		ExpiresAt: in.ExpiresAt,
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.EscrowID(esc.ID), traces.AccountID(in.From), traces.Amount(in.Amount))
	defer span.End()

	err := s.store.Tx(ctx, func(st ledger.Store) error {
		sender, err := st.GetAccountForUpdate(ctx, in.From)
		if err != nil {
			return err
		}
		if sender.Status != ledger.AccountActive {
			return ledger.Errorf(ledger.CodeAccountInactive, "sender %s is %s", sender.ID, sender.Status)
		}
		if _, err := st.GetAccount(ctx, in.To); err != nil {
			return err
		}
		if money.Cmp(sender.Balance, in.Amount) < 0 {
			return ledger.ErrInsufficientFunds
		}
		if err := st.FreezeBalance(ctx, in.From, in.Amount); err != nil {
			return err
		}
		if err := st.CreateEscrow(ctx, esc); err != nil {
			return err
		}
		return s.audit(ctx, st, &ledger.AuditLogEntry{
			Action:     ledger.ActionEscrowCreated,
			EntityType: "escrow",
			EntityID:   esc.ID,
			ActorID:    actor.ID,
			Meta:       map[string]string{"from": in.From, "to": in.To, "amount": in.Amount},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(ledger.EscrowPending).Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.EscrowCreated,
		EntityID: esc.ID,
		Payload:  map[string]string{"from": in.From, "to": in.To, "amount": in.Amount},
	})
	return esc, nil
}

// Release settles a pending escrow to the receiver and records the
// settling transaction. Only the sender (who confirms the condition was
// met) or an admin/operator may release.
func (s *Service) Release(ctx context.Context, actor ledger.Actor, id string) (*ledger.Escrow, error) {
	return s.settle(ctx, actor, id, "releaseEscrow", ledger.EscrowPending)
}

// Refund returns a pending escrow to the sender without a settling
// transaction. Either party may refund.
func (s *Service) Refund(ctx context.Context, actor ledger.Actor, id string) (*ledger.Escrow, error) {
	return s.giveBack(ctx, actor, id, "refundEscrow", ledger.EscrowPending, ledger.EscrowRefunded)
}

// Dispute parks a pending escrow so the expiry sweeper leaves it alone
// until an admin resolves it.
func (s *Service) Dispute(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Escrow, error) {
	if reason == "" {
		return nil, ledger.Errorf(ledger.CodeValidation, "dispute needs a reason")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var result *ledger.Escrow
	err := s.store.Tx(ctx, func(st ledger.Store) error {
		esc, err := st.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authorizeParty(actor, "disputeEscrow", esc); err != nil {
			return err
		}
		if esc.Status != ledger.EscrowPending {
			return ledger.Errorf(ledger.CodeInvalidStatus, "escrow %s is %s, not PENDING", id, esc.Status)
		}
		esc.Status = ledger.EscrowDisputed
		esc.DisputeReason = reason
		if err := st.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		result = esc
		return s.audit(ctx, st, &ledger.AuditLogEntry{
			Action:     ledger.ActionEscrowDisputed,
			EntityType: "escrow",
			EntityID:   id,
			ActorID:    actor.ID,
			Meta:       map[string]string{"reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(ledger.EscrowDisputed).Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.EscrowDisputed,
		EntityID: id,
		Payload:  map[string]string{"reason": reason},
	})
	return result, nil
}

// ResolveDispute settles or refunds a disputed escrow. Admin or
// operator only.
func (s *Service) ResolveDispute(ctx context.Context, actor ledger.Actor, id, outcome string) (*ledger.Escrow, error) {
	if err := ledger.Authorize(actor, "resolveDispute", ""); err != nil {
		return nil, err
	}
	switch outcome {
	case ResolveRelease:
		return s.settle(ctx, actor, id, "", ledger.EscrowDisputed)
	case ResolveRefund:
		return s.giveBack(ctx, actor, id, "", ledger.EscrowDisputed, ledger.EscrowRefunded)
	default:
		return nil, ledger.Errorf(ledger.CodeValidation, "unknown outcome %q", outcome)
	}
}

// ExpireDue refunds every pending escrow whose expiry has passed.
// Disputed escrows are skipped. Returns the number expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueEscrows(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, esc := range due {
		if _, err := s.giveBack(ctx, ledger.System, esc.ID, "", ledger.EscrowPending, ledger.EscrowExpired); err != nil {
			// Lost races (released or disputed meanwhile) are expected.
			logging.L(ctx).Warn("escrow expiry skipped", "escrow_id", esc.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Get returns an escrow by id. Consumers must be a party to it.
func (s *Service) Get(ctx context.Context, actor ledger.Actor, id string) (*ledger.Escrow, error) {
	esc, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeParty(actor, "getEscrow", esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// List returns escrows matching the filter. Consumers and providers see
// only escrows they are party to.
func (s *Service) List(ctx context.Context, actor ledger.Actor, f ledger.EscrowFilter) ([]*ledger.Escrow, error) {
	if !actor.HasRole(ledger.RoleAdmin) && !actor.HasRole(ledger.RoleOperator) && !actor.HasRole(ledger.RoleAuditor) {
		f.Party = actor.ID
	}
	if err := ledger.Authorize(actor, "listEscrows", f.Party); err != nil {
		return nil, err
	}
	return s.store.ListEscrows(ctx, f)
}

// settle moves the escrowed amount from the sender's frozen balance to
// the receiver and records an ESCROW_RELEASE transaction. action is the
// authorization action to check against the sender, empty when the
// caller already authorized.
func (s *Service) settle(ctx context.Context, actor ledger.Actor, id, action, fromStatus string) (*ledger.Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	var result *ledger.Escrow
	err := s.store.Tx(ctx, func(st ledger.Store) error {
		esc, err := st.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if action != "" {
			if err := ledger.Authorize(actor, action, esc.From); err != nil {
				return err
			}
		}
		if esc.Status != fromStatus {
			return ledger.Errorf(ledger.CodeInvalidStatus, "escrow %s is %s, not %s", id, esc.Status, fromStatus)
		}

		// Thaw onto the sender, then move to the receiver.
		if err := st.UnfreezeBalance(ctx, esc.From, esc.Amount); err != nil {
			return err
		}
		if _, err := st.UpdateBalance(ctx, esc.From, money.Neg(esc.Amount)); err != nil {
			return err
		}
		if _, err := st.UpdateBalance(ctx, esc.To, esc.Amount); err != nil {
			return err
		}

		now := time.Now()
		tx := &ledger.Transaction{
			ID:          idgen.TransactionID(),
			From:        esc.From,
			To:          esc.To,
			Amount:      esc.Amount,
			Fee:         money.Zero,
			Type:        ledger.TypeEscrowRelease,
			Status:      ledger.TxCompleted,
			InitiatedBy: actor.ID,
			EscrowID:    esc.ID,
			CompletedAt: &now,
		}
		if err := st.CreateTransaction(ctx, tx); err != nil {
			return err
		}

		esc.Status = ledger.EscrowReleased
		esc.TransactionID = tx.ID
		if err := st.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		result = esc
		return s.audit(ctx, st, &ledger.AuditLogEntry{
			Action:     ledger.ActionEscrowReleased,
			EntityType: "escrow",
			EntityID:   id,
			ActorID:    actor.ID,
			Meta:       map[string]string{"transaction_id": tx.ID, "amount": esc.Amount},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(ledger.EscrowReleased).Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.EscrowReleased,
		EntityID: id,
		Payload:  map[string]string{"transaction_id": result.TransactionID, "amount": result.Amount},
	})
	return result, nil
}

// giveBack thaws the escrowed amount back onto the sender's spendable
// balance. No settling transaction is written; the money never left the
// sender.
func (s *Service) giveBack(ctx context.Context, actor ledger.Actor, id, action, fromStatus, toStatus string) (*ledger.Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	var result *ledger.Escrow
	err := s.store.Tx(ctx, func(st ledger.Store) error {
		esc, err := st.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if action != "" {
			if err := s.authorizeParty(actor, action, esc); err != nil {
				return err
			}
		}
		if esc.Status != fromStatus {
			return ledger.Errorf(ledger.CodeInvalidStatus, "escrow %s is %s, not %s", id, esc.Status, fromStatus)
		}

		if err := st.UnfreezeBalance(ctx, esc.From, esc.Amount); err != nil {
			return err
		}
		esc.Status = toStatus
		if err := st.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		result = esc

		auditAction := ledger.ActionEscrowRefunded
		if toStatus == ledger.EscrowExpired {
			auditAction = ledger.ActionEscrowExpired
		}
		return s.audit(ctx, st, &ledger.AuditLogEntry{
			Action:     auditAction,
			EntityType: "escrow",
			EntityID:   id,
			ActorID:    actor.ID,
			Meta:       map[string]string{"amount": esc.Amount},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(toStatus).Inc()
	eventType := events.EscrowRefunded
	if toStatus == ledger.EscrowExpired {
		eventType = events.EscrowExpired
	}
	s.bus.Emit(ctx, events.Event{
		Type:     eventType,
		EntityID: id,
		Payload:  map[string]string{"amount": result.Amount},
	})
	return result, nil
}

// authorizeParty allows an action when the actor is authorized against
// either side of the escrow.
func (s *Service) authorizeParty(actor ledger.Actor, action string, esc *ledger.Escrow) error {
	err := ledger.Authorize(actor, action, esc.From)
	if err == nil {
		return nil
	}
	if err2 := ledger.Authorize(actor, action, esc.To); err2 == nil {
		return nil
	}
	return err
}

func (s *Service) audit(ctx context.Context, st ledger.Store, e *ledger.AuditLogEntry) error {
	if !s.enableAudit {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := st.AppendAudit(ctx, e); err != nil {
		return err
	}
	metrics.AuditEntriesTotal.Inc()
	return nil
}
