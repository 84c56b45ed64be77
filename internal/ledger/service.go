package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/events"
	"github.com/lucytrasero/ROBOX-sub001/internal/idgen"
	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
	"github.com/lucytrasero/ROBOX-sub001/internal/middleware"
	"github.com/lucytrasero/ROBOX-sub001/internal/money"
	"github.com/lucytrasero/ROBOX-sub001/internal/traces"
)

// Options configures a Service.
type Options struct {
	// DefaultLimits are stamped onto new accounts that specify none.
	DefaultLimits *Limits
	// FeeSinkAccount receives collected fees; empty means fees are burned.
	FeeSinkAccount string
	// EnableAuditLog controls whether mutations append audit entries.
	EnableAuditLog bool
	// FeeCalculator computes fees for transfers without an explicit fee.
	FeeCalculator FeeCalculator
}

// Service is the ledger core. Every operation runs through the
// middleware chain outside the storage transaction, then opens a Tx on
// the store, and emits domain events only after commit.
type Service struct {
	store         Store
	bus           *events.Bus
	chain         *middleware.Chain
	feeCalc       FeeCalculator
	defaultLimits *Limits
	feeSink       string
	enableAudit   bool

	hookMu        sync.RWMutex
	afterTransfer []func(ctx context.Context, tx *Transaction)
}

// NewService creates the ledger core around a store.
func NewService(store Store, bus *events.Bus, chain *middleware.Chain, opts Options) *Service {
	if bus == nil {
		bus = events.New()
	}
	if chain == nil {
		chain = middleware.NewChain()
	}
	feeCalc := opts.FeeCalculator
	if feeCalc == nil {
		feeCalc = NoFee
	}
	return &Service{
		store:         store,
		bus:           bus,
		chain:         chain,
		feeCalc:       feeCalc,
		defaultLimits: opts.DefaultLimits,
		feeSink:       opts.FeeSinkAccount,
		enableAudit:   opts.EnableAuditLog,
	}
}

// Store exposes the underlying store for collaborating engines (escrow,
// scheduler) that share the same transaction primitive.
func (s *Service) Store() Store { return s.store }

// Bus exposes the event bus for subscribers.
func (s *Service) Bus() *events.Bus { return s.bus }

// Use appends middlewares to the operation chain.
func (s *Service) Use(mws ...middleware.Middleware) { s.chain.Use(mws...) }

// AfterTransfer registers a hook invoked after a transfer commits. Hook
// failures are logged, never propagated.
func (s *Service) AfterTransfer(fn func(ctx context.Context, tx *Transaction)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.afterTransfer = append(s.afterTransfer, fn)
}

func (s *Service) runHooks(ctx context.Context, tx *Transaction) {
	s.hookMu.RLock()
	hooks := s.afterTransfer
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.L(ctx).Error("after-transfer hook panicked",
						"transaction_id", tx.ID, "panic", fmt.Sprint(r))
				}
			}()
			fn(ctx, cloneTransaction(tx))
		}()
	}
}

// run executes fn inside the middleware chain.
func (s *Service) run(ctx context.Context, actor Actor, action string, params map[string]any, fn func() error) error {
	c := &middleware.Context{
		Ctx:        ctx,
		Action:     action,
		Params:     params,
		ActorID:    actor.ID,
		ActorRoles: actor.Roles,
		StartTime:  time.Now(),
	}
	return s.chain.Run(c, fn)
}

// --- accounts ---

// CreateAccountInput carries the creatable account fields.
type CreateAccountInput struct {
	Name     string
	OwnerID  string
	Roles    []string
	Limits   *Limits
	Metadata map[string]string
	Tags     []string
}

// CreateAccount provisions a robot account with a fresh api key.
func (s *Service) CreateAccount(ctx context.Context, actor Actor, in CreateAccountInput) (*Account, error) {
	if err := Authorize(actor, "createAccount", ""); err != nil {
		return nil, err
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = []string{RoleConsumer}
	}
	for _, r := range roles {
		switch r {
		case RoleConsumer, RoleProvider, RoleAdmin, RoleOperator, RoleAuditor:
		default:
			return nil, Errorf(CodeValidation, "unknown role %q", r)
		}
	}
	limits := in.Limits
	if limits == nil {
		limits = s.defaultLimits
	}

	account := &Account{
		ID:            idgen.AccountID(),
		Name:          in.Name,
		OwnerID:       in.OwnerID,
		APIKey:        idgen.APIKey(),
		Balance:       money.Zero,
		FrozenBalance: money.Zero,
		Roles:         roles,
		Status:        AccountActive,
		Limits:        limits,
		Metadata:      in.Metadata,
		Tags:          in.Tags,
	}

	err := s.run(ctx, actor, "createAccount", map[string]any{"name": in.Name}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.CreateAccount", traces.AccountID(account.ID))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			if err := st.CreateAccount(ctx, account); err != nil {
				return err
			}
			return s.audit(ctx, st, &AuditLogEntry{
				Action:     ActionAccountCreate,
				EntityType: "account",
				EntityID:   account.ID,
				ActorID:    actor.ID,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(ctx, events.Event{
		Type:     events.AccountCreated,
		EntityID: account.ID,
		Payload:  map[string]string{"owner_id": account.OwnerID},
	})
	return account, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, actor Actor, id string) (*Account, error) {
	if err := Authorize(actor, "getAccount", id); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, id)
}

// GetAccountByAPIKey resolves the credential to its account. This is the
// authentication path, so no actor is required, but malformed keys are
// rejected before the store is consulted.
func (s *Service) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	if !idgen.ValidAPIKey(apiKey) {
		return nil, ErrUnauthorized
	}
	return s.store.GetAccountByAPIKey(ctx, apiKey)
}

// GetAccountsByOwner returns all accounts registered to an owner.
func (s *Service) GetAccountsByOwner(ctx context.Context, actor Actor, ownerID string) ([]*Account, error) {
	if err := Authorize(actor, "getAccountsByOwner", ""); err != nil {
		return nil, err
	}
	return s.store.GetAccountsByOwner(ctx, ownerID)
}

// ListAccounts returns accounts matching the filter.
func (s *Service) ListAccounts(ctx context.Context, actor Actor, f AccountFilter) ([]*Account, error) {
	if err := Authorize(actor, "listAccounts", ""); err != nil {
		return nil, err
	}
	return s.store.ListAccounts(ctx, f)
}

// UpdateAccountInput carries the mutable account fields. Nil pointers
// leave the field untouched.
type UpdateAccountInput struct {
	Name     *string
	Status   *string
	Limits   *Limits
	Metadata map[string]string
	Tags     []string
}

// UpdateAccount applies field updates, including lifecycle status
// changes (freeze, suspend, close).
func (s *Service) UpdateAccount(ctx context.Context, actor Actor, id string, in UpdateAccountInput) (*Account, error) {
	if err := Authorize(actor, "updateAccount", id); err != nil {
		return nil, err
	}
	if in.Status != nil {
		switch *in.Status {
		case AccountActive, AccountFrozen, AccountSuspended, AccountClosed:
		default:
			return nil, ErrInvalidStatus
		}
	}

	var updated *Account
	err := s.run(ctx, actor, "updateAccount", map[string]any{"account_id": id}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.UpdateAccount", traces.AccountID(id))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			account, err := st.GetAccountForUpdate(ctx, id)
			if err != nil {
				return err
			}

			changes := make(map[string]Change)
			if in.Name != nil && *in.Name != account.Name {
				changes["name"] = Change{Before: account.Name, After: *in.Name}
				account.Name = *in.Name
			}
			if in.Status != nil && *in.Status != account.Status {
				changes["status"] = Change{Before: account.Status, After: *in.Status}
				account.Status = *in.Status
			}
			if in.Limits != nil {
				account.Limits = in.Limits
			}
			if in.Metadata != nil {
				account.Metadata = in.Metadata
			}
			if in.Tags != nil {
				account.Tags = in.Tags
			}

			if err := st.UpdateAccount(ctx, account); err != nil {
				return err
			}
			updated = account
			return s.audit(ctx, st, &AuditLogEntry{
				Action:     ActionAccountUpdate,
				EntityType: "account",
				EntityID:   id,
				ActorID:    actor.ID,
				Changes:    changes,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(ctx, events.Event{Type: events.AccountUpdated, EntityID: id})
	return updated, nil
}

// DeleteAccount removes an account. The account must be fully drained
// first: both balance and frozen balance at zero.
func (s *Service) DeleteAccount(ctx context.Context, actor Actor, id string) error {
	if err := Authorize(actor, "deleteAccount", id); err != nil {
		return err
	}

	err := s.run(ctx, actor, "deleteAccount", map[string]any{"account_id": id}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.DeleteAccount", traces.AccountID(id))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			account, err := st.GetAccountForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if money.Cmp(account.Balance, money.Zero) != 0 || money.Cmp(account.FrozenBalance, money.Zero) != 0 {
				return Errorf(CodeValidation, "account %s must be drained to zero before deletion", id)
			}
			if err := st.DeleteAccount(ctx, id); err != nil {
				return err
			}
			return s.audit(ctx, st, &AuditLogEntry{
				Action:     ActionAccountDelete,
				EntityType: "account",
				EntityID:   id,
				ActorID:    actor.ID,
			})
		})
	})
	if err != nil {
		return err
	}

	s.bus.Emit(ctx, events.Event{Type: events.AccountDeleted, EntityID: id})
	return nil
}

// RegenerateAPIKey atomically replaces the account's credential and
// returns the account with the new key.
func (s *Service) RegenerateAPIKey(ctx context.Context, actor Actor, id string) (*Account, error) {
	if err := Authorize(actor, "regenerateApiKey", id); err != nil {
		return nil, err
	}

	var updated *Account
	err := s.run(ctx, actor, "regenerateApiKey", map[string]any{"account_id": id}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.RegenerateAPIKey", traces.AccountID(id))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			account, err := st.GetAccountForUpdate(ctx, id)
			if err != nil {
				return err
			}
			account.APIKey = idgen.APIKey()
			if err := st.UpdateAccount(ctx, account); err != nil {
				return err
			}
			updated = account
			return s.audit(ctx, st, &AuditLogEntry{
				Action:     ActionAPIKeyRegenerate,
				EntityType: "account",
				EntityID:   id,
				ActorID:    actor.ID,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- credit / debit ---

// Credit applies an administrative top-up. Allowed on inactive accounts:
// administrative adjustments are the one balance path that stays open
// after an account leaves ACTIVE.
func (s *Service) Credit(ctx context.Context, actor Actor, accountID, amount, reason string) (*Transaction, error) {
	if err := Authorize(actor, "credit", accountID); err != nil {
		return nil, err
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	return s.balanceOp(ctx, actor, accountID, amount, reason, TypeCredit)
}

// Debit applies an administrative deduction, enforcing the account's
// balance floor.
func (s *Service) Debit(ctx context.Context, actor Actor, accountID, amount, reason string) (*Transaction, error) {
	if err := Authorize(actor, "debit", accountID); err != nil {
		return nil, err
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}
	return s.balanceOp(ctx, actor, accountID, amount, reason, TypeDebit)
}

func (s *Service) balanceOp(ctx context.Context, actor Actor, accountID, amount, reason, kind string) (*Transaction, error) {
	action := "credit"
	auditAction := ActionBalanceCredit
	eventType := events.BalanceCredited
	if kind == TypeDebit {
		action = "debit"
		auditAction = ActionBalanceDebit
		eventType = events.BalanceDebited
	}

	var result *Transaction
	err := s.run(ctx, actor, action, map[string]any{"account_id": accountID, "amount": amount}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger."+action, traces.AccountID(accountID), traces.Amount(amount))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			account, err := st.GetAccountForUpdate(ctx, accountID)
			if err != nil {
				return err
			}

			delta := amount
			if kind == TypeDebit {
				floor := minBalanceOf(account)
				if money.Cmp(money.Sub(account.Balance, amount), floor) < 0 {
					return ErrInsufficientFunds
				}
				delta = money.Neg(amount)
			}

			newBalance, err := st.UpdateBalance(ctx, accountID, delta)
			if err != nil {
				return err
			}

			now := time.Now()
			tx := &Transaction{
				ID:          idgen.TransactionID(),
				From:        accountID,
				To:          accountID,
				Amount:      amount,
				Type:        kind,
				Status:      TxCompleted,
				InitiatedBy: actor.ID,
				CompletedAt: &now,
			}
			if reason != "" {
				tx.Meta = map[string]string{"reason": reason}
			}
			if err := st.CreateTransaction(ctx, tx); err != nil {
				return err
			}

			if err := st.CreateBalanceOperation(ctx, &BalanceOperation{
				AccountID:     accountID,
				Kind:          kind,
				Amount:        amount,
				BalanceAfter:  newBalance,
				Reason:        reason,
				TransactionID: tx.ID,
			}); err != nil {
				return err
			}

			result = tx
			return s.audit(ctx, st, &AuditLogEntry{
				Action:     auditAction,
				EntityType: "account",
				EntityID:   accountID,
				ActorID:    actor.ID,
				Changes:    balanceChange(account.Balance, newBalance),
				Meta:       map[string]string{"transaction_id": tx.ID, "amount": amount},
			})
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.BalanceOpsTotal.WithLabelValues(kind).Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     eventType,
		EntityID: accountID,
		Payload:  map[string]string{"amount": amount, "transaction_id": result.ID},
	})
	return result, nil
}

func minBalanceOf(a *Account) string {
	if a.Limits != nil && a.Limits.MinBalance != "" {
		return a.Limits.MinBalance
	}
	return money.Zero
}

// --- transfer ---

// TransferInput carries a transfer request.
type TransferInput struct {
	From           string
	To             string
	Amount         string
	Type           string // defaults to TRANSFER
	Memo           string
	IdempotencyKey string
	Fee            string // empty means the fee calculator decides
	EscrowID       string
	BatchID        string
}

// Transfer moves value between two accounts. Inside one storage
// transaction it checks idempotency, locks both accounts in canonical
// order, enforces sender limits and the balance floor, applies the
// debit/credit pair plus fee, and appends audit entries. Events and
// after-hooks fire only once the transaction has committed.
func (s *Service) Transfer(ctx context.Context, actor Actor, in TransferInput) (*Transaction, error) {
	if err := Authorize(actor, "transfer", in.From); err != nil {
		return nil, err
	}
	if in.From == "" || in.To == "" {
		return nil, ErrInvalidAccountID
	}
	if in.From == in.To {
		return nil, ErrSelfTransfer
	}
	if !money.IsPositive(in.Amount) {
		return nil, ErrInvalidAmount
	}
	if in.Type == "" {
		in.Type = TypeTransfer
	}

	start := time.Now()
	var result *Transaction
	var replayed bool
	err := s.run(ctx, actor, "transfer", map[string]any{
		"from": in.From, "to": in.To, "amount": in.Amount,
	}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.Transfer",
			traces.AccountID(in.From), traces.Amount(in.Amount))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			tx, replay, err := s.doTransfer(ctx, st, actor, in)
			if err != nil {
				return err
			}
			result, replayed = tx, replay
			return nil
		})
	})

	metrics.TransferDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TransfersTotal.WithLabelValues("failed").Inc()
		s.bus.Emit(ctx, events.Event{
			Type:     events.TransferFailed,
			EntityID: in.From,
			Payload:  map[string]string{"to": in.To, "amount": in.Amount, "error": err.Error()},
		})
		return nil, err
	}

	if replayed {
		metrics.TransfersTotal.WithLabelValues("replayed").Inc()
		return result, nil
	}

	metrics.TransfersTotal.WithLabelValues("completed").Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.TransferCompleted,
		EntityID: result.ID,
		Payload:  map[string]string{"from": result.From, "to": result.To, "amount": result.Amount},
	})
	s.runHooks(ctx, result)
	return result, nil
}

// doTransfer is the transfer algorithm proper, run against a
// transaction-bound store. The batch executor reuses it so children
// share the same semantics and savepoint behavior. The bool result
// reports an idempotent replay.
func (s *Service) doTransfer(ctx context.Context, st Store, actor Actor, in TransferInput) (*Transaction, bool, error) {
	if in.From == in.To {
		return nil, false, ErrSelfTransfer
	}
	fingerprint := Fingerprint(in.From, in.To, in.Amount, in.Type, in.Memo)

	// Step 1: idempotency lookup wins before any lock is taken.
	if in.IdempotencyKey != "" {
		prev, err := st.GetTransactionByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			if prev.Meta[metaFingerprint] != fingerprint {
				return nil, false, ErrIdempotencyConflict
			}
			return prev, true, nil
		}
	}

	// Step 2: lock both accounts in ascending id order to avoid deadlock.
	firstID, secondID := in.From, in.To
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}
	first, err := st.GetAccountForUpdate(ctx, firstID)
	if err != nil {
		return nil, false, err
	}
	second, err := st.GetAccountForUpdate(ctx, secondID)
	if err != nil {
		return nil, false, err
	}
	sender, receiver := first, second
	if sender.ID != in.From {
		sender, receiver = second, first
	}
	if sender.Status != AccountActive {
		return nil, false, Errorf(CodeAccountInactive, "sender %s is %s", sender.ID, sender.Status)
	}
	if receiver.Status != AccountActive {
		return nil, false, Errorf(CodeAccountInactive, "receiver %s is %s", receiver.ID, receiver.Status)
	}

	fee := in.Fee
	if fee == "" {
		fee = s.feeCalc(in.Amount, in.Type)
	}
	if fv, ok := money.Parse(fee); !ok || fv.Sign() < 0 {
		return nil, false, ErrInvalidAmount
	}
	totalDebit := money.Add(in.Amount, fee)

	// Step 3: sender limits.
	if err := s.checkLimits(ctx, st, sender, in.Amount, totalDebit); err != nil {
		return nil, false, err
	}

	// Step 4: funds.
	if money.Cmp(sender.Balance, totalDebit) < 0 {
		return nil, false, ErrInsufficientFunds
	}

	// Step 5: pending transaction record.
	meta := map[string]string{metaFingerprint: fingerprint}
	if in.Memo != "" {
		meta["memo"] = in.Memo
	}
	tx := &Transaction{
		ID:             idgen.TransactionID(),
		From:           in.From,
		To:             in.To,
		Amount:         in.Amount,
		Fee:            fee,
		Type:           in.Type,
		Status:         TxPending,
		InitiatedBy:    actor.ID,
		EscrowID:       in.EscrowID,
		BatchID:        in.BatchID,
		IdempotencyKey: in.IdempotencyKey,
		Meta:           meta,
	}
	if err := st.CreateTransaction(ctx, tx); err != nil {
		return nil, false, err
	}

	// Step 6: apply balances. The fee is burned unless a sink account is
	// configured.
	senderAfter, err := st.UpdateBalance(ctx, sender.ID, money.Neg(totalDebit))
	if err != nil {
		return nil, false, err
	}
	receiverAfter, err := st.UpdateBalance(ctx, receiver.ID, in.Amount)
	if err != nil {
		return nil, false, err
	}
	if s.feeSink != "" && money.IsPositive(fee) {
		if _, err := st.UpdateBalance(ctx, s.feeSink, fee); err != nil {
			return nil, false, fmt.Errorf("fee sink credit: %w", err)
		}
	}

	// Step 7: complete.
	now := time.Now()
	tx.Status = TxCompleted
	tx.CompletedAt = &now
	if err := st.UpdateTransaction(ctx, tx); err != nil {
		return nil, false, err
	}

	// Step 8: audit the debit, the credit, and the transaction.
	if err := s.audit(ctx, st, &AuditLogEntry{
		Action: ActionBalanceDebit, EntityType: "account", EntityID: sender.ID,
		ActorID: actor.ID,
		Changes: balanceChange(sender.Balance, senderAfter),
		Meta:    map[string]string{"transaction_id": tx.ID},
	}); err != nil {
		return nil, false, err
	}
	if err := s.audit(ctx, st, &AuditLogEntry{
		Action: ActionBalanceCredit, EntityType: "account", EntityID: receiver.ID,
		ActorID: actor.ID,
		Changes: balanceChange(receiver.Balance, receiverAfter),
		Meta:    map[string]string{"transaction_id": tx.ID},
	}); err != nil {
		return nil, false, err
	}
	if err := s.audit(ctx, st, &AuditLogEntry{
		Action: ActionTransferCompleted, EntityType: "transaction", EntityID: tx.ID,
		ActorID: actor.ID,
		Meta:    map[string]string{"from": tx.From, "to": tx.To, "amount": tx.Amount, "fee": fee},
	}); err != nil {
		return nil, false, err
	}

	return tx, false, nil
}

// checkLimits enforces max transfer size, the UTC-calendar-day outgoing
// cap, and the post-debit balance floor.
func (s *Service) checkLimits(ctx context.Context, st Store, sender *Account, amount, totalDebit string) error {
	limits := sender.Limits
	if limits == nil {
		return nil
	}
	if limits.MaxTransferAmount != "" && money.Cmp(amount, limits.MaxTransferAmount) > 0 {
		return Errorf(CodeLimitExceeded, "amount %s exceeds max transfer %s", amount, limits.MaxTransferAmount)
	}
	if limits.DailyTransferLimit != "" {
		spent, err := st.SumOutgoingSince(ctx, sender.ID, startOfUTCDay(time.Now()))
		if err != nil {
			return err
		}
		if money.Cmp(money.Add(spent, amount), limits.DailyTransferLimit) > 0 {
			return Errorf(CodeLimitExceeded, "daily limit %s exhausted", limits.DailyTransferLimit)
		}
	}
	if limits.MinBalance != "" {
		if money.Cmp(money.Sub(sender.Balance, totalDebit), limits.MinBalance) < 0 {
			return Errorf(CodeLimitExceeded, "balance floor %s would be breached", limits.MinBalance)
		}
	}
	return nil
}

func startOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// --- reversal ---

// Reverse creates a compensating transaction for a completed transfer,
// moving the amount back and marking the original REVERSED. Fees are
// not returned. Admin or operator only; a transfer is reversible once.
func (s *Service) Reverse(ctx context.Context, actor Actor, transactionID string) (*Transaction, error) {
	if err := Authorize(actor, "reverseTransaction", ""); err != nil {
		return nil, err
	}

	var result *Transaction
	err := s.run(ctx, actor, "reverseTransaction", map[string]any{"transaction_id": transactionID}, func() error {
		ctx, span := traces.StartSpan(ctx, "ledger.Reverse", traces.TransactionID(transactionID))
		defer span.End()

		return s.store.Tx(ctx, func(st Store) error {
			orig, err := st.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			if orig.Status != TxCompleted {
				return Errorf(CodeValidation, "only completed transactions can be reversed, %s is %s", orig.ID, orig.Status)
			}
			if orig.From == orig.To {
				return Errorf(CodeValidation, "one-sided operations cannot be reversed")
			}

			firstID, secondID := orig.From, orig.To
			if firstID > secondID {
				firstID, secondID = secondID, firstID
			}
			if _, err := st.GetAccountForUpdate(ctx, firstID); err != nil {
				return err
			}
			if _, err := st.GetAccountForUpdate(ctx, secondID); err != nil {
				return err
			}

			// Receiver gives the amount back.
			if _, err := st.UpdateBalance(ctx, orig.To, money.Neg(orig.Amount)); err != nil {
				return err
			}
			if _, err := st.UpdateBalance(ctx, orig.From, orig.Amount); err != nil {
				return err
			}

			now := time.Now()
			reversal := &Transaction{
				ID:          idgen.TransactionID(),
				From:        orig.To,
				To:          orig.From,
				Amount:      orig.Amount,
				Type:        TypeReversal,
				Status:      TxCompleted,
				InitiatedBy: actor.ID,
				Meta:        map[string]string{"reversalOf": orig.ID},
				CompletedAt: &now,
			}
			if err := st.CreateTransaction(ctx, reversal); err != nil {
				return err
			}

			orig.Status = TxReversed
			if err := st.UpdateTransaction(ctx, orig); err != nil {
				return err
			}

			result = reversal
			return s.audit(ctx, st, &AuditLogEntry{
				Action:     ActionTransferReversed,
				EntityType: "transaction",
				EntityID:   orig.ID,
				ActorID:    actor.ID,
				Meta:       map[string]string{"reversal_id": reversal.ID},
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(ctx, events.Event{
		Type:     events.TransferReversed,
		EntityID: transactionID,
		Payload:  map[string]string{"reversal_id": result.ID},
	})
	return result, nil
}

// --- reads ---

// GetTransaction returns a transaction by id. Consumers must be a party
// to it.
func (s *Service) GetTransaction(ctx context.Context, actor Actor, id string) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, "getTransaction", tx.From); err != nil {
		if err2 := Authorize(actor, "getTransaction", tx.To); err2 != nil {
			return nil, err
		}
	}
	return tx, nil
}

// ListTransactions returns the unified statement stream, newest first.
// Consumers and providers see only their own statement.
func (s *Service) ListTransactions(ctx context.Context, actor Actor, f TransactionFilter) ([]*Transaction, error) {
	if !actor.HasRole(RoleAdmin) && !actor.HasRole(RoleOperator) && !actor.HasRole(RoleAuditor) {
		f.AccountID = actor.ID
	}
	if err := Authorize(actor, "listTransactions", f.AccountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, f)
}

// ListBalanceOperations returns the account's administrative
// credit/debit history.
func (s *Service) ListBalanceOperations(ctx context.Context, actor Actor, accountID string, limit int) ([]*BalanceOperation, error) {
	if err := Authorize(actor, "listBalanceOperations", accountID); err != nil {
		return nil, err
	}
	return s.store.ListBalanceOperations(ctx, accountID, limit)
}

// GetStatistics returns the aggregate ledger snapshot.
func (s *Service) GetStatistics(ctx context.Context, actor Actor) (*Statistics, error) {
	if err := Authorize(actor, "getStatistics", ""); err != nil {
		return nil, err
	}
	return s.store.GetStatistics(ctx)
}

// QueryAudit returns audit entries matching the filter.
func (s *Service) QueryAudit(ctx context.Context, actor Actor, f AuditFilter) ([]*AuditLogEntry, error) {
	if err := Authorize(actor, "queryAudit", ""); err != nil {
		return nil, err
	}
	return s.store.QueryAudit(ctx, f)
}
