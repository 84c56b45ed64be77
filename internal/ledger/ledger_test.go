package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lucytrasero/ROBOX-sub001/internal/money"
)

var admin = Actor{ID: "root", Roles: []string{RoleAdmin}}

func newTestService(opts Options) *Service {
	return NewService(NewMemoryStore(), nil, nil, opts)
}

func mustAccount(t *testing.T, s *Service, name, balance string) *Account {
	t.Helper()
	ctx := context.Background()
	a, err := s.CreateAccount(ctx, admin, CreateAccountInput{Name: name})
	if err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	if balance != "" {
		if _, err := s.Credit(ctx, admin, a.ID, balance, "seed"); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	return a
}

func balanceOf(t *testing.T, s *Service, id string) string {
	t.Helper()
	a, err := s.GetAccount(context.Background(), admin, id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return a.Balance
}

func assertBalance(t *testing.T, s *Service, id, want string) {
	t.Helper()
	got := balanceOf(t, s, id)
	if money.Cmp(got, want) != 0 {
		t.Fatalf("balance of %s = %s, want %s", id, got, want)
	}
}

func TestTransferMovesValue(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "1000")
	b := mustAccount(t, s, "beta", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "250"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tx.Status != TxCompleted {
		t.Fatalf("status = %s, want %s", tx.Status, TxCompleted)
	}
	if tx.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
	assertBalance(t, s, a.ID, "750")
	assertBalance(t, s, b.ID, "250")
}

func TestTransferInsufficientFunds(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")

	_, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "250"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want INSUFFICIENT_FUNDS", err)
	}

	// Nothing persisted, balances untouched.
	assertBalance(t, s, a.ID, "100")
	assertBalance(t, s, b.ID, "0")
	txs, err := s.ListTransactions(ctx, admin, TransactionFilter{Type: TypeTransfer})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("persisted %d transfer rows after a failed transfer", len(txs))
	}
}

func TestTransferValidation(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()
	a := mustAccount(t, s, "alpha", "100")

	cases := []struct {
		name string
		in   TransferInput
		want error
	}{
		{"self transfer", TransferInput{From: a.ID, To: a.ID, Amount: "1"}, ErrSelfTransfer},
		{"zero amount", TransferInput{From: a.ID, To: "bot_x", Amount: "0"}, ErrInvalidAmount},
		{"negative amount", TransferInput{From: a.ID, To: "bot_x", Amount: "-5"}, ErrInvalidAmount},
		{"garbage amount", TransferInput{From: a.ID, To: "bot_x", Amount: "ten"}, ErrInvalidAmount},
		{"missing party", TransferInput{From: a.ID, Amount: "1"}, ErrInvalidAccountID},
		{"unknown receiver", TransferInput{From: a.ID, To: "bot_ffffffffffffffff", Amount: "1"}, ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Transfer(ctx, admin, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestTransferIdempotency(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "1000")
	b := mustAccount(t, s, "beta", "")

	first, err := s.Transfer(ctx, admin, TransferInput{
		From: a.ID, To: b.ID, Amount: "100", IdempotencyKey: "pay-1",
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	second, err := s.Transfer(ctx, admin, TransferInput{
		From: a.ID, To: b.ID, Amount: "100", IdempotencyKey: "pay-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned %s, want original %s", second.ID, first.ID)
	}
	assertBalance(t, s, a.ID, "900")
	assertBalance(t, s, b.ID, "100")

	// Same key, different parameters.
	_, err = s.Transfer(ctx, admin, TransferInput{
		From: a.ID, To: b.ID, Amount: "200", IdempotencyKey: "pay-1",
	})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want IDEMPOTENCY_CONFLICT", err)
	}
	assertBalance(t, s, a.ID, "900")
}

func TestTransferLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("max transfer amount", func(t *testing.T) {
		s := newTestService(Options{})
		a := mustAccount(t, s, "alpha", "1000")
		b := mustAccount(t, s, "beta", "")
		if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{
			Limits: &Limits{MaxTransferAmount: "50"},
		}); err != nil {
			t.Fatalf("set limits: %v", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "51"}); !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("err = %v, want LIMIT_EXCEEDED", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "50"}); err != nil {
			t.Fatalf("at-limit transfer: %v", err)
		}
	})

	t.Run("daily limit", func(t *testing.T) {
		s := newTestService(Options{})
		a := mustAccount(t, s, "alpha", "1000")
		b := mustAccount(t, s, "beta", "")
		if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{
			Limits: &Limits{DailyTransferLimit: "100"},
		}); err != nil {
			t.Fatalf("set limits: %v", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "60"}); err != nil {
			t.Fatalf("first: %v", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "41"}); !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("err = %v, want LIMIT_EXCEEDED", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "40"}); err != nil {
			t.Fatalf("remaining headroom: %v", err)
		}
	})

	t.Run("balance floor", func(t *testing.T) {
		s := newTestService(Options{})
		a := mustAccount(t, s, "alpha", "100")
		b := mustAccount(t, s, "beta", "")
		if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{
			Limits: &Limits{MinBalance: "30"},
		}); err != nil {
			t.Fatalf("set limits: %v", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "80"}); !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("err = %v, want LIMIT_EXCEEDED", err)
		}
		if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "70"}); err != nil {
			t.Fatalf("down to floor: %v", err)
		}
		assertBalance(t, s, a.ID, "30")
	})
}

func TestTransferInactiveAccount(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")

	frozen := AccountFrozen
	if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{Status: &frozen}); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "10"})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("frozen sender: err = %v, want ACCOUNT_INACTIVE", err)
	}
	_, err = s.Transfer(ctx, admin, TransferInput{From: b.ID, To: a.ID, Amount: "0.5"})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("frozen receiver: err = %v, want ACCOUNT_INACTIVE", err)
	}
}

func TestTransferFeeBurned(t *testing.T) {
	s := newTestService(Options{FeeCalculator: BpsFee(100)}) // 1%
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "1000")
	b := mustAccount(t, s, "beta", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "100"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if money.Cmp(tx.Fee, "1") != 0 {
		t.Fatalf("fee = %s, want 1", tx.Fee)
	}
	assertBalance(t, s, a.ID, "899")
	assertBalance(t, s, b.ID, "100")
}

func TestTransferFeeSink(t *testing.T) {
	base := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, base, "alpha", "1000")
	b := mustAccount(t, base, "beta", "")
	sink := mustAccount(t, base, "treasury", "")

	s := NewService(base.Store(), nil, nil, Options{
		FeeCalculator:  BpsFee(100),
		FeeSinkAccount: sink.ID,
	})
	if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "100"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertBalance(t, s, a.ID, "899")
	assertBalance(t, s, b.ID, "100")
	assertBalance(t, s, sink.ID, "1")
}

func TestConservation(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "300")
	b := mustAccount(t, s, "beta", "200")
	c := mustAccount(t, s, "gamma", "100")

	hops := []struct {
		from, to, amount string
	}{
		{a.ID, b.ID, "17"},
		{b.ID, c.ID, "99.5"},
		{c.ID, a.ID, "0.00000001"},
		{a.ID, c.ID, "250"},
		{c.ID, b.ID, "120"},
	}
	for i, h := range hops {
		if _, err := s.Transfer(ctx, admin, TransferInput{From: h.from, To: h.to, Amount: h.amount}); err != nil {
			t.Fatalf("hop %d: %v", i, err)
		}
	}

	total := money.Add(balanceOf(t, s, a.ID), money.Add(balanceOf(t, s, b.ID), balanceOf(t, s, c.ID)))
	if money.Cmp(total, "600") != 0 {
		t.Fatalf("total = %s, want 600", total)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "5")
	b := mustAccount(t, s, "beta", "")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "1"})
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 5 || failed != 5 {
		t.Fatalf("ok = %d failed = %d, want 5/5", ok, failed)
	}
	assertBalance(t, s, a.ID, "0")
	assertBalance(t, s, b.ID, "5")
}

func TestCreditDebit(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "")

	if _, err := s.Credit(ctx, admin, a.ID, "50", "grant"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := s.Debit(ctx, admin, a.ID, "20", "penalty"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	assertBalance(t, s, a.ID, "30")

	ops, err := s.ListBalanceOperations(ctx, admin, a.ID, 0)
	if err != nil {
		t.Fatalf("list ops: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	// Newest first.
	if ops[0].Kind != TypeDebit || money.Cmp(ops[0].BalanceAfter, "30") != 0 {
		t.Fatalf("ops[0] = %s after %s", ops[0].Kind, ops[0].BalanceAfter)
	}
	if ops[1].Kind != TypeCredit || money.Cmp(ops[1].BalanceAfter, "50") != 0 {
		t.Fatalf("ops[1] = %s after %s", ops[1].Kind, ops[1].BalanceAfter)
	}

	if _, err := s.Debit(ctx, admin, a.ID, "31", "too deep"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft debit: err = %v, want INSUFFICIENT_FUNDS", err)
	}
	if _, err := s.Credit(ctx, admin, a.ID, "0", "noop"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero credit: err = %v, want INVALID_AMOUNT", err)
	}
}

func TestDebitRespectsFloor(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{
		Limits: &Limits{MinBalance: "40"},
	}); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if _, err := s.Debit(ctx, admin, a.ID, "61", "drain"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want INSUFFICIENT_FUNDS", err)
	}
	if _, err := s.Debit(ctx, admin, a.ID, "60", "drain"); err != nil {
		t.Fatalf("to floor: %v", err)
	}
	assertBalance(t, s, a.ID, "40")
}

func TestCreditAllowedOnFrozenAccount(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "10")
	frozen := AccountFrozen
	if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{Status: &frozen}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := s.Credit(ctx, admin, a.ID, "5", "adjustment"); err != nil {
		t.Fatalf("credit frozen account: %v", err)
	}
	assertBalance(t, s, a.ID, "15")
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a, err := s.CreateAccount(ctx, admin, CreateAccountInput{
		Name:    "worker-7",
		OwnerID: "owner-1",
		Roles:   []string{RoleConsumer, RoleProvider},
		Tags:    []string{"fleet-a"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != AccountActive || money.Cmp(a.Balance, money.Zero) != 0 {
		t.Fatalf("new account status=%s balance=%s", a.Status, a.Balance)
	}
	if a.APIKey == "" {
		t.Fatal("no api key issued")
	}

	byKey, err := s.GetAccountByAPIKey(ctx, a.APIKey)
	if err != nil || byKey.ID != a.ID {
		t.Fatalf("lookup by key: %v %+v", err, byKey)
	}
	if _, err := s.GetAccountByAPIKey(ctx, "not-a-key"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("malformed key: err = %v, want UNAUTHORIZED", err)
	}

	byOwner, err := s.GetAccountsByOwner(ctx, admin, "owner-1")
	if err != nil || len(byOwner) != 1 {
		t.Fatalf("by owner: %v, n=%d", err, len(byOwner))
	}

	rotated, err := s.RegenerateAPIKey(ctx, admin, a.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if rotated.APIKey == a.APIKey {
		t.Fatal("api key unchanged after rotation")
	}
	if _, err := s.GetAccountByAPIKey(ctx, a.APIKey); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("old key still resolves: %v", err)
	}

	newName := "worker-7b"
	upd, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{Name: &newName})
	if err != nil || upd.Name != "worker-7b" {
		t.Fatalf("update: %v %+v", err, upd)
	}

	bogus := "DORMANT"
	if _, err := s.UpdateAccount(ctx, admin, a.ID, UpdateAccountInput{Status: &bogus}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("bogus status: err = %v, want INVALID_STATUS", err)
	}
}

func TestDeleteAccountRequiresDrain(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "10")
	if err := s.DeleteAccount(ctx, admin, a.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("delete funded: err = %v, want VALIDATION_ERROR", err)
	}
	if _, err := s.Debit(ctx, admin, a.ID, "10", "drain"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := s.DeleteAccount(ctx, admin, a.ID); err != nil {
		t.Fatalf("delete drained: %v", err)
	}
	if _, err := s.GetAccount(ctx, admin, a.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("get deleted: err = %v, want ACCOUNT_NOT_FOUND", err)
	}
}

func TestListTransactionsScoping(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "100")
	c := mustAccount(t, s, "gamma", "")

	if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: c.ID, Amount: "10"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := s.Transfer(ctx, admin, TransferInput{From: b.ID, To: c.ID, Amount: "10"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// A consumer sees only its own statement even when asking for more.
	aActor := Actor{ID: a.ID, Roles: []string{RoleConsumer}}
	txs, err := s.ListTransactions(ctx, aActor, TransactionFilter{AccountID: b.ID, Type: TypeTransfer})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, tx := range txs {
		if tx.From != a.ID && tx.To != a.ID {
			t.Fatalf("consumer saw foreign transaction %s", tx.ID)
		}
	}
	if len(txs) != 1 {
		t.Fatalf("got %d rows, want 1", len(txs))
	}

	all, err := s.ListTransactions(ctx, admin, TransactionFilter{Type: TypeTransfer})
	if err != nil || len(all) != 2 {
		t.Fatalf("admin list: %v, n=%d", err, len(all))
	}
}

func TestGetTransactionPartyCheck(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")
	c := mustAccount(t, s, "gamma", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "10"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	for _, id := range []string{a.ID, b.ID} {
		actor := Actor{ID: id, Roles: []string{RoleConsumer}}
		if _, err := s.GetTransaction(ctx, actor, tx.ID); err != nil {
			t.Fatalf("party %s denied: %v", id, err)
		}
	}
	outsider := Actor{ID: c.ID, Roles: []string{RoleConsumer}}
	if _, err := s.GetTransaction(ctx, outsider, tx.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider: err = %v, want FORBIDDEN", err)
	}
}

func TestDefaultLimitsStamped(t *testing.T) {
	s := newTestService(Options{DefaultLimits: &Limits{MaxTransferAmount: "500"}})
	ctx := context.Background()

	a, err := s.CreateAccount(ctx, admin, CreateAccountInput{Name: "alpha"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Limits == nil || a.Limits.MaxTransferAmount != "500" {
		t.Fatalf("limits = %+v, want default max 500", a.Limits)
	}
}

func TestAfterTransferHook(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")

	var seen []string
	s.AfterTransfer(func(_ context.Context, tx *Transaction) {
		seen = append(seen, tx.ID)
	})
	s.AfterTransfer(func(context.Context, *Transaction) {
		panic("hook gone wrong")
	})

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "10"})
	if err != nil {
		t.Fatalf("transfer with panicking hook: %v", err)
	}
	if len(seen) != 1 || seen[0] != tx.ID {
		t.Fatalf("hook saw %v, want [%s]", seen, tx.ID)
	}
}

func TestGetStatistics(t *testing.T) {
	s := newTestService(Options{FeeCalculator: BpsFee(100)})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "1000")
	b := mustAccount(t, s, "beta", "")
	if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "100"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	stats, err := s.GetStatistics(ctx, admin)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.AccountsByStatus[AccountActive] != 2 {
		t.Fatalf("active accounts = %d, want 2", stats.AccountsByStatus[AccountActive])
	}
	if money.Cmp(stats.TotalBalance, "999") != 0 {
		t.Fatalf("total balance = %s, want 999", stats.TotalBalance)
	}
	if money.Cmp(stats.FeesCollected, "1") != 0 {
		t.Fatalf("fees = %s, want 1", stats.FeesCollected)
	}
}
