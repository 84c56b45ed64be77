package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/money"
)

func seedAccount(t *testing.T, st Store, id, balance string) {
	t.Helper()
	err := st.CreateAccount(context.Background(), &Account{
		ID:            id,
		Balance:       balance,
		FrozenBalance: money.Zero,
		Status:        AccountActive,
		Roles:         []string{RoleConsumer},
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestMemoryTxRollback(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.Tx(ctx, func(s Store) error {
		seedAccount(t, s, "bot_a", "10")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := st.GetAccount(ctx, "bot_a"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("account survived rollback: %v", err)
	}
}

func TestMemoryNestedTxSavepoint(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.Tx(ctx, func(outer Store) error {
		seedAccount(t, outer, "bot_a", "10")

		inner := outer.Tx(ctx, func(s Store) error {
			seedAccount(t, s, "bot_b", "10")
			return errors.New("inner failure")
		})
		if inner == nil {
			t.Fatal("inner tx did not fail")
		}

		// The inner rollback must not have undone the outer write.
		if _, err := outer.GetAccount(ctx, "bot_a"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer tx: %v", err)
	}

	if _, err := st.GetAccount(ctx, "bot_a"); err != nil {
		t.Fatalf("outer write lost: %v", err)
	}
	if _, err := st.GetAccount(ctx, "bot_b"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("inner write survived: %v", err)
	}
}

func TestMemoryUpdateBalance(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, st, "bot_a", "10")

	after, err := st.UpdateBalance(ctx, "bot_a", "5")
	if err != nil || money.Cmp(after, "15") != 0 {
		t.Fatalf("credit: %v, after %s", err, after)
	}
	after, err = st.UpdateBalance(ctx, "bot_a", "-15")
	if err != nil || money.Cmp(after, "0") != 0 {
		t.Fatalf("debit: %v, after %s", err, after)
	}
	if _, err := st.UpdateBalance(ctx, "bot_a", "-0.00000001"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw: err = %v, want INSUFFICIENT_FUNDS", err)
	}
	if _, err := st.UpdateBalance(ctx, "bot_missing", "1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("missing: err = %v, want ACCOUNT_NOT_FOUND", err)
	}
}

func TestMemoryFreezeUnfreeze(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, st, "bot_a", "100")

	if err := st.FreezeBalance(ctx, "bot_a", "30"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	a, _ := st.GetAccount(ctx, "bot_a")
	if money.Cmp(a.Balance, "70") != 0 || money.Cmp(a.FrozenBalance, "30") != 0 {
		t.Fatalf("after freeze balance=%s frozen=%s", a.Balance, a.FrozenBalance)
	}

	if err := st.FreezeBalance(ctx, "bot_a", "71"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("over-freeze: err = %v", err)
	}

	if err := st.UnfreezeBalance(ctx, "bot_a", "30"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	a, _ = st.GetAccount(ctx, "bot_a")
	if money.Cmp(a.Balance, "100") != 0 || money.Cmp(a.FrozenBalance, "0") != 0 {
		t.Fatalf("after unfreeze balance=%s frozen=%s", a.Balance, a.FrozenBalance)
	}

	if err := st.UnfreezeBalance(ctx, "bot_a", "1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("unfreeze beyond frozen: err = %v", err)
	}
}

func TestMemoryIdempotencyLookupAbsent(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	tx, err := st.GetTransactionByIdempotencyKey(ctx, "never-used")
	if err != nil || tx != nil {
		t.Fatalf("got %v, %v; want nil, nil", tx, err)
	}
	b, err := st.GetBatchByIdempotencyKey(ctx, "never-used")
	if err != nil || b != nil {
		t.Fatalf("got %v, %v; want nil, nil", b, err)
	}
}

func TestMemoryReadsAreClones(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, st, "bot_a", "10")

	a, _ := st.GetAccount(ctx, "bot_a")
	a.Balance = "999"
	a.Roles[0] = "tampered"

	fresh, _ := st.GetAccount(ctx, "bot_a")
	if money.Cmp(fresh.Balance, "10") != 0 || fresh.Roles[0] != RoleConsumer {
		t.Fatalf("store mutated through a returned copy: %+v", fresh)
	}
}

func TestMemorySumOutgoingSince(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(id, from, to, amount, status string, at time.Time) {
		t.Helper()
		if err := st.CreateTransaction(ctx, &Transaction{
			ID: id, From: from, To: to, Amount: amount,
			Fee: money.Zero, Type: TypeTransfer, Status: status,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		tx, _ := st.GetTransaction(ctx, id)
		tx.CreatedAt = at
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			t.Fatalf("backdate %s: %v", id, err)
		}
	}

	mk("tx_1", "bot_a", "bot_b", "10", TxCompleted, now)
	mk("tx_2", "bot_a", "bot_c", "5", TxCompleted, now)
	mk("tx_3", "bot_a", "bot_b", "100", TxCompleted, now.Add(-48*time.Hour)) // too old
	mk("tx_4", "bot_a", "bot_b", "7", TxFailed, now)                         // not completed
	mk("tx_5", "bot_b", "bot_a", "3", TxCompleted, now)                      // incoming
	mk("tx_6", "bot_a", "bot_a", "9", TxCompleted, now)                      // one-sided

	sum, err := st.SumOutgoingSince(ctx, "bot_a", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if money.Cmp(sum, "15") != 0 {
		t.Fatalf("sum = %s, want 15", sum)
	}
}

func TestMemoryListAccountsFilter(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	mk := func(id, status string, roles, tags []string) {
		if err := st.CreateAccount(ctx, &Account{
			ID: id, Balance: money.Zero, FrozenBalance: money.Zero,
			Status: status, Roles: roles, Tags: tags,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("bot_a", AccountActive, []string{RoleConsumer}, []string{"fleet-a"})
	mk("bot_b", AccountActive, []string{RoleProvider}, nil)
	mk("bot_c", AccountFrozen, []string{RoleConsumer}, []string{"fleet-a"})

	active, _ := st.ListAccounts(ctx, AccountFilter{Status: AccountActive})
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	providers, _ := st.ListAccounts(ctx, AccountFilter{Role: RoleProvider})
	if len(providers) != 1 || providers[0].ID != "bot_b" {
		t.Fatalf("providers = %+v", providers)
	}
	fleet, _ := st.ListAccounts(ctx, AccountFilter{Tag: "fleet-a"})
	if len(fleet) != 2 {
		t.Fatalf("fleet = %d, want 2", len(fleet))
	}
}

func TestMemoryListDueEscrows(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mk := func(id, status string, expires *time.Time) {
		if err := st.CreateEscrow(ctx, &Escrow{
			ID: id, From: "bot_a", To: "bot_b", Amount: "1",
			Status: status, ExpiresAt: expires,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("esc_1", EscrowPending, &past)
	mk("esc_2", EscrowPending, &future)
	mk("esc_3", EscrowReleased, &past)
	mk("esc_4", EscrowPending, nil)

	due, err := st.ListDueEscrows(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "esc_1" {
		t.Fatalf("due = %+v, want [esc_1]", due)
	}
}

func TestMemoryTxWriteSurvivesConcurrentRollback(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.Tx(ctx, func(s Store) error {
			seedAccount(t, s, "bot_doomed", "10")
			close(inside)
			<-release
			return errors.New("boom")
		})
	}()
	<-inside

	// A writer in its own transaction must wait for the open one and
	// must not be erased by its rollback.
	committed := make(chan error, 1)
	go func() {
		committed <- st.Tx(ctx, func(s Store) error {
			return s.CreateBatch(ctx, &BatchTransfer{
				ID:     "batch_survivor",
				Status: BatchPending,
			})
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	if err := <-committed; err != nil {
		t.Fatalf("concurrent batch write: %v", err)
	}
	if _, err := st.GetBatch(ctx, "batch_survivor"); err != nil {
		t.Fatalf("committed batch vanished after unrelated rollback: %v", err)
	}
	if _, err := st.GetAccount(ctx, "bot_doomed"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("rolled-back account survived: %v", err)
	}
}
