package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/lucytrasero/ROBOX-sub001/internal/money"
)

func TestReverseTransfer(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "1000")
	b := mustAccount(t, s, "beta", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "250"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	rev, err := s.Reverse(ctx, admin, tx.ID)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if rev.Type != TypeReversal || rev.From != b.ID || rev.To != a.ID {
		t.Fatalf("reversal = %+v", rev)
	}
	if rev.Meta["reversalOf"] != tx.ID {
		t.Fatalf("reversalOf = %q, want %s", rev.Meta["reversalOf"], tx.ID)
	}
	assertBalance(t, s, a.ID, "1000")
	assertBalance(t, s, b.ID, "0")

	orig, err := s.GetTransaction(ctx, admin, tx.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if orig.Status != TxReversed {
		t.Fatalf("original status = %s, want %s", orig.Status, TxReversed)
	}
}

func TestReverseOnlyOnce(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "10"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := s.Reverse(ctx, admin, tx.ID); err != nil {
		t.Fatalf("first reverse: %v", err)
	}
	if _, err := s.Reverse(ctx, admin, tx.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("second reverse: err = %v, want VALIDATION_ERROR", err)
	}
	assertBalance(t, s, a.ID, "100")
}

func TestReverseKeepsFee(t *testing.T) {
	s := newTestService(Options{FeeCalculator: BpsFee(100)})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "1000")
	b := mustAccount(t, s, "beta", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "100"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := s.Reverse(ctx, admin, tx.ID); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	// The amount comes back, the fee does not.
	assertBalance(t, s, a.ID, "999")
	assertBalance(t, s, b.ID, "0")
}

func TestReverseRejectsOneSiders(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "")
	credit, err := s.Credit(ctx, admin, a.ID, "50", "grant")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := s.Reverse(ctx, admin, credit.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestReverseRequiresOperator(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")
	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "10"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	sender := Actor{ID: a.ID, Roles: []string{RoleConsumer}}
	if _, err := s.Reverse(ctx, sender, tx.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("consumer reverse: err = %v, want FORBIDDEN", err)
	}
	operator := Actor{ID: "ops-1", Roles: []string{RoleOperator}}
	if _, err := s.Reverse(ctx, operator, tx.ID); err != nil {
		t.Fatalf("operator reverse: %v", err)
	}
	if money.Cmp(balanceOf(t, s, a.ID), "100") != 0 {
		t.Fatalf("balance not restored")
	}
}
