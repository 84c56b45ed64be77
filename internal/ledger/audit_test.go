package ledger

import (
	"context"
	"testing"
	"time"
)

func TestTransferAuditTrail(t *testing.T) {
	s := newTestService(Options{EnableAuditLog: true})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")

	tx, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "25"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	completed, err := s.QueryAudit(ctx, admin, AuditFilter{Action: ActionTransferCompleted})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(completed) != 1 || completed[0].EntityID != tx.ID {
		t.Fatalf("completed entries = %+v, want one for %s", completed, tx.ID)
	}
	if completed[0].Meta["amount"] != "25" {
		t.Fatalf("meta amount = %q", completed[0].Meta["amount"])
	}

	debits, err := s.QueryAudit(ctx, admin, AuditFilter{EntityID: a.ID, Action: ActionBalanceDebit})
	if err != nil {
		t.Fatalf("query debits: %v", err)
	}
	if len(debits) != 1 {
		t.Fatalf("got %d debit entries for sender, want 1", len(debits))
	}
	ch, ok := debits[0].Changes["balance"]
	if !ok {
		t.Fatalf("debit entry has no balance change: %+v", debits[0])
	}
	if ch.Before != "100.00000000" || ch.After != "75.00000000" {
		t.Fatalf("balance change = %+v", ch)
	}
}

func TestAuditDisabled(t *testing.T) {
	s := newTestService(Options{})
	ctx := context.Background()

	a := mustAccount(t, s, "alpha", "100")
	b := mustAccount(t, s, "beta", "")
	if _, err := s.Transfer(ctx, admin, TransferInput{From: a.ID, To: b.ID, Amount: "10"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	entries, err := s.QueryAudit(ctx, admin, AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("audit disabled but %d entries written", len(entries))
	}
}

func TestQueryAuditFilters(t *testing.T) {
	s := newTestService(Options{EnableAuditLog: true})
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	a := mustAccount(t, s, "alpha", "")
	b := mustAccount(t, s, "beta", "")

	byActor, err := s.QueryAudit(ctx, admin, AuditFilter{ActorID: admin.ID})
	if err != nil {
		t.Fatalf("by actor: %v", err)
	}
	if len(byActor) == 0 {
		t.Fatal("no entries for the acting admin")
	}

	byEntity, err := s.QueryAudit(ctx, admin, AuditFilter{EntityID: b.ID})
	if err != nil {
		t.Fatalf("by entity: %v", err)
	}
	for _, e := range byEntity {
		if e.EntityID != b.ID {
			t.Fatalf("entity filter leaked %s", e.EntityID)
		}
	}

	old, err := s.QueryAudit(ctx, admin, AuditFilter{To: before})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("entries before the test started: %d", len(old))
	}

	limited, err := s.QueryAudit(ctx, admin, AuditFilter{Limit: 1})
	if err != nil {
		t.Fatalf("limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}

	auditor := Actor{ID: "aud-1", Roles: []string{RoleAuditor}}
	if _, err := s.QueryAudit(ctx, auditor, AuditFilter{}); err != nil {
		t.Fatalf("auditor read: %v", err)
	}
	consumer := Actor{ID: a.ID, Roles: []string{RoleConsumer}}
	if _, err := s.QueryAudit(ctx, consumer, AuditFilter{}); err == nil {
		t.Fatal("consumer allowed to query audit")
	}
}

func TestAuthorizeTable(t *testing.T) {
	cases := []struct {
		name   string
		actor  Actor
		action string
		target string
		ok     bool
	}{
		{"admin anything", Actor{ID: "x", Roles: []string{RoleAdmin}}, "deleteAccount", "bot_a", true},
		{"operator mutate", Actor{ID: "x", Roles: []string{RoleOperator}}, "credit", "bot_a", true},
		{"operator delete", Actor{ID: "x", Roles: []string{RoleOperator}}, "deleteAccount", "bot_a", false},
		{"auditor read", Actor{ID: "x", Roles: []string{RoleAuditor}}, "queryAudit", "", true},
		{"auditor mutate", Actor{ID: "x", Roles: []string{RoleAuditor}}, "transfer", "bot_a", false},
		{"consumer self", Actor{ID: "bot_a", Roles: []string{RoleConsumer}}, "transfer", "bot_a", true},
		{"consumer other", Actor{ID: "bot_a", Roles: []string{RoleConsumer}}, "transfer", "bot_b", false},
		{"provider self read", Actor{ID: "bot_a", Roles: []string{RoleProvider}}, "getAccount", "bot_a", true},
		{"consumer admin action", Actor{ID: "bot_a", Roles: []string{RoleConsumer}}, "credit", "bot_a", false},
		{"no identity", Actor{}, "getAccount", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.actor, tc.action, tc.target)
			if tc.ok && err != nil {
				t.Fatalf("denied: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("allowed")
			}
		})
	}
}
