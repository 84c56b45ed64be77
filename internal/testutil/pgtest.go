// Package testutil holds helpers for integration tests that need a real
// PostgreSQL database.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
)

// PG opens the database named by POSTGRES_URL, runs migrations, and
// truncates every table so the test starts clean. The test is skipped
// when POSTGRES_URL is unset.
func PG(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	if err := ledger.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	_, err = db.ExecContext(ctx, `TRUNCATE accounts, transactions, balance_operations,
		escrows, batch_transfers, audit_logs, scheduled_payments RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}
