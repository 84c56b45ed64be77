package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/lucytrasero/ROBOX-sub001/internal/money"
)

// Transaction meta key holding the request fingerprint for idempotency
// conflict detection.
const metaFingerprint = "fingerprint"

// Fingerprint hashes the semantic inputs of a transfer request. Two
// requests with the same idempotency key must produce the same
// fingerprint to be treated as retries; otherwise the second fails with
// IDEMPOTENCY_CONFLICT. The amount is normalized first so "50" and
// "50.0" hash identically. The hash is keyed to the request body, not
// to the stored transaction row.
func Fingerprint(from, to, amount, txType, memo string) string {
	if v, ok := money.Parse(amount); ok {
		amount = money.Format(v)
	}
	h := sha256.Sum256([]byte(strings.Join([]string{from, to, amount, txType, memo}, "|")))
	return hex.EncodeToString(h[:])
}
