// Package idgen provides cryptographically random identifier generation.
//
// Every entity carries a typed prefix followed by lowercase hex:
//
//	account      bot_   + 16 hex chars
//	transaction  tx_    + 24 hex chars
//	escrow       esc_   + 20 hex chars
//	batch        batch_ + 16 hex chars
//	schedule     sched_ + 20 hex chars
//	api key      rbx_   + 48 hex chars
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// APIKeyPattern matches a well-formed api key.
var APIKeyPattern = regexp.MustCompile(`^rbx_[a-f0-9]{48}$`)

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix generates a random ID with a prefix and numBytes random bytes
// (2*numBytes hex chars).
func WithPrefix(prefix string, numBytes int) string {
	return prefix + Hex(numBytes)
}

// AccountID generates a new account identifier.
func AccountID() string { return WithPrefix("bot_", 8) }

// TransactionID generates a new transaction identifier.
func TransactionID() string { return WithPrefix("tx_", 12) }

// EscrowID generates a new escrow identifier.
func EscrowID() string { return WithPrefix("esc_", 10) }

// BatchID generates a new batch identifier.
func BatchID() string { return WithPrefix("batch_", 8) }

// ScheduleID generates a new scheduled payment identifier.
func ScheduleID() string { return WithPrefix("sched_", 10) }

// APIKey generates a new account credential.
func APIKey() string { return WithPrefix("rbx_", 24) }

// ValidAPIKey reports whether s is a well-formed api key.
func ValidAPIKey(s string) bool { return APIKeyPattern.MatchString(s) }
