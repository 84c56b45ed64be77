package ledger

import "github.com/lucytrasero/ROBOX-sub001/internal/money"

// FeeCalculator computes the fee for a transfer. Pluggable at service
// construction; defaults to no fee.
type FeeCalculator func(amount, txType string) string

// NoFee charges nothing.
func NoFee(string, string) string { return money.Zero }

// BpsFee charges a flat basis-point rate on the transfer amount,
// rounding down. CREDIT/DEBIT one-siders and reversals are never charged.
func BpsFee(bps int64) FeeCalculator {
	return func(amount, txType string) string {
		switch txType {
		case TypeCredit, TypeDebit, TypeReversal:
			return money.Zero
		}
		return money.MulBps(amount, bps)
	}
}
