package ledger

import "fmt"

// Error codes surfaced by the clearing engine.
const (
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidAccountID    = "INVALID_ACCOUNT_ID"
	CodeInvalidStatus       = "INVALID_STATUS"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeSelfTransfer        = "SELF_TRANSFER"
	CodeDuplicateAPIKey     = "DUPLICATE_API_KEY"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	CodeEscrowNotFound      = "ESCROW_NOT_FOUND"
	CodeScheduleNotFound    = "SCHEDULE_NOT_FOUND"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeLockTimeout         = "LOCK_TIMEOUT"
	CodeStorage             = "STORAGE_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL"
)

// Error is a coded engine error. Two Errors match under errors.Is when
// their codes are equal, so callers can branch on the sentinels below
// even when the message carries detail.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf creates a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidAmount       = &Error{CodeInvalidAmount, "amount must be a positive decimal with at most 8 places"}
	ErrInvalidAccountID    = &Error{CodeInvalidAccountID, "account id is malformed"}
	ErrInvalidStatus       = &Error{CodeInvalidStatus, "status value is not recognized"}
	ErrValidation          = &Error{CodeValidation, "request failed validation"}
	ErrInsufficientFunds   = &Error{CodeInsufficientFunds, "balance does not cover amount plus fee"}
	ErrLimitExceeded       = &Error{CodeLimitExceeded, "transfer exceeds account limits"}
	ErrAccountInactive     = &Error{CodeAccountInactive, "account is not active"}
	ErrSelfTransfer        = &Error{CodeSelfTransfer, "sender and receiver are the same account"}
	ErrDuplicateAPIKey     = &Error{CodeDuplicateAPIKey, "api key already in use"}
	ErrUnauthorized        = &Error{CodeUnauthorized, "actor is not authenticated"}
	ErrForbidden           = &Error{CodeForbidden, "actor may not perform this action"}
	ErrAccountNotFound     = &Error{CodeAccountNotFound, "account not found"}
	ErrTransactionNotFound = &Error{CodeTransactionNotFound, "transaction not found"}
	ErrEscrowNotFound      = &Error{CodeEscrowNotFound, "escrow not found"}
	ErrScheduleNotFound    = &Error{CodeScheduleNotFound, "scheduled payment not found"}
	ErrIdempotencyConflict = &Error{CodeIdempotencyConflict, "idempotency key reused with a different request"}
	ErrLockTimeout         = &Error{CodeLockTimeout, "could not acquire lock in time"}
	ErrStorage             = &Error{CodeStorage, "storage operation failed"}
	ErrTimeout             = &Error{CodeTimeout, "operation deadline exceeded"}
	ErrInternal            = &Error{CodeInternal, "internal error"}
)
