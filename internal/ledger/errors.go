package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrAccessDenied           = errors.New("access denied")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrImmutableRecord        = errors.New("record is immutable")
	ErrHasSettledInstallments = errors.New("credit purchase has settled installments")
	ErrConflict               = errors.New("concurrent update conflict, retry")
	ErrSchedulingFailed       = errors.New("installment scheduling failed")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInUse                  = errors.New("referenced by ledger history")
)

// ErrAccountNotFound is returned for a missing or inactive account. It matches ErrNotFound.
var ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
}
