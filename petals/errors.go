/*
errors.go - Centralized error types for the petal engine

PURPOSE:
  All sentinel errors in one place. Expected business conditions
  (insufficient funds, invalid amounts) are surfaced through these so the
  API layer can map them to status codes without string matching.

  Cap clamping and idempotent replays are NOT errors - they come back as
  GrantResult fields (Limited, Replayed). Only infrastructure failures and
  caller mistakes produce a non-nil error.

USAGE:
  if errors.Is(err, petals.ErrInsufficientFunds) { ... }

  var ife *petals.InsufficientFundsError
  if errors.As(err, &ife) { ... ife.Available ... }
*/
package petals

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when a grant or debit amount is not a
	// positive integer. Rejected before any side effect.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrInvalidSource is returned when the source tag is empty.
	ErrInvalidSource = errors.New("source is required")

	// ErrUserNotFound is returned when an operation references a wallet that
	// does not exist outside a get-or-create path.
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	// No mutation occurs.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateKey is returned by stores when an idempotency key insert
	// hits the unique constraint. The engine treats this as "already
	// processed" and replays the stored result.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrRequestInFlight is returned when a duplicate request loses the
	// idempotency race but the winner has not stored its result within the
	// poll budget. The caller should retry with the same key.
	ErrRequestInFlight = errors.New("duplicate request still in flight")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports how short a debit fell.
type InsufficientFundsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input
// rather than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidSource) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUserNotFound)
}

// IsRetryable returns true if retrying the operation might succeed. Retries
// are only safe when the original call supplied an idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRequestInFlight)
}
