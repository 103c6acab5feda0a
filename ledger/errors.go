/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is and read details with errors.As.

ERROR CATEGORIES:
  1. Client errors - Validation, already settled, overpayment, key reuse, invalid state
  2. Lookup errors - Missing participation, entry, or settlement
  3. Retryable errors - Storage failures and concurrency conflicts

USAGE:
    view, err := svc.RegisterPayment(ctx, req)
    var over *ledger.OverpaymentError
    if errors.As(err, &over) {
        // over.View is the authoritative balance to show the operator
    }

SEE ALSO:
  - settlement.go: Raises AlreadySettled / Overpayment
  - api/handlers.go: Maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a request is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadySettled is returned when a payment targets a zero balance.
	ErrAlreadySettled = errors.New("already settled")

	// ErrOverpayment is returned when a payment exceeds the remaining balance.
	ErrOverpayment = errors.New("payment exceeds balance")

	// ErrNotFound is returned when a referenced participation or entry doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an entry transition is not allowed.
	ErrInvalidState = errors.New("invalid state")

	// ErrStorage is returned when the store is unavailable or a write fails.
	ErrStorage = errors.New("storage failure")

	// ErrConcurrencyConflict is returned when a concurrent writer won the race.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrIdempotencyMismatch is returned when a key is reused for a different request.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

	// ErrDuplicateIdempotencyKey is returned by stores when a key already exists.
	// The settlement workflow turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AlreadySettledError carries the current view so callers can show it.
// It also matches ErrOverpayment: any positive payment against a zero balance overpays.
type AlreadySettledError struct {
	View BalanceView
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("participation %s is already settled for %s (paid %s of %s)",
		e.View.ParticipationID, scopeLabel(e.View.Scope), e.View.Paid, e.View.Owed)
}

func (e *AlreadySettledError) Unwrap() []error {
	return []error{ErrAlreadySettled, ErrOverpayment}
}

type OverpaymentError struct {
	View      BalanceView
	Requested Amount
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds remaining balance %s for %s",
		e.Requested, e.View.Balance, scopeLabel(e.View.Scope))
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InvalidStateError struct {
	EntryID EntryID
	Status  Status
	Action  string
}

func (e *InvalidStateError) Error() string {
	if e.EntryID == "" {
		return fmt.Sprintf("cannot %s", e.Action)
	}
	return fmt.Sprintf("cannot %s entry %s in status %s", e.Action, e.EntryID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// StorageError wraps a driver failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

type ConcurrencyConflictError struct {
	Key string
	Err error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("concurrent modification of %s, try again", e.Key)
	}
	return fmt.Sprintf("concurrent modification of %s, try again: %v", e.Key, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrencyConflict}
	}
	return []error{ErrConcurrencyConflict, e.Err}
}

type IdempotencyMismatchError struct {
	Key      string
	Original SettlementRecord
}

func (e *IdempotencyMismatchError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used for participation %s (%s)",
		e.Key, e.Original.ParticipationID, e.Original.Scope)
}

func (e *IdempotencyMismatchError) Unwrap() error { return ErrIdempotencyMismatch }

func scopeLabel(s *Scope) string {
	if s == nil {
		return "all scopes"
	}
	return string(*s)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ViewOf extracts the balance view carried by a settlement rejection.
func ViewOf(err error) (BalanceView, bool) {
	var settled *AlreadySettledError
	if errors.As(err, &settled) {
		return settled.View, true
	}
	var over *OverpaymentError
	if errors.As(err, &over) {
		return over.View, true
	}
	return BalanceView{}, false
}
