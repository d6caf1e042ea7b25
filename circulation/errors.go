/*
errors.go - Centralized error types for the circulation engine

PURPOSE:
  All error types in one place. Every engine operation reports failure as
  an error value (never a panic), and every error maps to exactly one Kind
  of the circulation taxonomy via KindOf.

ERROR CATEGORIES:
  1. Precondition errors - detected before any write; storage untouched
  2. Persistence errors  - a write failed mid-transaction; fully rolled back
  3. Lookup errors       - unknown item, loan, hold or user

USAGE:
  loan, err := engine.Checkout(ctx, patronID, itemID)
  switch {
  case errors.Is(err, circulation.ErrLoanLimitReached):
      // tell the patron to return something first
  case circulation.IsPersistence(err):
      // nothing changed; safe to retry
  }

SEE ALSO:
  - engine.go: Produces these errors
  - desk.go: Turns them into Result messages
*/
package circulation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLoanLimitReached: patron already holds policy.MaxActiveLoans loans.
	ErrLoanLimitReached = errors.New("loan limit reached")

	// ErrItemUnavailable: Checkout on an item that is not Available.
	ErrItemUnavailable = errors.New("item not available")

	// ErrNoActiveLoan: Return with no matching (patron, item) loan.
	ErrNoActiveLoan = errors.New("no active loan for this item by this patron")

	// ErrItemAvailable: holds only make sense on unavailable items.
	ErrItemAvailable = errors.New("cannot place a hold on an available item")

	// ErrDuplicateHold: the patron already has a hold on this item.
	ErrDuplicateHold = errors.New("hold already exists")

	// ErrNoSuchHold: CancelHold with nothing to cancel.
	ErrNoSuchHold = errors.New("no hold for this item by this patron")

	// ErrItemCheckedOut: RemoveItem on an item that is on loan.
	ErrItemCheckedOut = errors.New("cannot remove an item that is currently checked out")

	// ErrItemHasHolds: RemoveItem on an item with a non-empty queue.
	ErrItemHasHolds = errors.New("cannot remove an item that has active holds")

	// ErrPersistence: a store write failed; the operation was rolled back.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound: identity-level lookup failed.
	ErrNotFound = errors.New("not found")

	// ErrInvalidItem: AddItem details are incomplete or malformed.
	ErrInvalidItem = errors.New("invalid item")

	// ErrForbidden: the actor's role does not allow the operation.
	ErrForbidden = errors.New("operation not permitted for this role")

	// ErrActiveLoanExists is the loan ledger's uniqueness violation.
	// The engine reports it to callers as ErrItemUnavailable.
	ErrActiveLoanExists = errors.New("an active loan already exists for this item")
)

// =============================================================================
// KINDS
// =============================================================================

// Kind names an entry of the error taxonomy.
type Kind string

const (
	KindNone             Kind = ""
	KindLoanLimitReached Kind = "LoanLimitReached"
	KindItemUnavailable  Kind = "ItemUnavailable"
	KindNoActiveLoan     Kind = "NoActiveLoan"
	KindItemAvailable    Kind = "ItemAvailable"
	KindDuplicateHold    Kind = "DuplicateHold"
	KindNoSuchHold       Kind = "NoSuchHold"
	KindItemCheckedOut   Kind = "ItemCheckedOut"
	KindItemHasHolds     Kind = "ItemHasHolds"
	KindPersistence      Kind = "PersistenceFailure"
	KindNotFound         Kind = "NotFound"
	KindInvalidItem      Kind = "InvalidItem"
	KindForbidden        Kind = "Forbidden"
	KindUnknown          Kind = "Unknown"
)

// Persistence is checked first: a failed write wraps whatever the store
// returned, which may itself be ErrNotFound.
var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrPersistence, KindPersistence},
	{ErrLoanLimitReached, KindLoanLimitReached},
	{ErrItemUnavailable, KindItemUnavailable},
	{ErrNoActiveLoan, KindNoActiveLoan},
	{ErrItemAvailable, KindItemAvailable},
	{ErrDuplicateHold, KindDuplicateHold},
	{ErrNoSuchHold, KindNoSuchHold},
	{ErrItemCheckedOut, KindItemCheckedOut},
	{ErrItemHasHolds, KindItemHasHolds},
	{ErrInvalidItem, KindInvalidItem},
	{ErrForbidden, KindForbidden},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. nil maps to KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LoanLimitError reports the patron's current count against the policy.
type LoanLimitError struct {
	PatronID PatronID
	Active   int
	Max      int
}

func (e *LoanLimitError) Error() string {
	return fmt.Sprintf("loan limit reached: patron %s has %d of %d active loans", e.PatronID, e.Active, e.Max)
}

func (e *LoanLimitError) Unwrap() error { return ErrLoanLimitReached }

// NotFoundError names what was missing.
type NotFoundError struct {
	Entity string // "item", "loan", "hold", "user"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError wraps a failed store step. It matches both ErrPersistence
// and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsPersistence reports a rolled-back store failure. Such operations are
// safe to retry.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsClientError reports a precondition failure caused by the request itself.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindLoanLimitReached, KindItemUnavailable, KindNoActiveLoan, KindItemAvailable,
		KindDuplicateHold, KindNoSuchHold, KindItemCheckedOut, KindItemHasHolds, KindInvalidItem:
		return true
	}
	return false
}

// IsNotFound reports an unknown item, loan, hold or user.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func itemNotFound(id ItemID) error { return &NotFoundError{Entity: "item", ID: string(id)} }
