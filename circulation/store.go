/*
store.go - Persistence interfaces for the circulation engine

PURPOSE:
  Defines the boundary between the engine and storage. The engine treats
  storage as a transactional backend offering point lookup by id, filtered
  lookup by secondary key (patron, item), insert, update, delete, and
  transaction demarcation.

KEY INTERFACES:
  CatalogueStore: Item records and availability status
  LoanLedger:     Active loans, at most one per item
  HoldQueue:      Per-item ordered hold queues
  UserDirectory:  Users and roles (for the orchestration layer's guard)
  Store:          The four above, as one handle
  TxStore:        Store + WithTx for atomic multi-store writes

NO BUSINESS RULES:
  Stores are pure state holders. They enforce only structural uniqueness
  (one loan per item, one hold per patron+item) and hold-position
  contiguity. Policy and availability checks live in engine.go.

ATOMIC GROUPS:
  Every engine operation runs inside one WithTx call:
  - Checkout:   {insert loan, set item CheckedOut}
  - Return:     {delete loan, set item Available}
  - CancelHold: {delete hold, renumber remaining holds}
  If fn returns an error, every write made through the view is undone.

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory, snapshot + restore rollback
  - store/sqlite/sqlite.go:      SQLite, single writer
  - store/postgres/postgres.go:  Postgres, row locks + advisory locks

SEE ALSO:
  - engine.go: The only writer of loans and holds
*/
package circulation

import "context"

// =============================================================================
// CATALOGUE
// =============================================================================

// CatalogueStore holds items and their availability.
// Missing items are reported as an error matching ErrNotFound.
type CatalogueStore interface {
	GetStatus(ctx context.Context, id ItemID) (Status, error)
	SetStatus(ctx context.Context, id ItemID, status Status) error

	Get(ctx context.Context, id ItemID) (Item, error)
	// List returns items ordered by title.
	List(ctx context.Context, filter ItemFilter) ([]Item, error)
	Insert(ctx context.Context, item Item) error
	Delete(ctx context.Context, id ItemID) error
	// MaxItemNumber is the highest numeric suffix among I### ids, 0 if none.
	MaxItemNumber(ctx context.Context) (int, error)
}

// =============================================================================
// LOANS
// =============================================================================

// LoanLedger holds active loans.
type LoanLedger interface {
	ActiveLoanCount(ctx context.Context, patron PatronID) (int, error)
	// ActiveLoanForItem returns (nil, nil) when the item is not on loan.
	ActiveLoanForItem(ctx context.Context, item ItemID) (*Loan, error)
	// CountForItem counts loan rows referencing the item (0 or 1 when consistent).
	CountForItem(ctx context.Context, item ItemID) (int, error)
	// Insert fails with ErrActiveLoanExists if the item already has a loan.
	Insert(ctx context.Context, loan Loan) error
	// DeleteByPatronAndItem fails with ErrNotFound when nothing matched.
	DeleteByPatronAndItem(ctx context.Context, patron PatronID, item ItemID) error
	Lookup(ctx context.Context, id LoanID) (Loan, error)
	// ListByPatron returns loans in insertion order.
	ListByPatron(ctx context.Context, patron PatronID) ([]Loan, error)
}

// =============================================================================
// HOLDS
// =============================================================================

// HoldQueue holds per-item FIFO queues. Positions for an item are always the
// contiguous range 1..N.
type HoldQueue interface {
	CountForItem(ctx context.Context, item ItemID) (int, error)
	ExistsForPatronItem(ctx context.Context, patron PatronID, item ItemID) (bool, error)
	// Append stores the hold at max position + 1 (1 for an empty queue) and
	// returns that position. hold.Position is ignored. Fails with
	// ErrDuplicateHold if the patron already holds the item.
	Append(ctx context.Context, hold Hold) (int, error)
	// RemoveAndRenumber deletes the (patron, item) hold and closes the gap.
	// Fails with ErrNotFound when there is no such hold.
	RemoveAndRenumber(ctx context.Context, patron PatronID, item ItemID) error
	Lookup(ctx context.Context, id HoldID) (Hold, error)
	// ListForItem and ListByPatron order by position ascending.
	ListForItem(ctx context.Context, item ItemID) ([]Hold, error)
	ListByPatron(ctx context.Context, patron PatronID) ([]Hold, error)
}

// =============================================================================
// USERS
// =============================================================================

// UserDirectory stands in for the identity provider.
type UserDirectory interface {
	Get(ctx context.Context, id UserID) (User, error)
	// FindByName matches usernames case-insensitively.
	FindByName(ctx context.Context, username string) (User, error)
	Insert(ctx context.Context, user User) error
	List(ctx context.Context) ([]User, error)
}

// =============================================================================
// STORE HANDLES
// =============================================================================

// Store is one handle over all four stores. Inside WithTx the handle passed
// to fn is bound to the transaction.
type Store interface {
	Items() CatalogueStore
	Loans() LoanLedger
	Holds() HoldQueue
	Users() UserDirectory
}

// TxStore adds transaction demarcation.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Resetter is implemented by stores that can be wiped (demo scenarios, tests).
type Resetter interface {
	Reset(ctx context.Context) error
}
