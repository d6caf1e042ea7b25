/*
engine.go - The circulation engine: atomic state transitions

PURPOSE:
  Orchestrates Checkout, Return, PlaceHold and CancelHold (plus the
  librarian-side AddItem and RemoveItem) as atomic operations spanning the
  catalogue, loan ledger and hold queue stores.

STATE MACHINE (per item):
  Available --Checkout--> CheckedOut{loan}
  CheckedOut --Return--> Available
  Holds may exist in either state; they only matter while CheckedOut.
  Return does NOT promote the head of the queue: the waiting patron must
  check the item out explicitly once it is Available again.

OPERATION SHAPE:
  1. Open one transaction (store.WithTx)
  2. Check preconditions in a fixed order; first failure wins and nothing
     has been written yet
  3. Apply every write of the atomic group through the same transaction
  4. Any write failure -> PersistenceError -> the whole group rolls back

CONCURRENCY:
  Operations on the same item serialize through the store's transaction
  (a single writer for memory/SQLite, row and advisory locks for Postgres).
  Two concurrent Checkouts of one item: one wins, the other sees
  ErrItemUnavailable.

EXAMPLE:
  engine, _ := circulation.NewEngine(store, circulation.DefaultPolicy())
  loan, err := engine.Checkout(ctx, "U001", "I003")
  if errors.Is(err, circulation.ErrItemUnavailable) {
      pos, _ := engine.PlaceHold(ctx, "U001", "I003")
  }

SEE ALSO:
  - store.go: Atomic groups and store contracts
  - desk.go: Role checks and user-facing results on top of the engine
*/
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Clock supplies "now". Tests pin it.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Operation names an engine operation for observers.
type Operation string

const (
	OpCheckout   Operation = "checkout"
	OpReturn     Operation = "return"
	OpPlaceHold  Operation = "place_hold"
	OpCancelHold Operation = "cancel_hold"
	OpAddItem    Operation = "add_item"
	OpRemoveItem Operation = "remove_item"
)

// Observer is told the outcome of every write operation. KindNone means
// success.
type Observer interface {
	ObserveOperation(op Operation, outcome Kind, elapsed time.Duration)
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the only writer of loans and holds, and the only component that
// flips item status outside item creation and removal.
type Engine struct {
	store    TxStore
	policy   Policy
	clock    Clock
	ids      IDGenerator
	log      *slog.Logger
	observer Observer
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithIDs(g IDGenerator) Option { return func(e *Engine) { e.ids = g } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// NewEngine creates an engine over store enforcing policy.
func NewEngine(store TxStore, policy Policy, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("circulation: nil store")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:  store,
		policy: policy,
		clock:  SystemClock,
		ids:    NewSequence(),
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// Store exposes the backing store for read-side projections.
func (e *Engine) Store() TxStore { return e.store }

// =============================================================================
// CHECKOUT / RETURN
// =============================================================================

// Checkout lends item to patron.
//
// Preconditions, in order: the patron is below the loan limit; the item
// exists and is Available. Effect: insert the loan (due = now + loan
// period) and mark the item CheckedOut, atomically.
func (e *Engine) Checkout(ctx context.Context, patron PatronID, item ItemID) (loan Loan, err error) {
	defer e.observe(OpCheckout, time.Now(), &err)

	err = e.store.WithTx(ctx, func(tx Store) error {
		active, err := tx.Loans().ActiveLoanCount(ctx, patron)
		if err != nil {
			return persistence("count active loans", err)
		}
		if e.policy.AtLimit(active) {
			return &LoanLimitError{PatronID: patron, Active: active, Max: e.policy.MaxActiveLoans}
		}

		status, err := tx.Items().GetStatus(ctx, item)
		if err != nil {
			return lookupItem(item, err)
		}
		if status != StatusAvailable {
			return fmt.Errorf("%w: %s is %s", ErrItemUnavailable, item, status)
		}

		now := e.clock.Now()
		l := Loan{
			ID:           e.ids.NewLoanID(),
			PatronID:     patron,
			ItemID:       item,
			CheckoutDate: now,
			DueDate:      e.policy.DueDate(now),
		}
		if err := tx.Loans().Insert(ctx, l); err != nil {
			if errors.Is(err, ErrActiveLoanExists) {
				return fmt.Errorf("%w: %s already has an active loan", ErrItemUnavailable, item)
			}
			return persistence("insert loan", err)
		}
		if err := tx.Items().SetStatus(ctx, item, StatusCheckedOut); err != nil {
			return persistence("mark item checked out", err)
		}
		loan = l
		return nil
	})
	if err = e.settle(ctx, OpCheckout, err, "patron", patron, "item", item); err != nil {
		return Loan{}, err
	}
	e.log.InfoContext(ctx, "item checked out",
		"patron", patron, "item", item, "loan", loan.ID, "due", loan.DueDate)
	return loan, nil
}

// Return ends patron's loan of item and makes the item Available again.
// The hold queue is left exactly as it was.
func (e *Engine) Return(ctx context.Context, patron PatronID, item ItemID) (err error) {
	defer e.observe(OpReturn, time.Now(), &err)

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Loans().DeleteByPatronAndItem(ctx, patron, item); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: patron %s, item %s", ErrNoActiveLoan, patron, item)
			}
			return persistence("delete loan", err)
		}
		if err := tx.Items().SetStatus(ctx, item, StatusAvailable); err != nil {
			return persistence("mark item available", err)
		}
		return nil
	})
	if err = e.settle(ctx, OpReturn, err, "patron", patron, "item", item); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "item returned", "patron", patron, "item", item)
	return nil
}

// =============================================================================
// HOLDS
// =============================================================================

// PlaceHold queues patron for item and returns the assigned position.
// Holds are only accepted on items that are not Available.
func (e *Engine) PlaceHold(ctx context.Context, patron PatronID, item ItemID) (position int, err error) {
	defer e.observe(OpPlaceHold, time.Now(), &err)

	err = e.store.WithTx(ctx, func(tx Store) error {
		status, err := tx.Items().GetStatus(ctx, item)
		if err != nil {
			return lookupItem(item, err)
		}
		if status == StatusAvailable {
			return fmt.Errorf("%w: %s", ErrItemAvailable, item)
		}

		exists, err := tx.Holds().ExistsForPatronItem(ctx, patron, item)
		if err != nil {
			return persistence("check existing hold", err)
		}
		if exists {
			return fmt.Errorf("%w: patron %s, item %s", ErrDuplicateHold, patron, item)
		}

		pos, err := tx.Holds().Append(ctx, Hold{ID: e.ids.NewHoldID(), PatronID: patron, ItemID: item})
		if err != nil {
			if errors.Is(err, ErrDuplicateHold) {
				return err
			}
			return persistence("append hold", err)
		}
		position = pos
		return nil
	})
	if err = e.settle(ctx, OpPlaceHold, err, "patron", patron, "item", item); err != nil {
		return 0, err
	}
	e.log.InfoContext(ctx, "hold placed", "patron", patron, "item", item, "position", position)
	return position, nil
}

// CancelHold removes patron's hold on item; holds behind it move up one.
func (e *Engine) CancelHold(ctx context.Context, patron PatronID, item ItemID) (err error) {
	defer e.observe(OpCancelHold, time.Now(), &err)

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Holds().RemoveAndRenumber(ctx, patron, item); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: patron %s, item %s", ErrNoSuchHold, patron, item)
			}
			return persistence("remove hold", err)
		}
		return nil
	})
	if err = e.settle(ctx, OpCancelHold, err, "patron", patron, "item", item); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "hold cancelled", "patron", patron, "item", item)
	return nil
}

// =============================================================================
// CATALOGUE MAINTENANCE
// =============================================================================

// AddItem stores a new item under the highest stored I### number + 1. Status
// defaults to Available; only an explicit CheckedOut is kept.
func (e *Engine) AddItem(ctx context.Context, details Item) (id ItemID, err error) {
	defer e.observe(OpAddItem, time.Now(), &err)

	item := details
	item.Title = strings.TrimSpace(item.Title)
	item.Creator = strings.TrimSpace(item.Creator)
	if err := validateItem(item); err != nil {
		return "", err
	}
	if item.Status != StatusCheckedOut {
		item.Status = StatusAvailable
	}

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := e.alignIDs(ctx, tx); err != nil {
			return err
		}
		next, err := e.ids.NextItemID(ctx)
		if err != nil {
			return persistence("allocate item id", err)
		}
		item.ID = next
		if err := tx.Items().Insert(ctx, item); err != nil {
			return persistence("insert item", err)
		}
		id = next
		return nil
	})
	if err = e.settle(ctx, OpAddItem, err, "title", item.Title); err != nil {
		return "", err
	}
	e.log.InfoContext(ctx, "item added", "item", id, "title", item.Title, "format", item.Format)
	return id, nil
}

// RemoveItem deletes an item that is neither on loan nor held.
func (e *Engine) RemoveItem(ctx context.Context, item ItemID) (err error) {
	defer e.observe(OpRemoveItem, time.Now(), &err)

	err = e.store.WithTx(ctx, func(tx Store) error {
		status, err := tx.Items().GetStatus(ctx, item)
		if err != nil {
			return lookupItem(item, err)
		}
		if status == StatusCheckedOut {
			return fmt.Errorf("%w: %s", ErrItemCheckedOut, item)
		}

		holds, err := tx.Holds().CountForItem(ctx, item)
		if err != nil {
			return persistence("count holds", err)
		}
		if holds > 0 {
			return fmt.Errorf("%w: %s has %d", ErrItemHasHolds, item, holds)
		}

		// Status says Available; make sure no loan row disagrees.
		loans, err := tx.Loans().CountForItem(ctx, item)
		if err != nil {
			return persistence("count loans", err)
		}
		if loans > 0 {
			return fmt.Errorf("%w: %s is referenced by a loan", ErrItemCheckedOut, item)
		}

		if err := tx.Items().Delete(ctx, item); err != nil {
			return persistence("delete item", err)
		}
		return nil
	})
	if err = e.settle(ctx, OpRemoveItem, err, "item", item); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "item removed", "item", item)
	return nil
}

// SyncIDs re-primes the item sequence from storage. Call it after loading
// items behind the engine's back (seeding, restores).
func (e *Engine) SyncIDs(ctx context.Context) error {
	p, ok := e.ids.(Primer)
	if !ok {
		return nil
	}
	highest, err := e.store.Items().MaxItemNumber(ctx)
	if err != nil {
		return persistence("read item sequence", err)
	}
	p.Prime(highest)
	return nil
}

// alignIDs re-reads the highest stored item number inside tx so that engines
// sharing one store never hand out the same id.
func (e *Engine) alignIDs(ctx context.Context, tx Store) error {
	p, ok := e.ids.(Primer)
	if !ok {
		return nil
	}
	highest, err := tx.Items().MaxItemNumber(ctx)
	if err != nil {
		return persistence("read item sequence", err)
	}
	p.Prime(highest)
	return nil
}

func validateItem(item Item) error {
	var missing []string
	if item.Title == "" {
		missing = append(missing, "title")
	}
	if item.Creator == "" {
		missing = append(missing, "creator")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidItem, strings.Join(missing, ", "))
	}
	if !item.Format.Valid() {
		return fmt.Errorf("%w: unknown format %q", ErrInvalidItem, item.Format)
	}
	if item.Status != "" && !item.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, item.Status)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Item(ctx context.Context, id ItemID) (Item, error) {
	item, err := e.store.Items().Get(ctx, id)
	if err != nil {
		return Item{}, lookupItem(id, err)
	}
	return item, nil
}

func (e *Engine) Catalogue(ctx context.Context, filter ItemFilter) ([]Item, error) {
	items, err := e.store.Items().List(ctx, filter)
	return items, persistence("list items", err)
}

func (e *Engine) ActiveLoanCount(ctx context.Context, patron PatronID) (int, error) {
	n, err := e.store.Loans().ActiveLoanCount(ctx, patron)
	return n, persistence("count active loans", err)
}

func (e *Engine) LoansFor(ctx context.Context, patron PatronID) ([]Loan, error) {
	loans, err := e.store.Loans().ListByPatron(ctx, patron)
	return loans, persistence("list loans", err)
}

func (e *Engine) HoldsFor(ctx context.Context, patron PatronID) ([]Hold, error) {
	holds, err := e.store.Holds().ListByPatron(ctx, patron)
	return holds, persistence("list holds", err)
}

// HoldQueue returns item's queue, head first.
func (e *Engine) HoldQueue(ctx context.Context, item ItemID) ([]Hold, error) {
	holds, err := e.store.Holds().ListForItem(ctx, item)
	return holds, persistence("list hold queue", err)
}

func (e *Engine) Loan(ctx context.Context, id LoanID) (Loan, error) {
	loan, err := e.store.Loans().Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Loan{}, &NotFoundError{Entity: "loan", ID: string(id)}
	}
	return loan, persistence("lookup loan", err)
}

func (e *Engine) Hold(ctx context.Context, id HoldID) (Hold, error) {
	hold, err := e.store.Holds().Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Hold{}, &NotFoundError{Entity: "hold", ID: string(id)}
	}
	return hold, persistence("lookup hold", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func lookupItem(id ItemID, err error) error {
	if errors.Is(err, ErrNotFound) {
		return itemNotFound(id)
	}
	return persistence("read item", err)
}

// settle classifies err after the transaction has finished. Errors that came
// back from WithTx itself (begin/commit) become persistence failures.
func (e *Engine) settle(ctx context.Context, op Operation, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindUnknown {
		err = persistence("transaction", err)
	}
	attrs = append(attrs, "op", op, "kind", KindOf(err), "error", err)
	if IsPersistence(err) {
		e.log.WarnContext(ctx, "operation rolled back", attrs...)
	} else {
		e.log.DebugContext(ctx, "operation rejected", attrs...)
	}
	return err
}

func (e *Engine) observe(op Operation, start time.Time, err *error) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveOperation(op, KindOf(*err), time.Since(start))
}
