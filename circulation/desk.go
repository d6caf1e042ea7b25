/*
desk.go - Role-checked orchestration on top of the engine

PURPOSE:
  The circulation desk is what patrons and librarians talk to. It resolves
  the acting user, checks the role, re-validates ownership where the
  engine's own predicate would give a less helpful answer, calls exactly
  one engine operation, and packages the outcome as a Result.

ROLES:
  Actor is a tagged variant {Patron, Librarian, SysAdmin}. Each desk
  method states which tags it accepts; authorize() switches on the tag.
  The user directory is authoritative: an actor claiming a role the
  directory does not record is rejected.

RESULTS:
  Result[T] carries OK, an optional Value, a short Message, and the Kind.
  Callers never need to type-switch errors to render a message.

IDEMPOTENT HOLDS:
  PlaceHold for a (patron, item) pair that already has a hold returns
  OK with the existing position and Message "Hold already exists". This
  fast path is a read before the engine call; the hold queue store's
  uniqueness check remains the authority.

SEE ALSO:
  - engine.go: The operations being orchestrated
  - view.go: AccountStatusView
*/
package circulation

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of a desk operation.
type Result[T any] struct {
	OK      bool
	Value   T
	Message string
	Kind    Kind
	Err     error
}

// Done is the payload of operations that only succeed or fail.
type Done struct{}

func succeed[T any](v T) Result[T] { return Result[T]{OK: true, Value: v} }

func fail[T any](err error) Result[T] {
	return Result[T]{Kind: KindOf(err), Message: Describe(err), Err: err}
}

func resultOf[T any](v T, err error) Result[T] {
	if err != nil {
		return fail[T](err)
	}
	return succeed(v)
}

// Describe is the short diagnostic for err: the taxonomy text for known
// kinds, the full message for lookups and anything unclassified.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.err.Error()
		}
	}
	return err.Error()
}

// =============================================================================
// DESK
// =============================================================================

const msgHoldExists = "Hold already exists"

// Desk is the orchestration layer used by the HTTP API.
type Desk struct {
	engine *Engine
	users  UserDirectory
}

func NewDesk(engine *Engine) *Desk {
	return &Desk{engine: engine, users: engine.Store().Users()}
}

func (d *Desk) Engine() *Engine { return d.engine }

// authorize resolves actor and checks its tag against allowed.
func (d *Desk) authorize(ctx context.Context, actor Actor, allowed ...Role) (User, error) {
	user, err := d.users.Get(ctx, actor.ID)
	if errors.Is(err, ErrNotFound) {
		return User{}, &NotFoundError{Entity: "user", ID: string(actor.ID)}
	}
	if err != nil {
		return User{}, persistence("resolve user", err)
	}
	if user.Role != actor.Role {
		return User{}, fmt.Errorf("%w: %s is not a %s", ErrForbidden, actor.ID, actor.Role)
	}
	switch actor.Role {
	case RolePatron, RoleLibrarian, RoleSysAdmin:
		for _, r := range allowed {
			if r == actor.Role {
				return user, nil
			}
		}
	}
	return User{}, fmt.Errorf("%w: %s", ErrForbidden, actor.Role)
}

// =============================================================================
// ANY ROLE
// =============================================================================

func (d *Desk) Browse(ctx context.Context, actor Actor, availableOnly bool) Result[[]Item] {
	if _, err := d.authorize(ctx, actor, RolePatron, RoleLibrarian, RoleSysAdmin); err != nil {
		return fail[[]Item](err)
	}
	return resultOf(d.engine.Catalogue(ctx, ItemFilter{AvailableOnly: availableOnly}))
}

func (d *Desk) ItemDetails(ctx context.Context, actor Actor, item ItemID) Result[Item] {
	if _, err := d.authorize(ctx, actor, RolePatron, RoleLibrarian, RoleSysAdmin); err != nil {
		return fail[Item](err)
	}
	return resultOf(d.engine.Item(ctx, item))
}

// =============================================================================
// PATRON
// =============================================================================

func (d *Desk) Borrow(ctx context.Context, actor Actor, item ItemID) Result[Loan] {
	if _, err := d.authorize(ctx, actor, RolePatron); err != nil {
		return fail[Loan](err)
	}
	return resultOf(d.engine.Checkout(ctx, actor.ID, item))
}

// Return requires the patron to own a loan for item before asking the engine.
func (d *Desk) Return(ctx context.Context, actor Actor, item ItemID) Result[Done] {
	if _, err := d.authorize(ctx, actor, RolePatron); err != nil {
		return fail[Done](err)
	}
	owned, err := d.ownsLoan(ctx, actor.ID, item)
	if err != nil {
		return fail[Done](err)
	}
	if !owned {
		return fail[Done](fmt.Errorf("%w: patron %s, item %s", ErrNoActiveLoan, actor.ID, item))
	}
	return resultOf(Done{}, d.engine.Return(ctx, actor.ID, item))
}

func (d *Desk) PlaceHold(ctx context.Context, actor Actor, item ItemID) Result[int] {
	if _, err := d.authorize(ctx, actor, RolePatron); err != nil {
		return fail[int](err)
	}

	details, err := d.engine.Item(ctx, item)
	if err != nil {
		return fail[int](err)
	}
	if details.Available() {
		return fail[int](fmt.Errorf("%w: %s", ErrItemAvailable, item))
	}

	queue, err := d.engine.HoldQueue(ctx, item)
	if err != nil {
		return fail[int](err)
	}
	for _, h := range queue {
		if h.PatronID == actor.ID {
			return Result[int]{OK: true, Value: h.Position, Message: msgHoldExists}
		}
	}

	return resultOf(d.engine.PlaceHold(ctx, actor.ID, item))
}

func (d *Desk) CancelHold(ctx context.Context, actor Actor, item ItemID) Result[Done] {
	if _, err := d.authorize(ctx, actor, RolePatron); err != nil {
		return fail[Done](err)
	}
	holds, err := d.engine.HoldsFor(ctx, actor.ID)
	if err != nil {
		return fail[Done](err)
	}
	held := false
	for _, h := range holds {
		if h.ItemID == item {
			held = true
			break
		}
	}
	if !held {
		return fail[Done](fmt.Errorf("%w: patron %s, item %s", ErrNoSuchHold, actor.ID, item))
	}
	return resultOf(Done{}, d.engine.CancelHold(ctx, actor.ID, item))
}

func (d *Desk) AccountStatus(ctx context.Context, actor Actor) Result[AccountStatusView] {
	if _, err := d.authorize(ctx, actor, RolePatron); err != nil {
		return fail[AccountStatusView](err)
	}
	return resultOf(d.engine.AccountStatus(ctx, actor.ID))
}

// =============================================================================
// LIBRARIAN
// =============================================================================

func (d *Desk) AddItem(ctx context.Context, actor Actor, details Item) Result[ItemID] {
	if _, err := d.authorize(ctx, actor, RoleLibrarian); err != nil {
		return fail[ItemID](err)
	}
	return resultOf(d.engine.AddItem(ctx, details))
}

func (d *Desk) RemoveItem(ctx context.Context, actor Actor, item ItemID) Result[Done] {
	if _, err := d.authorize(ctx, actor, RoleLibrarian); err != nil {
		return fail[Done](err)
	}
	return resultOf(Done{}, d.engine.RemoveItem(ctx, item))
}

// HoldQueue shows an item's queue, head first.
func (d *Desk) HoldQueue(ctx context.Context, actor Actor, item ItemID) Result[[]Hold] {
	if _, err := d.authorize(ctx, actor, RoleLibrarian); err != nil {
		return fail[[]Hold](err)
	}
	if _, err := d.engine.Item(ctx, item); err != nil {
		return fail[[]Hold](err)
	}
	return resultOf(d.engine.HoldQueue(ctx, item))
}

// PatronLoans lists the active loans of the patron called username.
func (d *Desk) PatronLoans(ctx context.Context, actor Actor, username string) Result[[]Loan] {
	if _, err := d.authorize(ctx, actor, RoleLibrarian); err != nil {
		return fail[[]Loan](err)
	}
	patron, err := d.findPatron(ctx, username)
	if err != nil {
		return fail[[]Loan](err)
	}
	return resultOf(d.engine.LoansFor(ctx, patron.ID))
}

// ReturnFor checks an item back in on a patron's behalf.
func (d *Desk) ReturnFor(ctx context.Context, actor Actor, username string, item ItemID) Result[Done] {
	if _, err := d.authorize(ctx, actor, RoleLibrarian); err != nil {
		return fail[Done](err)
	}
	patron, err := d.findPatron(ctx, username)
	if err != nil {
		return fail[Done](err)
	}
	owned, err := d.ownsLoan(ctx, patron.ID, item)
	if err != nil {
		return fail[Done](err)
	}
	if !owned {
		return fail[Done](fmt.Errorf("%w: patron %s, item %s", ErrNoActiveLoan, patron.ID, item))
	}
	return resultOf(Done{}, d.engine.Return(ctx, patron.ID, item))
}

// =============================================================================
// SYSTEM ADMINISTRATION
// =============================================================================

// Maintain runs fn, a whole-store operation such as a reset or a scenario
// load, only for system administrators. fn's error is reported as-is.
func (d *Desk) Maintain(ctx context.Context, actor Actor, fn func(context.Context) error) Result[Done] {
	if _, err := d.authorize(ctx, actor, RoleSysAdmin); err != nil {
		return fail[Done](err)
	}
	return resultOf(Done{}, fn(ctx))
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *Desk) findPatron(ctx context.Context, username string) (User, error) {
	user, err := d.users.FindByName(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return User{}, &NotFoundError{Entity: "user", ID: username}
	}
	if err != nil {
		return User{}, persistence("find user", err)
	}
	if user.Role != RolePatron {
		return User{}, &NotFoundError{Entity: "patron", ID: username}
	}
	return user, nil
}

func (d *Desk) ownsLoan(ctx context.Context, patron PatronID, item ItemID) (bool, error) {
	loans, err := d.engine.LoansFor(ctx, patron)
	if err != nil {
		return false, err
	}
	for _, l := range loans {
		if l.ItemID == item {
			return true, nil
		}
	}
	return false, nil
}
