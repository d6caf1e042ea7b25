package circulation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hinlibs/circulation/circulation"
)

var (
	nikolai = circulation.Actor{ID: "U001", Role: circulation.RolePatron}
	mike    = circulation.Actor{ID: "U002", Role: circulation.RolePatron}
	oyin    = circulation.Actor{ID: "U003", Role: circulation.RolePatron}
	lib     = circulation.Actor{ID: "U006", Role: circulation.RoleLibrarian}
	admin   = circulation.Actor{ID: "U007", Role: circulation.RoleSysAdmin}
)

func newTestDesk(t *testing.T) (*circulation.Desk, *circulation.Engine) {
	t.Helper()
	engine, _, _ := newTestEngine(t)
	return circulation.NewDesk(engine), engine
}

// =============================================================================
// ROLE GUARD
// =============================================================================

func TestDesk_RoleGuard(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)

	tests := []struct {
		name string
		run  func() circulation.Kind
	}{
		{"librarian cannot borrow", func() circulation.Kind { return desk.Borrow(ctx, lib, "I001").Kind }},
		{"admin cannot place holds", func() circulation.Kind { return desk.PlaceHold(ctx, admin, "I001").Kind }},
		{"patron cannot add items", func() circulation.Kind {
			return desk.AddItem(ctx, nikolai, circulation.Item{Title: "x", Creator: "y", Format: circulation.FormatBook}).Kind
		}},
		{"patron cannot remove items", func() circulation.Kind { return desk.RemoveItem(ctx, nikolai, "I001").Kind }},
		{"patron cannot see queues", func() circulation.Kind { return desk.HoldQueue(ctx, nikolai, "I001").Kind }},
		{"admin cannot return for patrons", func() circulation.Kind { return desk.ReturnFor(ctx, admin, "nikolai", "I001").Kind }},
		{"claimed role must match directory", func() circulation.Kind {
			return desk.AddItem(ctx, circulation.Actor{ID: "U001", Role: circulation.RoleLibrarian},
				circulation.Item{Title: "x", Creator: "y", Format: circulation.FormatBook}).Kind
		}},
		{"unknown role tag", func() circulation.Kind {
			return desk.Browse(ctx, circulation.Actor{ID: "U001", Role: "Janitor"}, false).Kind
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, circulation.KindForbidden, tt.run())
		})
	}
}

func TestDesk_UnknownUser(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)

	res := desk.Browse(ctx, circulation.Actor{ID: "U999", Role: circulation.RolePatron}, false)

	assert.False(t, res.OK)
	assert.Equal(t, circulation.KindNotFound, res.Kind)
	assert.Equal(t, "user U999 not found", res.Message)
}

func TestDesk_BrowseAnyRole(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)

	for _, a := range []circulation.Actor{nikolai, lib, admin} {
		res := desk.Browse(ctx, a, false)
		require.True(t, res.OK, a.Role)
		assert.Len(t, res.Value, 5)
	}
	res := desk.ItemDetails(ctx, admin, "I003")
	require.True(t, res.OK)
	assert.Equal(t, "The Hobbit", res.Value.Title)
}

// =============================================================================
// PATRON FLOWS
// =============================================================================

func TestDesk_BorrowAndReturn(t *testing.T) {
	// GIVEN: A patron borrowing an available item
	// WHEN: Another patron tries to return it
	// THEN: NoActiveLoan; the borrower's return succeeds

	ctx := context.Background()
	desk, engine := newTestDesk(t)

	borrowed := desk.Borrow(ctx, nikolai, "I001")
	require.True(t, borrowed.OK)
	assert.Equal(t, circulation.ItemID("I001"), borrowed.Value.ItemID)

	res := desk.Return(ctx, mike, "I001")
	assert.False(t, res.OK)
	assert.Equal(t, circulation.KindNoActiveLoan, res.Kind)
	assert.Equal(t, "no active loan for this item by this patron", res.Message)

	res = desk.Return(ctx, nikolai, "I001")
	assert.True(t, res.OK)
	item, err := engine.Item(ctx, "I001")
	require.NoError(t, err)
	assert.True(t, item.Available())
}

func TestDesk_BorrowAtLimit_Message(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)
	for _, id := range []circulation.ItemID{"I001", "I002", "I003"} {
		require.True(t, desk.Borrow(ctx, nikolai, id).OK)
	}

	res := desk.Borrow(ctx, nikolai, "I004")

	assert.False(t, res.OK)
	assert.Equal(t, circulation.KindLoanLimitReached, res.Kind)
	assert.Equal(t, "loan limit reached", res.Message)
	assert.ErrorIs(t, res.Err, circulation.ErrLoanLimitReached)
}

func TestDesk_PlaceHold_Idempotent(t *testing.T) {
	// GIVEN: A patron already queued at position 2
	// WHEN: They place the same hold again
	// THEN: OK with position 2 and "Hold already exists"; the queue is unchanged

	ctx := context.Background()
	desk, engine := newTestDesk(t)
	require.True(t, desk.Borrow(ctx, oyin, "I003").OK)
	require.True(t, desk.PlaceHold(ctx, mike, "I003").OK)
	first := desk.PlaceHold(ctx, nikolai, "I003")
	require.True(t, first.OK)
	assert.Equal(t, 2, first.Value)
	assert.Empty(t, first.Message)

	again := desk.PlaceHold(ctx, nikolai, "I003")

	assert.True(t, again.OK)
	assert.Equal(t, 2, again.Value)
	assert.Equal(t, "Hold already exists", again.Message)
	queue, err := engine.HoldQueue(ctx, "I003")
	require.NoError(t, err)
	assert.Len(t, queue, 2)
}

func TestDesk_PlaceHold_AvailableItem(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)

	res := desk.PlaceHold(ctx, nikolai, "I001")

	assert.False(t, res.OK)
	assert.Equal(t, circulation.KindItemAvailable, res.Kind)
	assert.Equal(t, "cannot place a hold on an available item", res.Message)
}

func TestDesk_CancelHold(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)
	require.True(t, desk.Borrow(ctx, oyin, "I003").OK)
	require.True(t, desk.PlaceHold(ctx, nikolai, "I003").OK)

	res := desk.CancelHold(ctx, mike, "I003")
	assert.Equal(t, circulation.KindNoSuchHold, res.Kind)

	res = desk.CancelHold(ctx, nikolai, "I003")
	assert.True(t, res.OK)

	res = desk.CancelHold(ctx, nikolai, "I003")
	assert.Equal(t, circulation.KindNoSuchHold, res.Kind)
}

func TestDesk_AccountStatus(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)
	require.True(t, desk.Borrow(ctx, nikolai, "I001").OK)
	require.True(t, desk.Borrow(ctx, mike, "I003").OK)
	require.True(t, desk.PlaceHold(ctx, nikolai, "I003").OK)

	res := desk.AccountStatus(ctx, nikolai)

	require.True(t, res.OK)
	require.Len(t, res.Value.Loans, 1)
	assert.Equal(t, "Crime and Punishment", res.Value.Loans[0].ItemTitle)
	assert.Equal(t, 14, res.Value.Loans[0].DaysRemaining)
	require.Len(t, res.Value.Holds, 1)
	assert.Equal(t, "The Hobbit", res.Value.Holds[0].ItemTitle)
	assert.Equal(t, 1, res.Value.Holds[0].QueuePosition)

	assert.Equal(t, circulation.KindForbidden, desk.AccountStatus(ctx, lib).Kind)
}

// =============================================================================
// LIBRARIAN FLOWS
// =============================================================================

func TestDesk_LibrarianCatalogue(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)

	added := desk.AddItem(ctx, lib, circulation.Item{Title: "Dogville", Creator: "Lars von Trier", Format: circulation.FormatMovie})
	require.True(t, added.OK)
	assert.Equal(t, circulation.ItemID("I006"), added.Value)

	bad := desk.AddItem(ctx, lib, circulation.Item{Title: "Dogville", Format: circulation.FormatMovie})
	assert.Equal(t, circulation.KindInvalidItem, bad.Kind)

	require.True(t, desk.Borrow(ctx, nikolai, "I006").OK)
	removed := desk.RemoveItem(ctx, lib, "I006")
	assert.Equal(t, circulation.KindItemCheckedOut, removed.Kind)
	assert.Equal(t, "cannot remove an item that is currently checked out", removed.Message)
}

func TestDesk_HoldQueue(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)
	require.True(t, desk.Borrow(ctx, oyin, "I002").OK)
	require.True(t, desk.PlaceHold(ctx, mike, "I002").OK)
	require.True(t, desk.PlaceHold(ctx, nikolai, "I002").OK)

	res := desk.HoldQueue(ctx, lib, "I002")

	require.True(t, res.OK)
	require.Len(t, res.Value, 2)
	assert.Equal(t, circulation.PatronID("U002"), res.Value[0].PatronID)
	assert.Equal(t, circulation.PatronID("U001"), res.Value[1].PatronID)

	missing := desk.HoldQueue(ctx, lib, "I404")
	assert.Equal(t, circulation.KindNotFound, missing.Kind)
}

func TestDesk_PatronLoansAndReturnFor(t *testing.T) {
	// GIVEN: nikolai borrowed two items
	// WHEN: The librarian looks him up by name and returns one
	// THEN: One loan remains

	ctx := context.Background()
	desk, _ := newTestDesk(t)
	require.True(t, desk.Borrow(ctx, nikolai, "I001").OK)
	require.True(t, desk.Borrow(ctx, nikolai, "I002").OK)

	loans := desk.PatronLoans(ctx, lib, "NIKOLAI")
	require.True(t, loans.OK)
	assert.Len(t, loans.Value, 2)

	res := desk.ReturnFor(ctx, lib, "nikolai", "I001")
	require.True(t, res.OK)

	res = desk.ReturnFor(ctx, lib, "nikolai", "I001")
	assert.Equal(t, circulation.KindNoActiveLoan, res.Kind)

	loans = desk.PatronLoans(ctx, lib, "nikolai")
	require.True(t, loans.OK)
	require.Len(t, loans.Value, 1)
	assert.Equal(t, circulation.ItemID("I002"), loans.Value[0].ItemID)
}

func TestDesk_PatronLookupFailures(t *testing.T) {
	ctx := context.Background()
	desk, _ := newTestDesk(t)

	res := desk.PatronLoans(ctx, lib, "nobody")
	assert.Equal(t, circulation.KindNotFound, res.Kind)
	assert.Equal(t, "user nobody not found", res.Message)

	res = desk.PatronLoans(ctx, lib, "admin")
	assert.Equal(t, circulation.KindNotFound, res.Kind)
	assert.Equal(t, "patron admin not found", res.Message)
}

// =============================================================================
// SYSTEM ADMINISTRATION
// =============================================================================

func TestDesk_Maintain(t *testing.T) {
	// GIVEN: A whole-store maintenance step
	// WHEN: Patrons, librarians and the admin ask to run it
	// THEN: Only the admin's call runs it

	ctx := context.Background()
	desk, _ := newTestDesk(t)
	runs := 0
	step := func(context.Context) error { runs++; return nil }

	for _, a := range []circulation.Actor{nikolai, lib} {
		res := desk.Maintain(ctx, a, step)
		assert.Equal(t, circulation.KindForbidden, res.Kind, a.Role)
	}
	assert.Zero(t, runs)

	res := desk.Maintain(ctx, admin, step)
	assert.True(t, res.OK)
	assert.Equal(t, 1, runs)

	res = desk.Maintain(ctx, admin, func(context.Context) error { return errDiskFull })
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, errDiskFull)
}
