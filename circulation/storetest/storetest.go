// Package storetest is a conformance suite for circulation.TxStore
// implementations. Each backend's tests call Run with a constructor that
// returns an empty store.
package storetest

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hinlibs/circulation/circulation"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) circulation.TxStore

var checkout = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

// Run executes every conformance test against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s circulation.TxStore)
	}{
		{"ItemsRoundTrip", testItemsRoundTrip},
		{"ItemListOrderAndFilter", testItemListOrderAndFilter},
		{"ItemMissing", testItemMissing},
		{"MaxItemNumber", testMaxItemNumber},
		{"LoanUniquePerItem", testLoanUniquePerItem},
		{"LoanDeleteAndLookup", testLoanDeleteAndLookup},
		{"HoldAppendAndRenumber", testHoldAppendAndRenumber},
		{"HoldDuplicate", testHoldDuplicate},
		{"UsersCaseInsensitive", testUsersCaseInsensitive},
		{"RollbackOnError", testRollbackOnError},
		{"CommitOnSuccess", testCommitOnSuccess},
		{"Reset", testReset},
		{"EngineScenarios", testEngineScenarios},
		{"EngineRandomHolds", testEngineRandomHolds},
		{"EnginesShareItemSequence", testEnginesShareItemSequence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func intPtr(n int) *int             { return &n }
func strPtr(s string) *string       { return &s }
func timePtr(t time.Time) *time.Time { return &t }

func item(id circulation.ItemID, title string) circulation.Item {
	return circulation.Item{
		ID:      id,
		Title:   title,
		Creator: "Creator",
		Format:  circulation.FormatBook,
		Status:  circulation.StatusAvailable,
	}
}

func insertItems(t *testing.T, s circulation.Store, items ...circulation.Item) {
	t.Helper()
	for _, it := range items {
		require.NoError(t, s.Items().Insert(context.Background(), it))
	}
}

func insertUsers(t *testing.T, s circulation.Store) {
	t.Helper()
	users := []circulation.User{
		{ID: "U001", Username: "nikolai", Role: circulation.RolePatron},
		{ID: "U002", Username: "mike", Role: circulation.RolePatron},
		{ID: "U003", Username: "oyin", Role: circulation.RolePatron},
		{ID: "U006", Username: "lib", Role: circulation.RoleLibrarian},
	}
	for _, u := range users {
		require.NoError(t, s.Users().Insert(context.Background(), u))
	}
}

func loan(id circulation.LoanID, patron circulation.PatronID, it circulation.ItemID) circulation.Loan {
	return circulation.Loan{
		ID:           id,
		PatronID:     patron,
		ItemID:       it,
		CheckoutDate: checkout,
		DueDate:      checkout.Add(14 * 24 * time.Hour),
	}
}

// =============================================================================
// CATALOGUE
// =============================================================================

func testItemsRoundTrip(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	mag := circulation.Item{
		ID:              "I011",
		Title:           "Weekly World News",
		Creator:         "Spy Cat LLC",
		Format:          circulation.FormatMagazine,
		Status:          circulation.StatusAvailable,
		PublicationYear: intPtr(2025),
		IssueNumber:     strPtr("2025-02-07"),
		PublicationDate: timePtr(time.Date(2025, time.February, 7, 0, 0, 0, 0, time.UTC)),
	}
	game := circulation.Item{
		ID:      "I017",
		Title:   "Detroit: Become Human",
		Creator: "Quantic Dream",
		Format:  circulation.FormatVideoGame,
		Status:  circulation.StatusCheckedOut,
		Genre:   strPtr("Adventure"),
		Rating:  strPtr("M"),
		ISBN:    strPtr("n/a"),
	}
	insertItems(t, s, mag, game)

	got, err := s.Items().Get(ctx, "I011")
	require.NoError(t, err)
	require.NotNil(t, got.PublicationDate)
	assert.True(t, mag.PublicationDate.Equal(*got.PublicationDate))
	got.PublicationDate = mag.PublicationDate
	assert.Equal(t, mag, got)

	got, err = s.Items().Get(ctx, "I017")
	require.NoError(t, err)
	assert.Equal(t, game, got)

	status, err := s.Items().GetStatus(ctx, "I017")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusCheckedOut, status)

	require.NoError(t, s.Items().SetStatus(ctx, "I017", circulation.StatusAvailable))
	status, err = s.Items().GetStatus(ctx, "I017")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusAvailable, status)

	require.NoError(t, s.Items().Delete(ctx, "I017"))
	_, err = s.Items().Get(ctx, "I017")
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func testItemListOrderAndFilter(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	out := item("I003", "The Hobbit")
	out.Status = circulation.StatusCheckedOut
	insertItems(t, s, item("I002", "White Nights"), out, item("I001", "Crime and Punishment"))

	all, err := s.Items().List(ctx, circulation.ItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, []circulation.ItemID{"I001", "I003", "I002"}, ids(all))

	avail, err := s.Items().List(ctx, circulation.ItemFilter{AvailableOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []circulation.ItemID{"I001", "I002"}, ids(avail))
}

func ids(items []circulation.Item) []circulation.ItemID {
	out := make([]circulation.ItemID, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func testItemMissing(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()

	_, err := s.Items().GetStatus(ctx, "I404")
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	assert.ErrorIs(t, s.Items().SetStatus(ctx, "I404", circulation.StatusAvailable), circulation.ErrNotFound)
	assert.ErrorIs(t, s.Items().Delete(ctx, "I404"), circulation.ErrNotFound)
}

func testMaxItemNumber(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()

	n, err := s.Items().MaxItemNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	insertItems(t, s, item("I002", "a"), item("I017", "b"), item("I009", "c"))
	n, err = s.Items().MaxItemNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}

// =============================================================================
// LOANS
// =============================================================================

func testLoanUniquePerItem(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"))
	require.NoError(t, s.Loans().Insert(ctx, loan("L1", "U001", "I001")))

	err := s.Loans().Insert(ctx, loan("L2", "U002", "I001"))

	assert.ErrorIs(t, err, circulation.ErrActiveLoanExists)
	n, err := s.Loans().CountForItem(ctx, "I001")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testLoanDeleteAndLookup(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"), item("I002", "b"), item("I003", "c"))
	require.NoError(t, s.Loans().Insert(ctx, loan("L2", "U001", "I002")))
	require.NoError(t, s.Loans().Insert(ctx, loan("L1", "U001", "I001")))
	require.NoError(t, s.Loans().Insert(ctx, loan("L3", "U002", "I003")))

	got, err := s.Loans().Lookup(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, checkout.Equal(got.CheckoutDate))
	assert.True(t, checkout.Add(14*24*time.Hour).Equal(got.DueDate))

	active, err := s.Loans().ActiveLoanForItem(ctx, "I003")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, circulation.PatronID("U002"), active.PatronID)

	n, err := s.Loans().ActiveLoanCount(ctx, "U001")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.Loans().ListByPatron(ctx, "U001")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, circulation.LoanID("L2"), list[0].ID, "insertion order")
	assert.Equal(t, circulation.LoanID("L1"), list[1].ID)

	err = s.Loans().DeleteByPatronAndItem(ctx, "U002", "I001")
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	require.NoError(t, s.Loans().DeleteByPatronAndItem(ctx, "U001", "I001"))
	_, err = s.Loans().Lookup(ctx, "L1")
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	active, err = s.Loans().ActiveLoanForItem(ctx, "I001")
	require.NoError(t, err)
	assert.Nil(t, active)
}

// =============================================================================
// HOLDS
// =============================================================================

func testHoldAppendAndRenumber(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"), item("I002", "b"))

	for i, p := range []circulation.PatronID{"U001", "U002", "U003"} {
		pos, err := s.Holds().Append(ctx, circulation.Hold{
			ID: circulation.HoldID("H" + string(p)), PatronID: p, ItemID: "I001", Position: 99,
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}
	pos, err := s.Holds().Append(ctx, circulation.Hold{ID: "Hother", PatronID: "U002", ItemID: "I002"})
	require.NoError(t, err)
	assert.Equal(t, 1, pos, "queues are per item")

	require.NoError(t, s.Holds().RemoveAndRenumber(ctx, "U001", "I001"))

	queue, err := s.Holds().ListForItem(ctx, "I001")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, circulation.PatronID("U002"), queue[0].PatronID)
	assert.Equal(t, 1, queue[0].Position)
	assert.Equal(t, circulation.PatronID("U003"), queue[1].PatronID)
	assert.Equal(t, 2, queue[1].Position)

	other, err := s.Holds().ListForItem(ctx, "I002")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, 1, other[0].Position)

	n, err := s.Holds().CountForItem(ctx, "I001")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h, err := s.Holds().Lookup(ctx, "HU003")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Position)

	mine, err := s.Holds().ListByPatron(ctx, "U002")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	exists, err := s.Holds().ExistsForPatronItem(ctx, "U001", "I001")
	require.NoError(t, err)
	assert.False(t, exists)

	err = s.Holds().RemoveAndRenumber(ctx, "U001", "I001")
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	_, err = s.Holds().Lookup(ctx, "HU001")
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func testHoldDuplicate(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"))
	_, err := s.Holds().Append(ctx, circulation.Hold{ID: "H1", PatronID: "U001", ItemID: "I001"})
	require.NoError(t, err)

	_, err = s.Holds().Append(ctx, circulation.Hold{ID: "H2", PatronID: "U001", ItemID: "I001"})

	assert.ErrorIs(t, err, circulation.ErrDuplicateHold)
}

// =============================================================================
// USERS
// =============================================================================

func testUsersCaseInsensitive(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertUsers(t, s)

	u, err := s.Users().FindByName(ctx, "NiKoLaI")
	require.NoError(t, err)
	assert.Equal(t, circulation.UserID("U001"), u.ID)

	u, err = s.Users().Get(ctx, "U006")
	require.NoError(t, err)
	assert.Equal(t, circulation.RoleLibrarian, u.Role)

	_, err = s.Users().Get(ctx, "U404")
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	_, err = s.Users().FindByName(ctx, "nobody")
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	all, err := s.Users().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, circulation.UserID("U001"), all[0].ID)
	assert.Equal(t, circulation.UserID("U006"), all[3].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testRollbackOnError(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"))
	_, err := s.Holds().Append(ctx, circulation.Hold{ID: "H1", PatronID: "U001", ItemID: "I001"})
	require.NoError(t, err)
	_, err = s.Holds().Append(ctx, circulation.Hold{ID: "H2", PatronID: "U002", ItemID: "I001"})
	require.NoError(t, err)
	boom := errors.New("boom")

	err = s.WithTx(ctx, func(tx circulation.Store) error {
		if err := tx.Loans().Insert(ctx, loan("L1", "U003", "I001")); err != nil {
			return err
		}
		if err := tx.Items().SetStatus(ctx, "I001", circulation.StatusCheckedOut); err != nil {
			return err
		}
		if err := tx.Holds().RemoveAndRenumber(ctx, "U001", "I001"); err != nil {
			return err
		}
		return boom
	})

	require.ErrorIs(t, err, boom)
	status, err := s.Items().GetStatus(ctx, "I001")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusAvailable, status)
	n, err := s.Loans().CountForItem(ctx, "I001")
	require.NoError(t, err)
	assert.Zero(t, n)
	queue, err := s.Holds().ListForItem(ctx, "I001")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, circulation.PatronID("U001"), queue[0].PatronID)
}

func testCommitOnSuccess(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"))

	err := s.WithTx(ctx, func(tx circulation.Store) error {
		if err := tx.Loans().Insert(ctx, loan("L1", "U003", "I001")); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		n, err := tx.Loans().ActiveLoanCount(ctx, "U003")
		if err != nil {
			return err
		}
		if n != 1 {
			return errors.New("write not visible inside transaction")
		}
		return tx.Items().SetStatus(ctx, "I001", circulation.StatusCheckedOut)
	})

	require.NoError(t, err)
	status, err := s.Items().GetStatus(ctx, "I001")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusCheckedOut, status)
}

func testReset(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	resetter, ok := s.(circulation.Resetter)
	require.True(t, ok, "store must support Reset")
	insertUsers(t, s)
	insertItems(t, s, item("I001", "a"))
	require.NoError(t, s.Loans().Insert(ctx, loan("L1", "U001", "I001")))
	_, err := s.Holds().Append(ctx, circulation.Hold{ID: "H1", PatronID: "U002", ItemID: "I001"})
	require.NoError(t, err)

	require.NoError(t, resetter.Reset(ctx))

	items, err := s.Items().List(ctx, circulation.ItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
	users, err := s.Users().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	n, err := s.Items().MaxItemNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// ENGINE ON TOP
// =============================================================================

type clock time.Time

func (c clock) Now() time.Time { return time.Time(c) }

func testEngineScenarios(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertUsers(t, s)
	insertItems(t, s, item("I001", "a"), item("I002", "b"), item("I003", "c"), item("I004", "d"))
	engine, err := circulation.NewEngine(s, circulation.DefaultPolicy(), circulation.WithClock(clock(checkout)))
	require.NoError(t, err)

	// Limit.
	for _, id := range []circulation.ItemID{"I001", "I002", "I003"} {
		_, err := engine.Checkout(ctx, "U001", id)
		require.NoError(t, err)
	}
	_, err = engine.Checkout(ctx, "U001", "I004")
	assert.ErrorIs(t, err, circulation.ErrLoanLimitReached)

	// Unavailable, then FIFO holds.
	_, err = engine.Checkout(ctx, "U002", "I001")
	assert.ErrorIs(t, err, circulation.ErrItemUnavailable)
	for want, p := range []circulation.PatronID{"U002", "U003"} {
		pos, err := engine.PlaceHold(ctx, p, "I001")
		require.NoError(t, err)
		assert.Equal(t, want+1, pos)
	}
	_, err = engine.PlaceHold(ctx, "U002", "I001")
	assert.ErrorIs(t, err, circulation.ErrDuplicateHold)

	// Removal guards.
	assert.ErrorIs(t, engine.RemoveItem(ctx, "I001"), circulation.ErrItemCheckedOut)
	require.NoError(t, engine.Return(ctx, "U001", "I001"))
	assert.ErrorIs(t, engine.RemoveItem(ctx, "I001"), circulation.ErrItemHasHolds)
	assert.ErrorIs(t, engine.Return(ctx, "U001", "I001"), circulation.ErrNoActiveLoan)

	require.NoError(t, engine.CancelHold(ctx, "U002", "I001"))
	queue, err := engine.HoldQueue(ctx, "I001")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 1, queue[0].Position)

	id, err := engine.AddItem(ctx, circulation.Item{Title: "Her", Creator: "Spike Jonze", Format: circulation.FormatMovie})
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemID("I005"), id)

	violations, err := circulation.Audit(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

// testEngineRandomHolds drives a seeded random mix of PlaceHold and CancelHold
// over several items and compares every queue with a model after each step.
func testEngineRandomHolds(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertUsers(t, s)
	items := []circulation.ItemID{"I001", "I002", "I003"}
	insertItems(t, s, item("I001", "a"), item("I002", "b"), item("I003", "c"))
	engine, err := circulation.NewEngine(s, circulation.DefaultPolicy(), circulation.WithClock(clock(checkout)))
	require.NoError(t, err)
	for _, id := range items {
		_, err := engine.Checkout(ctx, "U001", id)
		require.NoError(t, err)
	}

	patrons := []circulation.PatronID{"P01", "P02", "P03", "P04", "P05", "P06"}
	model := map[circulation.ItemID][]circulation.PatronID{}
	indexOf := func(queue []circulation.PatronID, p circulation.PatronID) int {
		for i, q := range queue {
			if q == p {
				return i
			}
		}
		return -1
	}
	check := func(step int, id circulation.ItemID) {
		t.Helper()
		queue, err := s.Holds().ListForItem(ctx, id)
		require.NoError(t, err)
		got := make([]circulation.PatronID, len(queue))
		for i, h := range queue {
			require.Equal(t, i+1, h.Position, "step %d item %s", step, id)
			got[i] = h.PatronID
		}
		require.Equal(t, append([]circulation.PatronID{}, model[id]...), got, "step %d item %s", step, id)
	}

	rng := rand.New(rand.NewPCG(7, 11))
	lastCancelled := 0
	for step := 0; step < 150; step++ {
		id := items[rng.IntN(len(items))]
		p := patrons[rng.IntN(len(patrons))]
		queue := model[id]

		if i := indexOf(queue, p); i >= 0 {
			require.NoError(t, engine.CancelHold(ctx, p, id))
			if i == len(queue)-1 {
				lastCancelled++
			}
			model[id] = append(queue[:i:i], queue[i+1:]...)
		} else {
			pos, err := engine.PlaceHold(ctx, p, id)
			require.NoError(t, err)
			model[id] = append(queue, p)
			assert.Equal(t, len(model[id]), pos)
		}
		check(step, id)
	}

	// Drain every queue from the back so the last hold is always cancelled.
	for _, id := range items {
		for len(model[id]) > 0 {
			tail := model[id][len(model[id])-1]
			require.NoError(t, engine.CancelHold(ctx, tail, id))
			model[id] = model[id][:len(model[id])-1]
			lastCancelled++
			check(-1, id)
		}
	}
	assert.Positive(t, lastCancelled)

	violations, err := circulation.Audit(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

// testEnginesShareItemSequence runs two engines over one store, the way two
// server processes share one database.
func testEnginesShareItemSequence(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	insertItems(t, s, item("I001", "a"), item("I002", "b"))
	a, err := circulation.NewEngine(s, circulation.DefaultPolicy())
	require.NoError(t, err)
	b, err := circulation.NewEngine(s, circulation.DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, a.SyncIDs(ctx))
	require.NoError(t, b.SyncIDs(ctx))

	details := circulation.Item{Title: "Ulysses", Creator: "James Joyce", Format: circulation.FormatBook}
	var got []circulation.ItemID
	for _, e := range []*circulation.Engine{a, b, b, a} {
		id, err := e.AddItem(ctx, details)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []circulation.ItemID{"I003", "I004", "I005", "I006"}, got)

	require.NoError(t, a.RemoveItem(ctx, "I006"))
	id, err := b.AddItem(ctx, details)
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemID("I006"), id)
}
