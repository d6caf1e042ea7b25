package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hinlibs/circulation/circulation"
	"github.com/hinlibs/circulation/circulation/storetest"
	"github.com/hinlibs/circulation/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) circulation.TxStore {
		return newStore(t)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file database with a loan
	// WHEN: The store is closed and reopened
	// THEN: The loan and the item status survive

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "circulation.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.Users().Insert(ctx, circulation.User{ID: "U001", Username: "nikolai", Role: circulation.RolePatron}))
	require.NoError(t, s.Items().Insert(ctx, circulation.Item{
		ID: "I003", Title: "The Hobbit", Creator: "J. R. R. Tolkien",
		Format: circulation.FormatBook, Status: circulation.StatusAvailable,
	}))
	engine, err := circulation.NewEngine(s, circulation.DefaultPolicy())
	require.NoError(t, err)
	loan, err := engine.Checkout(ctx, "U001", "I003")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Loans().Lookup(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemID("I003"), got.ItemID)
	assert.True(t, loan.DueDate.Equal(got.DueDate))
	status, err := s.Items().GetStatus(ctx, "I003")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusCheckedOut, status)
}

func TestSQLite_RejectsLoanForUnknownItem(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.Loans().Insert(ctx, circulation.Loan{ID: "L1", PatronID: "U001", ItemID: "I404"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, circulation.ErrActiveLoanExists)
}

func TestSQLite_CorruptTimestampIsAnError(t *testing.T) {
	// GIVEN: A loan whose due date was overwritten with garbage outside the store
	// WHEN: Reading the patron's loans
	// THEN: The read fails instead of returning a zero due date

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "circulation.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.Items().Insert(ctx, circulation.Item{
		ID: "I001", Title: "Crime and Punishment", Creator: "Fyodor Dostoevsky",
		Format: circulation.FormatBook, Status: circulation.StatusCheckedOut,
	}))
	require.NoError(t, s.Loans().Insert(ctx, circulation.Loan{
		ID: "L1", PatronID: "U001", ItemID: "I001",
		CheckoutDate: time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC),
		DueDate:      time.Date(2025, time.March, 17, 10, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.Close())

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, "UPDATE loans SET due_date = 'next tuesday' WHERE id = 'L1'")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Loans().ListByPatron(ctx, "U001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad due_date")

	_, err = s.Loans().Lookup(ctx, "L1")
	assert.Error(t, err)
}
