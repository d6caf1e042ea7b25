package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hinlibs/circulation/circulation"
	"github.com/hinlibs/circulation/circulation/storetest"
	"github.com/hinlibs/circulation/store/postgres"
)

const dsnEnv = "CIRCULATION_TEST_POSTGRES_DSN"

// newStore connects to the database named by CIRCULATION_TEST_POSTGRES_DSN
// and empties it. The tests share one database, so they do not run in
// parallel.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	ctx := context.Background()
	s, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx))
	t.Cleanup(s.Close)
	return s
}

func TestPostgres_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) circulation.TxStore {
		return newStore(t)
	})
}

func TestPostgres_ConcurrentCheckout(t *testing.T) {
	// GIVEN: One available item and several patrons on separate connections
	// WHEN: They all check it out at once
	// THEN: Exactly one loan exists and the rest see ItemUnavailable

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Items().Insert(ctx, circulation.Item{
		ID: "I001", Title: "Crime and Punishment", Creator: "Fyodor Dostoevsky",
		Format: circulation.FormatBook, Status: circulation.StatusAvailable,
	}))
	engine, err := circulation.NewEngine(s, circulation.DefaultPolicy())
	require.NoError(t, err)

	patrons := []circulation.PatronID{"U001", "U002", "U003", "U004", "U005"}
	errs := make([]error, len(patrons))
	var wg sync.WaitGroup
	for i, p := range patrons {
		wg.Add(1)
		go func(i int, p circulation.PatronID) {
			defer wg.Done()
			_, errs[i] = engine.Checkout(ctx, p, "I001")
		}(i, p)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, circulation.ErrItemUnavailable)
	}
	assert.Equal(t, 1, wins)

	violations, err := circulation.Audit(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestPostgres_ConcurrentHolds_Contiguous(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Items().Insert(ctx, circulation.Item{
		ID: "I003", Title: "The Hobbit", Creator: "J. R. R. Tolkien",
		Format: circulation.FormatBook, Status: circulation.StatusCheckedOut,
	}))
	require.NoError(t, s.Loans().Insert(ctx, circulation.Loan{ID: "L1", PatronID: "U000", ItemID: "I003"}))
	engine, err := circulation.NewEngine(s, circulation.DefaultPolicy())
	require.NoError(t, err)

	patrons := []circulation.PatronID{"U001", "U002", "U003", "U004", "U005", "U006"}
	var wg sync.WaitGroup
	for _, p := range patrons {
		wg.Add(1)
		go func(p circulation.PatronID) {
			defer wg.Done()
			_, err := engine.PlaceHold(ctx, p, "I003")
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	queue, err := engine.HoldQueue(ctx, "I003")
	require.NoError(t, err)
	require.Len(t, queue, len(patrons))
	for i, h := range queue {
		assert.Equal(t, i+1, h.Position)
	}
}
