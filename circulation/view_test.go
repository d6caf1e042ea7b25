package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hinlibs/circulation/circulation"
)

func TestDaysRemaining(t *testing.T) {
	now := t0
	tests := []struct {
		name  string
		due   time.Time
		whole int
		exact string
	}{
		{"exactly two weeks", now.Add(14 * 24 * time.Hour), 14, "14.00"},
		{"a day and a half", now.Add(36 * time.Hour), 1, "1.50"},
		{"due now", now, 0, "0.00"},
		{"five hours overdue", now.Add(-5 * time.Hour), -1, "-0.21"},
		{"two days overdue", now.Add(-48 * time.Hour), -2, "-2.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whole, exact := circulation.DaysRemaining(tt.due, now)
			assert.Equal(t, tt.whole, whole)
			assert.Equal(t, tt.exact, exact.StringFixed(2))
		})
	}
}

func TestAccountStatus_TracksClock(t *testing.T) {
	// GIVEN: A loan made at t0 with a 14 day period
	// WHEN: Viewing the account 15 days later
	// THEN: The loan is overdue by one day

	ctx := context.Background()
	engine, _, clock := newTestEngine(t)
	_, err := engine.Checkout(ctx, "U001", "I004")
	require.NoError(t, err)

	view, err := engine.AccountStatus(ctx, "U001")
	require.NoError(t, err)
	require.Len(t, view.Loans, 1)
	assert.False(t, view.Loans[0].Overdue)
	assert.Equal(t, 14, view.Loans[0].DaysRemaining)

	clock.Advance(15 * 24 * time.Hour)

	view, err = engine.AccountStatus(ctx, "U001")
	require.NoError(t, err)
	assert.True(t, view.Loans[0].Overdue)
	assert.Equal(t, -1, view.Loans[0].DaysRemaining)
	assert.Equal(t, t0.Add(15*24*time.Hour), view.AsOf)
}

func TestAccountStatus_EmptyPatron(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newTestEngine(t)

	view, err := engine.AccountStatus(ctx, "U003")

	require.NoError(t, err)
	assert.NotNil(t, view.Loans)
	assert.NotNil(t, view.Holds)
	assert.Empty(t, view.Loans)
	assert.Empty(t, view.Holds)
}
