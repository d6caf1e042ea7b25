/*
view.go - Read-only account projections

PURPOSE:
  Builds the AccountStatusView shown to a patron: active loans with days
  remaining, and active holds with queue position. The view is derived on
  demand and is never engine state.

DAYS REMAINING:
  DaysRemaining = floor((due - now) / 24h). A loan due in 36 hours has 1
  day remaining; a loan 5 hours overdue has -1. DaysRemainingExact keeps
  the fraction (two decimal places) for displays that want it.

CONSISTENCY:
  All reads for one view run inside a single store transaction, so loans
  and holds come from the same point in time.
*/
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatusView aggregates a patron's loans and holds.
type AccountStatusView struct {
	PatronID PatronID
	AsOf     time.Time
	Loans    []LoanStatus
	Holds    []HoldStatus
}

type LoanStatus struct {
	LoanID             LoanID
	ItemID             ItemID
	ItemTitle          string
	CheckoutDate       time.Time
	DueDate            time.Time
	DaysRemaining      int
	DaysRemainingExact decimal.Decimal
	Overdue            bool
}

type HoldStatus struct {
	HoldID        HoldID
	ItemID        ItemID
	ItemTitle     string
	QueuePosition int
}

var hoursPerDay = decimal.NewFromInt(24)

// DaysRemaining returns the whole and fractional days from now until due.
func DaysRemaining(due, now time.Time) (int, decimal.Decimal) {
	hours := decimal.NewFromFloat(due.Sub(now).Hours())
	days := hours.Div(hoursPerDay)
	return int(days.Floor().IntPart()), days.Round(2)
}

// AccountStatus builds the view for patron as of the engine clock.
func (e *Engine) AccountStatus(ctx context.Context, patron PatronID) (AccountStatusView, error) {
	now := e.clock.Now()
	view := AccountStatusView{PatronID: patron, AsOf: now, Loans: []LoanStatus{}, Holds: []HoldStatus{}}

	err := e.store.WithTx(ctx, func(tx Store) error {
		titles := map[ItemID]string{}
		title := func(id ItemID) (string, error) {
			if t, ok := titles[id]; ok {
				return t, nil
			}
			item, err := tx.Items().Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				// The item was removed out from under a hold or loan; show the id.
				titles[id] = string(id)
				return string(id), nil
			}
			if err != nil {
				return "", err
			}
			titles[id] = item.Title
			return item.Title, nil
		}

		loans, err := tx.Loans().ListByPatron(ctx, patron)
		if err != nil {
			return err
		}
		for _, l := range loans {
			t, err := title(l.ItemID)
			if err != nil {
				return err
			}
			whole, exact := DaysRemaining(l.DueDate, now)
			view.Loans = append(view.Loans, LoanStatus{
				LoanID:             l.ID,
				ItemID:             l.ItemID,
				ItemTitle:          t,
				CheckoutDate:       l.CheckoutDate,
				DueDate:            l.DueDate,
				DaysRemaining:      whole,
				DaysRemainingExact: exact,
				Overdue:            now.After(l.DueDate),
			})
		}

		holds, err := tx.Holds().ListByPatron(ctx, patron)
		if err != nil {
			return err
		}
		for _, h := range holds {
			t, err := title(h.ItemID)
			if err != nil {
				return err
			}
			view.Holds = append(view.Holds, HoldStatus{
				HoldID:        h.ID,
				ItemID:        h.ItemID,
				ItemTitle:     t,
				QueuePosition: h.Position,
			})
		}
		return nil
	})
	if err != nil {
		return AccountStatusView{}, persistence("build account status", err)
	}
	return view, nil
}
