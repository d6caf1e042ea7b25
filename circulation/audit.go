package circulation

import (
	"context"
	"fmt"
	"sort"
)

// Violation is one broken invariant found by Audit.
type Violation struct {
	ItemID ItemID
	Rule   string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.ItemID, v.Rule, v.Detail)
}

const (
	RuleLoanStatus     = "loan-status-coupling"
	RuleHoldContiguity = "hold-contiguity"
	RuleHoldUnique     = "hold-uniqueness"
)

// Audit checks every item against the circulation invariants:
//   - status CheckedOut iff exactly one loan references the item
//   - hold positions for the item are exactly 1..N
//   - no patron holds the same item twice
//
// It reads everything inside one transaction and never writes.
func Audit(ctx context.Context, store TxStore) ([]Violation, error) {
	var out []Violation
	err := store.WithTx(ctx, func(tx Store) error {
		items, err := tx.Items().List(ctx, ItemFilter{})
		if err != nil {
			return err
		}
		for _, item := range items {
			loans, err := tx.Loans().CountForItem(ctx, item.ID)
			if err != nil {
				return err
			}
			out = append(out, checkLoanStatus(item, loans)...)

			holds, err := tx.Holds().ListForItem(ctx, item.ID)
			if err != nil {
				return err
			}
			out = append(out, checkHoldQueue(item.ID, holds)...)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("audit", err)
	}
	return out, nil
}

func checkLoanStatus(item Item, loans int) []Violation {
	switch {
	case item.Status == StatusCheckedOut && loans != 1:
		return []Violation{{item.ID, RuleLoanStatus, fmt.Sprintf("status CheckedOut with %d loans", loans)}}
	case item.Status == StatusAvailable && loans != 0:
		return []Violation{{item.ID, RuleLoanStatus, fmt.Sprintf("status Available with %d loans", loans)}}
	}
	return nil
}

func checkHoldQueue(item ItemID, holds []Hold) []Violation {
	var out []Violation
	positions := make([]int, 0, len(holds))
	patrons := map[PatronID]bool{}
	for _, h := range holds {
		positions = append(positions, h.Position)
		if patrons[h.PatronID] {
			out = append(out, Violation{item, RuleHoldUnique, fmt.Sprintf("patron %s holds it twice", h.PatronID)})
		}
		patrons[h.PatronID] = true
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i+1 {
			out = append(out, Violation{item, RuleHoldContiguity, fmt.Sprintf("positions %v", positions)})
			break
		}
	}
	return out
}
