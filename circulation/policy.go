package circulation

import (
	"fmt"
	"time"
)

const (
	DefaultMaxActiveLoans = 3
	DefaultLoanPeriodDays = 14
)

// Policy is the borrowing configuration the engine enforces. It is read-only
// input; nothing in this package mutates it.
type Policy struct {
	MaxActiveLoans int
	LoanPeriodDays int
}

func DefaultPolicy() Policy {
	return Policy{MaxActiveLoans: DefaultMaxActiveLoans, LoanPeriodDays: DefaultLoanPeriodDays}
}

func (p Policy) Validate() error {
	if p.MaxActiveLoans <= 0 {
		return fmt.Errorf("policy: max active loans must be positive, got %d", p.MaxActiveLoans)
	}
	if p.LoanPeriodDays <= 0 {
		return fmt.Errorf("policy: loan period must be positive, got %d days", p.LoanPeriodDays)
	}
	return nil
}

// LoanPeriod is the loan length as a duration (whole 24h days).
func (p Policy) LoanPeriod() time.Duration {
	return time.Duration(p.LoanPeriodDays) * 24 * time.Hour
}

// DueDate returns checkout + loan period.
func (p Policy) DueDate(checkout time.Time) time.Time {
	return checkout.Add(p.LoanPeriod())
}

// AtLimit reports whether a patron with n active loans may not borrow more.
func (p Policy) AtLimit(n int) bool {
	return n >= p.MaxActiveLoans
}
