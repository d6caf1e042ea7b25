package circulation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator issues identities for new items, loans and holds.
type IDGenerator interface {
	NextItemID(ctx context.Context) (ItemID, error)
	NewLoanID() LoanID
	NewHoldID() HoldID
}

// Primer is implemented by generators whose item sequence must be aligned
// with what is already in storage.
type Primer interface {
	Prime(highest int)
}

// Sequence is the default IDGenerator. Item ids are I001, I002, ... counted
// from the last Prime; the engine primes it from storage inside every AddItem
// transaction. Loan and hold ids are L/H followed by a UUIDv7, so they sort by
// creation time.
type Sequence struct {
	mu   sync.Mutex
	last int
}

func NewSequence() *Sequence { return &Sequence{} }

// Prime sets the highest item number already stored. It may move the
// sequence backwards when the newest items were removed.
func (s *Sequence) Prime(highest int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = highest
}

func (s *Sequence) NextItemID(_ context.Context) (ItemID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return FormatItemID(s.last), nil
}

func (s *Sequence) NewLoanID() LoanID { return LoanID("L" + uuid.Must(uuid.NewV7()).String()) }

func (s *Sequence) NewHoldID() HoldID { return HoldID("H" + uuid.Must(uuid.NewV7()).String()) }

// FormatItemID renders n as I### (zero-padded to three digits).
func FormatItemID(n int) ItemID {
	return ItemID(fmt.Sprintf("I%03d", n))
}

// ItemNumber parses the numeric suffix of an I### id.
func ItemNumber(id ItemID) (int, bool) {
	s := string(id)
	if !strings.HasPrefix(s, "I") || len(s) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
