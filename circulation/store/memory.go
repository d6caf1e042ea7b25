// Package store provides in-process circulation.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hinlibs/circulation/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the catalogue, loans, holds and users in maps and slices.
// Reads outside a transaction take the read lock; writes and WithTx take
// the write lock, so there is a single writer at a time.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	items map[circulation.ItemID]circulation.Item
	loans []circulation.Loan // insertion order
	holds []circulation.Hold
	users map[circulation.UserID]circulation.User
}

func newState() *state {
	return &state{
		items: make(map[circulation.ItemID]circulation.Item),
		users: make(map[circulation.UserID]circulation.User),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ circulation.TxStore = (*Memory)(nil)

func (m *Memory) Items() circulation.CatalogueStore { return &items{m.direct()} }
func (m *Memory) Loans() circulation.LoanLedger     { return &loans{m.direct()} }
func (m *Memory) Holds() circulation.HoldQueue      { return &holds{m.direct()} }
func (m *Memory) Users() circulation.UserDirectory  { return &users{m.direct()} }

// direct returns a view that locks around every call.
func (m *Memory) direct() view {
	return view{m: m, r: m.mu.RLocker(), w: &m.mu}
}

// Reset drops everything (demo scenarios, tests).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()

	if err := fn(&txView{view{m: m, r: nopLocker{}, w: nopLocker{}}}); err != nil {
		m.st = snapshot
		return err
	}
	// Commit (already done via direct writes)
	return nil
}

func (s *state) clone() *state {
	c := &state{
		items: make(map[circulation.ItemID]circulation.Item, len(s.items)),
		loans: append([]circulation.Loan(nil), s.loans...),
		holds: append([]circulation.Hold(nil), s.holds...),
		users: make(map[circulation.UserID]circulation.User, len(s.users)),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

type txView struct {
	v view
}

func (t *txView) Items() circulation.CatalogueStore { return &items{t.v} }
func (t *txView) Loans() circulation.LoanLedger     { return &loans{t.v} }
func (t *txView) Holds() circulation.HoldQueue      { return &holds{t.v} }
func (t *txView) Users() circulation.UserDirectory  { return &users{t.v} }

// view binds the per-store adapters to the parent and its locking mode.
// Inside WithTx the write lock is already held, so both lockers are no-ops.
type view struct {
	m *Memory
	r sync.Locker
	w sync.Locker
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// =============================================================================
// CATALOGUE
// =============================================================================

type items struct{ view }

func (s *items) GetStatus(_ context.Context, id circulation.ItemID) (circulation.Status, error) {
	s.r.Lock()
	defer s.r.Unlock()
	item, ok := s.m.st.items[id]
	if !ok {
		return "", notFound("item", id)
	}
	return item.Status, nil
}

func (s *items) SetStatus(_ context.Context, id circulation.ItemID, status circulation.Status) error {
	s.w.Lock()
	defer s.w.Unlock()
	item, ok := s.m.st.items[id]
	if !ok {
		return notFound("item", id)
	}
	item.Status = status
	s.m.st.items[id] = item
	return nil
}

func (s *items) Get(_ context.Context, id circulation.ItemID) (circulation.Item, error) {
	s.r.Lock()
	defer s.r.Unlock()
	item, ok := s.m.st.items[id]
	if !ok {
		return circulation.Item{}, notFound("item", id)
	}
	return item, nil
}

func (s *items) List(_ context.Context, filter circulation.ItemFilter) ([]circulation.Item, error) {
	s.r.Lock()
	defer s.r.Unlock()
	out := make([]circulation.Item, 0, len(s.m.st.items))
	for _, item := range s.m.st.items {
		if filter.AvailableOnly && !item.Available() {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *items) Insert(_ context.Context, item circulation.Item) error {
	s.w.Lock()
	defer s.w.Unlock()
	if _, ok := s.m.st.items[item.ID]; ok {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	s.m.st.items[item.ID] = item
	return nil
}

func (s *items) Delete(_ context.Context, id circulation.ItemID) error {
	s.w.Lock()
	defer s.w.Unlock()
	if _, ok := s.m.st.items[id]; !ok {
		return notFound("item", id)
	}
	delete(s.m.st.items, id)
	return nil
}

func (s *items) MaxItemNumber(_ context.Context) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()
	highest := 0
	for id := range s.m.st.items {
		if n, ok := circulation.ItemNumber(id); ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}

// =============================================================================
// LOANS
// =============================================================================

type loans struct{ view }

func (s *loans) ActiveLoanCount(_ context.Context, patron circulation.PatronID) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()
	n := 0
	for _, l := range s.m.st.loans {
		if l.PatronID == patron {
			n++
		}
	}
	return n, nil
}

func (s *loans) ActiveLoanForItem(_ context.Context, item circulation.ItemID) (*circulation.Loan, error) {
	s.r.Lock()
	defer s.r.Unlock()
	for _, l := range s.m.st.loans {
		if l.ItemID == item {
			loan := l
			return &loan, nil
		}
	}
	return nil, nil
}

func (s *loans) CountForItem(_ context.Context, item circulation.ItemID) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()
	n := 0
	for _, l := range s.m.st.loans {
		if l.ItemID == item {
			n++
		}
	}
	return n, nil
}

func (s *loans) Insert(_ context.Context, loan circulation.Loan) error {
	s.w.Lock()
	defer s.w.Unlock()
	for _, l := range s.m.st.loans {
		if l.ItemID == loan.ItemID {
			return fmt.Errorf("%w: %s", circulation.ErrActiveLoanExists, loan.ItemID)
		}
	}
	s.m.st.loans = append(s.m.st.loans, loan)
	return nil
}

func (s *loans) DeleteByPatronAndItem(_ context.Context, patron circulation.PatronID, item circulation.ItemID) error {
	s.w.Lock()
	defer s.w.Unlock()
	for i, l := range s.m.st.loans {
		if l.PatronID == patron && l.ItemID == item {
			s.m.st.loans = append(s.m.st.loans[:i:i], s.m.st.loans[i+1:]...)
			return nil
		}
	}
	return notFound("loan", string(patron)+"/"+string(item))
}

func (s *loans) Lookup(_ context.Context, id circulation.LoanID) (circulation.Loan, error) {
	s.r.Lock()
	defer s.r.Unlock()
	for _, l := range s.m.st.loans {
		if l.ID == id {
			return l, nil
		}
	}
	return circulation.Loan{}, notFound("loan", id)
}

func (s *loans) ListByPatron(_ context.Context, patron circulation.PatronID) ([]circulation.Loan, error) {
	s.r.Lock()
	defer s.r.Unlock()
	out := []circulation.Loan{}
	for _, l := range s.m.st.loans {
		if l.PatronID == patron {
			out = append(out, l)
		}
	}
	return out, nil
}

// =============================================================================
// HOLDS
// =============================================================================

type holds struct{ view }

func (s *holds) CountForItem(_ context.Context, item circulation.ItemID) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()
	return len(s.forItem(item)), nil
}

func (s *holds) ExistsForPatronItem(_ context.Context, patron circulation.PatronID, item circulation.ItemID) (bool, error) {
	s.r.Lock()
	defer s.r.Unlock()
	return s.index(patron, item) >= 0, nil
}

func (s *holds) Append(_ context.Context, hold circulation.Hold) (int, error) {
	s.w.Lock()
	defer s.w.Unlock()
	if s.index(hold.PatronID, hold.ItemID) >= 0 {
		return 0, fmt.Errorf("%w: patron %s, item %s", circulation.ErrDuplicateHold, hold.PatronID, hold.ItemID)
	}
	hold.Position = 1
	for _, h := range s.m.st.holds {
		if h.ItemID == hold.ItemID && h.Position >= hold.Position {
			hold.Position = h.Position + 1
		}
	}
	s.m.st.holds = append(s.m.st.holds, hold)
	return hold.Position, nil
}

func (s *holds) RemoveAndRenumber(_ context.Context, patron circulation.PatronID, item circulation.ItemID) error {
	s.w.Lock()
	defer s.w.Unlock()
	i := s.index(patron, item)
	if i < 0 {
		return notFound("hold", string(patron)+"/"+string(item))
	}
	removed := s.m.st.holds[i].Position
	s.m.st.holds = append(s.m.st.holds[:i:i], s.m.st.holds[i+1:]...)
	for j := range s.m.st.holds {
		h := &s.m.st.holds[j]
		if h.ItemID == item && h.Position > removed {
			h.Position--
		}
	}
	return nil
}

func (s *holds) Lookup(_ context.Context, id circulation.HoldID) (circulation.Hold, error) {
	s.r.Lock()
	defer s.r.Unlock()
	for _, h := range s.m.st.holds {
		if h.ID == id {
			return h, nil
		}
	}
	return circulation.Hold{}, notFound("hold", id)
}

func (s *holds) ListForItem(_ context.Context, item circulation.ItemID) ([]circulation.Hold, error) {
	s.r.Lock()
	defer s.r.Unlock()
	return s.forItem(item), nil
}

func (s *holds) ListByPatron(_ context.Context, patron circulation.PatronID) ([]circulation.Hold, error) {
	s.r.Lock()
	defer s.r.Unlock()
	out := []circulation.Hold{}
	for _, h := range s.m.st.holds {
		if h.PatronID == patron {
			out = append(out, h)
		}
	}
	sortHolds(out)
	return out, nil
}

func (s *holds) forItem(item circulation.ItemID) []circulation.Hold {
	out := []circulation.Hold{}
	for _, h := range s.m.st.holds {
		if h.ItemID == item {
			out = append(out, h)
		}
	}
	sortHolds(out)
	return out
}

func (s *holds) index(patron circulation.PatronID, item circulation.ItemID) int {
	for i, h := range s.m.st.holds {
		if h.PatronID == patron && h.ItemID == item {
			return i
		}
	}
	return -1
}

func sortHolds(hs []circulation.Hold) {
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].Position != hs[j].Position {
			return hs[i].Position < hs[j].Position
		}
		return hs[i].ItemID < hs[j].ItemID
	})
}

// =============================================================================
// USERS
// =============================================================================

type users struct{ view }

func (s *users) Get(_ context.Context, id circulation.UserID) (circulation.User, error) {
	s.r.Lock()
	defer s.r.Unlock()
	u, ok := s.m.st.users[id]
	if !ok {
		return circulation.User{}, notFound("user", id)
	}
	return u, nil
}

func (s *users) FindByName(_ context.Context, username string) (circulation.User, error) {
	s.r.Lock()
	defer s.r.Unlock()
	for _, u := range s.m.st.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return circulation.User{}, notFound("user", username)
}

func (s *users) Insert(_ context.Context, user circulation.User) error {
	s.w.Lock()
	defer s.w.Unlock()
	if _, ok := s.m.st.users[user.ID]; ok {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	s.m.st.users[user.ID] = user
	return nil
}

func (s *users) List(_ context.Context) ([]circulation.User, error) {
	s.r.Lock()
	defer s.r.Unlock()
	out := make([]circulation.User, 0, len(s.m.st.users))
	for _, u := range s.m.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func notFound[T ~string](entity string, id T) error {
	return &circulation.NotFoundError{Entity: entity, ID: string(id)}
}
