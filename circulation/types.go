/*
Package circulation provides the library circulation engine.

PURPOSE:
  Tracks items, patrons, loans and holds, and moves items between
  Available and CheckedOut while enforcing borrowing policy and a strict
  FIFO hold queue per item. Every state transition is a single atomic
  store transaction; no caller ever observes a half-applied change.

KEY CONCEPTS IN THIS FILE (types.go):
  - ItemID / PatronID / LoanID / HoldID: Type-safe identifiers
  - Item: Catalogue entry with availability status and format metadata
  - Loan: An active checkout (deleted on return, never archived)
  - Hold: A place in an item's queue, positions 1..N
  - Actor: Tagged variant of the three user roles

INVARIANTS:
  1. Item.Status == CheckedOut  <=>  exactly one active Loan references it
  2. For a fixed item, hold positions are exactly {1..N}, in placement order
  3. At most one hold per (patron, item)

SNAPSHOTS:
  Every Item, Loan and Hold handed to a caller is a value copy. Nothing in
  this package re-reads storage behind a method call; to see newer state,
  ask the engine again with the identifier.

SEE ALSO:
  - engine.go: The atomic operations
  - store.go: Persistence interfaces
  - desk.go: Role-checked, patron-facing orchestration
*/
package circulation

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type UserID string
type LoanID string
type HoldID string

// PatronID is the UserID of a user whose role is RolePatron.
type PatronID = UserID

// =============================================================================
// ITEM
// =============================================================================

// Status is the availability state of an item.
type Status string

const (
	StatusAvailable  Status = "Available"
	StatusCheckedOut Status = "CheckedOut"
)

func (s Status) Valid() bool {
	return s == StatusAvailable || s == StatusCheckedOut
}

// ParseStatus accepts the canonical spelling, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return StatusAvailable, nil
	case "checkedout", "checked_out", "checked-out":
		return StatusCheckedOut, nil
	}
	return "", fmt.Errorf("unknown item status %q", s)
}

// Format is the kind of material an item is.
type Format string

const (
	FormatBook      Format = "Book"
	FormatMagazine  Format = "Magazine"
	FormatMovie     Format = "Movie"
	FormatVideoGame Format = "VideoGame"
)

func (f Format) Valid() bool {
	switch f {
	case FormatBook, FormatMagazine, FormatMovie, FormatVideoGame:
		return true
	}
	return false
}

// ParseFormat accepts the canonical spelling, case-insensitively.
func ParseFormat(s string) (Format, error) {
	for _, f := range []Format{FormatBook, FormatMagazine, FormatMovie, FormatVideoGame} {
		if strings.EqualFold(string(f), strings.TrimSpace(s)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown item format %q", s)
}

// Item is a catalogue entry. The optional fields are format specific:
// non-fiction books carry a Classification (Dewey decimal), magazines an
// IssueNumber and PublicationDate, movies and games a Genre and Rating.
type Item struct {
	ID      ItemID
	Title   string
	Creator string
	Format  Format
	Status  Status

	PublicationYear *int
	ISBN            *string
	Classification  *string
	Genre           *string
	Rating          *string
	IssueNumber     *string
	PublicationDate *time.Time
}

// Available reports whether the item can be checked out right now.
func (i Item) Available() bool { return i.Status == StatusAvailable }

// Summary drops the format-specific metadata.
func (i Item) Summary() ItemSummary {
	return ItemSummary{ID: i.ID, Title: i.Title, Creator: i.Creator, Format: i.Format, Status: i.Status}
}

// ItemSummary is the short catalogue projection.
type ItemSummary struct {
	ID      ItemID
	Title   string
	Creator string
	Format  Format
	Status  Status
}

// ItemFilter narrows a catalogue listing.
type ItemFilter struct {
	AvailableOnly bool
}

// =============================================================================
// LOAN
// =============================================================================

// Loan is an active checkout. It exists from a successful Checkout until the
// matching Return deletes it.
type Loan struct {
	ID           LoanID
	PatronID     PatronID
	ItemID       ItemID
	CheckoutDate time.Time
	DueDate      time.Time
}

// =============================================================================
// HOLD
// =============================================================================

// Hold is a patron's place in an item's queue. Position is 1-based and is the
// value at the time the snapshot was taken.
type Hold struct {
	ID       HoldID
	PatronID PatronID
	ItemID   ItemID
	Position int
}

// =============================================================================
// USERS & ROLES
// =============================================================================

// Role tags an Actor.
type Role string

const (
	RolePatron    Role = "Patron"
	RoleLibrarian Role = "Librarian"
	RoleSysAdmin  Role = "SysAdmin"
)

func ParseRole(s string) (Role, error) {
	for _, r := range []Role{RolePatron, RoleLibrarian, RoleSysAdmin} {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// User is a directory record.
type User struct {
	ID       UserID
	Username string
	Role     Role
}

// Actor is whoever is invoking an operation. Role-specific behavior switches
// on Role; there is no per-role type.
type Actor struct {
	ID   UserID
	Role Role
}

func (u User) Actor() Actor { return Actor{ID: u.ID, Role: u.Role} }
