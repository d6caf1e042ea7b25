/*
Package sqlite provides a SQLite-backed implementation of circulation.TxStore.

PURPOSE:
  Durable storage for the catalogue, loan ledger, hold queues and user
  directory. The same schema runs on PostgreSQL (see store/postgres) with
  only dialect differences.

KEY TABLES:
  items:  Catalogue records and availability status
  loans:  Active loans; UNIQUE(item_id) enforces one loan per item
  holds:  Hold queues; UNIQUE(patron_id, item_id) enforces one hold per pair
  users:  Directory of patrons, librarians and admins

ORDERING:
  loans.seq and holds.seq are AUTOINCREMENT keys that record insertion
  order. Loans list in seq order; holds list by position.

CONCURRENCY:
  One connection, one writer. WithTx takes the write lock for the whole
  transaction and routes every statement through the *sql.Tx; reads
  outside a transaction take the read lock. This also makes ":memory:"
  databases behave (each pooled connection would otherwise see its own
  empty database).

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  with external readers and better crash recovery.

USAGE:
  store, err := sqlite.New("./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, _ := circulation.NewEngine(store, circulation.DefaultPolicy())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - circulation/store.go: Interface definitions
  - circulation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hinlibs/circulation/circulation"
)

// Store implements circulation.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ circulation.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Catalogue
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		creator TEXT NOT NULL,
		format TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Available', 'CheckedOut')),
		publication_year INTEGER,
		isbn TEXT,
		classification TEXT,
		genre TEXT,
		rating TEXT,
		issue_number TEXT,
		publication_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_items_title ON items(title);

	-- Active loans. One per item.
	CREATE TABLE IF NOT EXISTS loans (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		patron_id TEXT NOT NULL,
		item_id TEXT NOT NULL UNIQUE REFERENCES items(id),
		checkout_date TEXT NOT NULL,
		due_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_patron ON loans(patron_id);

	-- Hold queues. One hold per (patron, item); positions 1..N per item.
	CREATE TABLE IF NOT EXISTS holds (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		patron_id TEXT NOT NULL,
		item_id TEXT NOT NULL REFERENCES items(id),
		position INTEGER NOT NULL CHECK (position >= 1),
		UNIQUE (patron_id, item_id)
	);

	CREATE INDEX IF NOT EXISTS idx_holds_item_position ON holds(item_id, position);

	-- Directory
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		role TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HANDLES
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// view binds the per-table adapters to a querier and a locking mode.
type view struct {
	q querier
	r sync.Locker
	w sync.Locker
}

func (s *Store) direct() view {
	return view{q: s.db, r: s.mu.RLocker(), w: &s.mu}
}

func (s *Store) Items() circulation.CatalogueStore { return &items{s.direct()} }
func (s *Store) Loans() circulation.LoanLedger     { return &loans{s.direct()} }
func (s *Store) Holds() circulation.HoldQueue      { return &holds{s.direct()} }
func (s *Store) Users() circulation.UserDirectory  { return &users{s.direct()} }

// =============================================================================
// TRANSACTIONAL STORE (circulation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store circulation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{v: view{q: sqlTx, r: nopLocker{}, w: nopLocker{}}}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	v view
}

func (ts *txStore) Items() circulation.CatalogueStore { return &items{ts.v} }
func (ts *txStore) Loans() circulation.LoanLedger     { return &loans{ts.v} }
func (ts *txStore) Holds() circulation.HoldQueue      { return &holds{ts.v} }
func (ts *txStore) Users() circulation.UserDirectory  { return &users{ts.v} }

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// =============================================================================
// CATALOGUE
// =============================================================================

const itemColumns = `id, title, creator, format, status, publication_year, isbn,
	classification, genre, rating, issue_number, publication_date`

type items struct{ view }

func (s *items) GetStatus(ctx context.Context, id circulation.ItemID) (circulation.Status, error) {
	s.r.Lock()
	defer s.r.Unlock()

	var status string
	err := s.q.QueryRowContext(ctx, "SELECT status FROM items WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", notFound("item", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read item status: %w", err)
	}
	return circulation.Status(status), nil
}

func (s *items) SetStatus(ctx context.Context, id circulation.ItemID, status circulation.Status) error {
	s.w.Lock()
	defer s.w.Unlock()

	res, err := s.q.ExecContext(ctx, "UPDATE items SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	return requireRow(res, notFound("item", id))
}

func (s *items) Get(ctx context.Context, id circulation.ItemID) (circulation.Item, error) {
	s.r.Lock()
	defer s.r.Unlock()

	rows, err := s.q.QueryContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if err != nil {
		return circulation.Item{}, fmt.Errorf("failed to query item: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return circulation.Item{}, err
		}
		return circulation.Item{}, notFound("item", id)
	}
	return scanItem(rows)
}

func (s *items) List(ctx context.Context, filter circulation.ItemFilter) ([]circulation.Item, error) {
	s.r.Lock()
	defer s.r.Unlock()

	query := "SELECT " + itemColumns + " FROM items"
	var args []any
	if filter.AvailableOnly {
		query += " WHERE status = ?"
		args = append(args, circulation.StatusAvailable)
	}
	query += " ORDER BY title, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	out := []circulation.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *items) Insert(ctx context.Context, item circulation.Item) error {
	s.w.Lock()
	defer s.w.Unlock()

	query := `INSERT INTO items (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		item.ID, item.Title, item.Creator, item.Format, item.Status,
		nullInt(item.PublicationYear),
		nullString(item.ISBN),
		nullString(item.Classification),
		nullString(item.Genre),
		nullString(item.Rating),
		nullString(item.IssueNumber),
		nullTime(item.PublicationDate),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (s *items) Delete(ctx context.Context, id circulation.ItemID) error {
	s.w.Lock()
	defer s.w.Unlock()

	res, err := s.q.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return requireRow(res, notFound("item", id))
}

func (s *items) MaxItemNumber(ctx context.Context) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()

	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(CAST(SUBSTR(id, 2) AS INTEGER)), 0) FROM items WHERE id GLOB 'I[0-9]*'",
	).Scan(&n)
	return n, err
}

func scanItem(rows *sql.Rows) (circulation.Item, error) {
	var (
		item            circulation.Item
		year            sql.NullInt64
		isbn            sql.NullString
		classification  sql.NullString
		genre           sql.NullString
		rating          sql.NullString
		issue           sql.NullString
		publicationDate sql.NullString
	)

	err := rows.Scan(
		&item.ID, &item.Title, &item.Creator, &item.Format, &item.Status,
		&year, &isbn, &classification, &genre, &rating, &issue, &publicationDate,
	)
	if err != nil {
		return item, fmt.Errorf("failed to scan item: %w", err)
	}

	if year.Valid {
		y := int(year.Int64)
		item.PublicationYear = &y
	}
	item.ISBN = stringPtr(isbn)
	item.Classification = stringPtr(classification)
	item.Genre = stringPtr(genre)
	item.Rating = stringPtr(rating)
	item.IssueNumber = stringPtr(issue)
	if publicationDate.Valid {
		t, err := parseTime("publication_date", publicationDate.String)
		if err != nil {
			return circulation.Item{}, fmt.Errorf("item %s: %w", item.ID, err)
		}
		item.PublicationDate = &t
	}
	return item, nil
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = "id, patron_id, item_id, checkout_date, due_date"

type loans struct{ view }

func (s *loans) ActiveLoanCount(ctx context.Context, patron circulation.PatronID) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()

	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM loans WHERE patron_id = ?", patron).Scan(&n)
	return n, err
}

func (s *loans) ActiveLoanForItem(ctx context.Context, item circulation.ItemID) (*circulation.Loan, error) {
	s.r.Lock()
	defer s.r.Unlock()

	found, err := s.query(ctx, "SELECT "+loanColumns+" FROM loans WHERE item_id = ?", item)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

func (s *loans) CountForItem(ctx context.Context, item circulation.ItemID) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()

	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM loans WHERE item_id = ?", item).Scan(&n)
	return n, err
}

func (s *loans) Insert(ctx context.Context, loan circulation.Loan) error {
	s.w.Lock()
	defer s.w.Unlock()

	_, err := s.q.ExecContext(ctx,
		"INSERT INTO loans ("+loanColumns+") VALUES (?, ?, ?, ?, ?)",
		loan.ID, loan.PatronID, loan.ItemID,
		formatTime(loan.CheckoutDate), formatTime(loan.DueDate),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "loans.item_id") {
			return fmt.Errorf("%w: %s", circulation.ErrActiveLoanExists, loan.ItemID)
		}
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (s *loans) DeleteByPatronAndItem(ctx context.Context, patron circulation.PatronID, item circulation.ItemID) error {
	s.w.Lock()
	defer s.w.Unlock()

	res, err := s.q.ExecContext(ctx, "DELETE FROM loans WHERE patron_id = ? AND item_id = ?", patron, item)
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return requireRow(res, notFound("loan", string(patron)+"/"+string(item)))
}

func (s *loans) Lookup(ctx context.Context, id circulation.LoanID) (circulation.Loan, error) {
	s.r.Lock()
	defer s.r.Unlock()

	found, err := s.query(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = ?", id)
	if err != nil {
		return circulation.Loan{}, err
	}
	if len(found) == 0 {
		return circulation.Loan{}, notFound("loan", id)
	}
	return found[0], nil
}

func (s *loans) ListByPatron(ctx context.Context, patron circulation.PatronID) ([]circulation.Loan, error) {
	s.r.Lock()
	defer s.r.Unlock()

	return s.query(ctx, "SELECT "+loanColumns+" FROM loans WHERE patron_id = ? ORDER BY seq", patron)
}

func (s *loans) query(ctx context.Context, query string, args ...any) ([]circulation.Loan, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	out := []circulation.Loan{}
	for rows.Next() {
		var (
			l                 circulation.Loan
			checkout, dueDate string
		)
		if err := rows.Scan(&l.ID, &l.PatronID, &l.ItemID, &checkout, &dueDate); err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		var err error
		if l.CheckoutDate, err = parseTime("checkout_date", checkout); err != nil {
			return nil, fmt.Errorf("failed to scan loan %s: %w", l.ID, err)
		}
		if l.DueDate, err = parseTime("due_date", dueDate); err != nil {
			return nil, fmt.Errorf("failed to scan loan %s: %w", l.ID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// HOLDS
// =============================================================================

const holdColumns = "id, patron_id, item_id, position"

type holds struct{ view }

func (s *holds) CountForItem(ctx context.Context, item circulation.ItemID) (int, error) {
	s.r.Lock()
	defer s.r.Unlock()

	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM holds WHERE item_id = ?", item).Scan(&n)
	return n, err
}

func (s *holds) ExistsForPatronItem(ctx context.Context, patron circulation.PatronID, item circulation.ItemID) (bool, error) {
	s.r.Lock()
	defer s.r.Unlock()

	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM holds WHERE patron_id = ? AND item_id = ?", patron, item,
	).Scan(&n)
	return n > 0, err
}

func (s *holds) Append(ctx context.Context, hold circulation.Hold) (int, error) {
	s.w.Lock()
	defer s.w.Unlock()

	var position int
	err := s.q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), 0) + 1 FROM holds WHERE item_id = ?", hold.ItemID,
	).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue tail: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		"INSERT INTO holds ("+holdColumns+") VALUES (?, ?, ?, ?)",
		hold.ID, hold.PatronID, hold.ItemID, position,
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "holds.patron_id") {
			return 0, fmt.Errorf("%w: patron %s, item %s", circulation.ErrDuplicateHold, hold.PatronID, hold.ItemID)
		}
		return 0, fmt.Errorf("failed to insert hold: %w", err)
	}
	return position, nil
}

func (s *holds) RemoveAndRenumber(ctx context.Context, patron circulation.PatronID, item circulation.ItemID) error {
	s.w.Lock()
	defer s.w.Unlock()

	var position int
	err := s.q.QueryRowContext(ctx,
		"SELECT position FROM holds WHERE patron_id = ? AND item_id = ?", patron, item,
	).Scan(&position)
	if err == sql.ErrNoRows {
		return notFound("hold", string(patron)+"/"+string(item))
	}
	if err != nil {
		return fmt.Errorf("failed to read hold: %w", err)
	}

	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM holds WHERE patron_id = ? AND item_id = ?", patron, item,
	); err != nil {
		return fmt.Errorf("failed to delete hold: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		"UPDATE holds SET position = position - 1 WHERE item_id = ? AND position > ?", item, position,
	); err != nil {
		return fmt.Errorf("failed to renumber holds: %w", err)
	}
	return nil
}

func (s *holds) Lookup(ctx context.Context, id circulation.HoldID) (circulation.Hold, error) {
	s.r.Lock()
	defer s.r.Unlock()

	found, err := s.query(ctx, "SELECT "+holdColumns+" FROM holds WHERE id = ?", id)
	if err != nil {
		return circulation.Hold{}, err
	}
	if len(found) == 0 {
		return circulation.Hold{}, notFound("hold", id)
	}
	return found[0], nil
}

func (s *holds) ListForItem(ctx context.Context, item circulation.ItemID) ([]circulation.Hold, error) {
	s.r.Lock()
	defer s.r.Unlock()

	return s.query(ctx, "SELECT "+holdColumns+" FROM holds WHERE item_id = ? ORDER BY position", item)
}

func (s *holds) ListByPatron(ctx context.Context, patron circulation.PatronID) ([]circulation.Hold, error) {
	s.r.Lock()
	defer s.r.Unlock()

	return s.query(ctx, "SELECT "+holdColumns+" FROM holds WHERE patron_id = ? ORDER BY position, item_id", patron)
}

func (s *holds) query(ctx context.Context, query string, args ...any) ([]circulation.Hold, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()

	out := []circulation.Hold{}
	for rows.Next() {
		var h circulation.Hold
		if err := rows.Scan(&h.ID, &h.PatronID, &h.ItemID, &h.Position); err != nil {
			return nil, fmt.Errorf("failed to scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

type users struct{ view }

func (s *users) Get(ctx context.Context, id circulation.UserID) (circulation.User, error) {
	s.r.Lock()
	defer s.r.Unlock()

	return s.one(ctx, "SELECT id, username, role FROM users WHERE id = ?", id, string(id))
}

func (s *users) FindByName(ctx context.Context, username string) (circulation.User, error) {
	s.r.Lock()
	defer s.r.Unlock()

	return s.one(ctx, "SELECT id, username, role FROM users WHERE username = ? COLLATE NOCASE", username, username)
}

func (s *users) Insert(ctx context.Context, user circulation.User) error {
	s.w.Lock()
	defer s.w.Unlock()

	_, err := s.q.ExecContext(ctx,
		"INSERT INTO users (id, username, role) VALUES (?, ?, ?)",
		user.ID, user.Username, user.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *users) List(ctx context.Context) ([]circulation.User, error) {
	s.r.Lock()
	defer s.r.Unlock()

	rows, err := s.q.QueryContext(ctx, "SELECT id, username, role FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	out := []circulation.User{}
	for rows.Next() {
		var u circulation.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *users) one(ctx context.Context, query string, arg any, label string) (circulation.User, error) {
	var u circulation.User
	err := s.q.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Role)
	if err == sql.ErrNoRows {
		return circulation.User{}, notFound("user", label)
	}
	if err != nil {
		return circulation.User{}, fmt.Errorf("failed to read user: %w", err)
	}
	return u, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"holds", "loans", "items", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func notFound[T ~string](entity string, id T) error {
	return &circulation.NotFoundError{Entity: entity, ID: string(id)}
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a timestamp written by formatTime or nullTime.
func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s %q: %w", column, value, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
