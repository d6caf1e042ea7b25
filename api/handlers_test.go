/*
handlers_test.go - HTTP tests for the circulation API

Tests for:
- Caller identity (X-User-ID) and role checks
- Borrow/return/hold flows and their status codes
- Librarian catalogue and desk operations
- Audit and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hinlibs/circulation/circulation"
	"github.com/hinlibs/circulation/metrics"
	"github.com/hinlibs/circulation/store/sqlite"
)

var testNow = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  *chi.Mux
}

// setupTestServer builds the full stack over an in-memory SQLite database
// loaded with scenario.
func setupTestServer(t *testing.T, scenario string) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine, err := circulation.NewEngine(store, circulation.DefaultPolicy(),
		circulation.WithClock(circulation.ClockFunc(func() time.Time { return testNow })),
		circulation.WithObserver(m),
	)
	require.NoError(t, err)

	h := NewHandler(circulation.NewDesk(engine), nil)
	h.Scheduler = NewAuditScheduler(store, nil)
	h.Scheduler.Reporter = m
	require.NoError(t, h.Seed(context.Background(), scenario))

	return &testServer{
		handler: h,
		router:  NewRouter(h, RouterConfig{Metrics: m, Gatherer: reg}),
	}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code circulation.Kind) ErrorResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(code), resp.Code)
	return resp
}

const (
	patronNikolai  = "U001"
	patronMike     = "U002"
	patronMohammad = "U005"
	librarian      = "U006"
	sysAdmin       = "U007"
)

// =============================================================================
// IDENTITY
// =============================================================================

func TestAPI_Identity(t *testing.T) {
	ts := setupTestServer(t, ScenarioDefault)

	rec := ts.do(t, http.MethodGet, "/api/items", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/items", "U999", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/items", sysAdmin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// CATALOGUE
// =============================================================================

func TestAPI_ListItems(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	all := decode[[]ItemDTO](t, ts.do(t, http.MethodGet, "/api/items", patronNikolai, nil))
	assert.Len(t, all, 20)
	assert.Equal(t, "A Brief History of Time", all[0].Title)

	avail := decode[[]ItemDTO](t, ts.do(t, http.MethodGet, "/api/items?available=true", patronNikolai, nil))
	assert.Len(t, avail, 14)
	for _, it := range avail {
		assert.Equal(t, "Available", it.Status)
	}
}

func TestAPI_GetItem_FormatDetails(t *testing.T) {
	ts := setupTestServer(t, ScenarioDefault)

	rec := ts.do(t, http.MethodGet, "/api/items/I011", patronNikolai, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mag := decode[ItemDTO](t, rec)
	assert.Equal(t, "Magazine", mag.Format)
	require.NotNil(t, mag.IssueNumber)
	assert.Equal(t, "1967-01", *mag.IssueNumber)
	require.NotNil(t, mag.PublicationDate)
	assert.Equal(t, "1967-01-15", *mag.PublicationDate)

	nonFiction := decode[ItemDTO](t, ts.do(t, http.MethodGet, "/api/items/I006", patronNikolai, nil))
	require.NotNil(t, nonFiction.Classification)
	assert.Equal(t, "001.94", *nonFiction.Classification)

	requireError(t, ts.do(t, http.MethodGet, "/api/items/I404", patronNikolai, nil), http.StatusNotFound, circulation.KindNotFound)
}

func TestAPI_CreateItem(t *testing.T) {
	ts := setupTestServer(t, ScenarioDefault)
	req := CreateItemRequest{
		Title:           "The Silmarillion",
		Creator:         "J. R. R. Tolkien",
		Format:          "book",
		PublicationYear: intPtr(1977),
		Genre:           strPtr("Fantasy"),
	}

	rec := ts.do(t, http.MethodPost, "/api/items", librarian, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ItemDTO](t, rec)
	assert.Equal(t, "I021", created.ID)
	assert.Equal(t, "Book", created.Format)
	assert.Equal(t, "Available", created.Status)

	requireError(t, ts.do(t, http.MethodPost, "/api/items", patronNikolai, req), http.StatusForbidden, circulation.KindForbidden)
}

func TestAPI_CreateItem_BadInput(t *testing.T) {
	ts := setupTestServer(t, ScenarioDefault)

	rec := ts.do(t, http.MethodPost, "/api/items", librarian, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	requireError(t, ts.do(t, http.MethodPost, "/api/items", librarian,
		CreateItemRequest{Creator: "x", Format: "Book"}), http.StatusUnprocessableEntity, circulation.KindInvalidItem)

	requireError(t, ts.do(t, http.MethodPost, "/api/items", librarian,
		CreateItemRequest{Title: "x", Creator: "y", Format: "Scroll"}), http.StatusUnprocessableEntity, circulation.KindInvalidItem)

	requireError(t, ts.do(t, http.MethodPost, "/api/items", librarian,
		CreateItemRequest{Title: "x", Creator: "y", Format: "Magazine", PublicationDate: strPtr("March 2025")}),
		http.StatusUnprocessableEntity, circulation.KindInvalidItem)
}

func TestAPI_RemoveItem(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	requireError(t, ts.do(t, http.MethodDelete, "/api/items/I003", librarian, nil), http.StatusConflict, circulation.KindItemCheckedOut)

	rec := ts.do(t, http.MethodDelete, "/api/items/I002", librarian, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/items/I002", librarian, nil).Code)
}

func TestAPI_HoldQueue(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	rec := ts.do(t, http.MethodGet, "/api/items/I003/holds", librarian, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[[]HoldDTO](t, rec)
	require.Len(t, queue, 3)
	for i, want := range []string{"U002", "U003", "U004"} {
		assert.Equal(t, want, queue[i].PatronID)
		assert.Equal(t, i+1, queue[i].Position)
	}
	requireError(t, ts.do(t, http.MethodGet, "/api/items/I003/holds", patronNikolai, nil), http.StatusForbidden, circulation.KindForbidden)
}

// =============================================================================
// CIRCULATION
// =============================================================================

func TestAPI_CheckoutAndReturn(t *testing.T) {
	// GIVEN: The default library
	// WHEN: nikolai borrows I001, mike tries the same, then nikolai returns it
	// THEN: 201 with a 14 day loan, 409 ItemUnavailable, 200 and Available again

	ts := setupTestServer(t, ScenarioDefault)

	rec := ts.do(t, http.MethodPost, "/api/items/I001/checkout", patronNikolai, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[LoanDTO](t, rec)
	assert.Equal(t, "U001", loan.PatronID)
	assert.Equal(t, testNow.Format(time.RFC3339), loan.CheckoutDate)
	assert.Equal(t, testNow.AddDate(0, 0, 14).Format(time.RFC3339), loan.DueDate)

	requireError(t, ts.do(t, http.MethodPost, "/api/items/I001/checkout", patronMike, nil), http.StatusConflict, circulation.KindItemUnavailable)
	requireError(t, ts.do(t, http.MethodPost, "/api/items/I001/return", patronMike, nil), http.StatusNotFound, circulation.KindNoActiveLoan)

	rec = ts.do(t, http.MethodPost, "/api/items/I001/return", patronNikolai, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	item := decode[ItemDTO](t, ts.do(t, http.MethodGet, "/api/items/I001", patronMike, nil))
	assert.Equal(t, "Available", item.Status)
}

func TestAPI_Checkout_LoanLimit(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	resp := requireError(t, ts.do(t, http.MethodPost, "/api/items/I020/checkout", patronMohammad, nil),
		http.StatusConflict, circulation.KindLoanLimitReached)

	assert.Equal(t, "loan limit reached", resp.Error)
	requireError(t, ts.do(t, http.MethodPost, "/api/items/I020/checkout", librarian, nil), http.StatusForbidden, circulation.KindForbidden)
}

func TestAPI_Holds(t *testing.T) {
	// GIVEN: The busy library, I003 has three holds
	// WHEN: mohammad places a hold twice, then cancels twice
	// THEN: 201 at position 4, 200 "Hold already exists", 204, 404 NoSuchHold

	ts := setupTestServer(t, ScenarioBusy)

	rec := ts.do(t, http.MethodPost, "/api/items/I003/holds", patronMohammad, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	placed := decode[HoldPlacedDTO](t, rec)
	assert.Equal(t, 4, placed.Position)
	assert.Empty(t, placed.Message)

	rec = ts.do(t, http.MethodPost, "/api/items/I003/holds", patronMohammad, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[HoldPlacedDTO](t, rec)
	assert.Equal(t, 4, again.Position)
	assert.Equal(t, "Hold already exists", again.Message)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/items/I003/holds", patronMohammad, nil).Code)
	requireError(t, ts.do(t, http.MethodDelete, "/api/items/I003/holds", patronMohammad, nil), http.StatusNotFound, circulation.KindNoSuchHold)

	requireError(t, ts.do(t, http.MethodPost, "/api/items/I002/holds", patronMohammad, nil), http.StatusConflict, circulation.KindItemAvailable)
}

func TestAPI_Account(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	rec := ts.do(t, http.MethodGet, "/api/account", patronNikolai, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	account := decode[AccountDTO](t, rec)
	assert.Equal(t, "U001", account.PatronID)
	require.Len(t, account.Loans, 2)
	assert.Equal(t, "The Hobbit", account.Loans[0].Title)
	assert.Equal(t, 14, account.Loans[0].DaysRemaining)
	assert.Equal(t, "14.00", account.Loans[0].DaysRemainingExact)
	assert.False(t, account.Loans[0].Overdue)
	require.Len(t, account.Holds, 1)
	assert.Equal(t, "I001", account.Holds[0].ItemID)
	assert.Equal(t, 1, account.Holds[0].QueuePosition)

	requireError(t, ts.do(t, http.MethodGet, "/api/account", librarian, nil), http.StatusForbidden, circulation.KindForbidden)
}

// =============================================================================
// LIBRARIAN DESK
// =============================================================================

func TestAPI_PatronLoansAndReturnFor(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	rec := ts.do(t, http.MethodGet, "/api/patrons/mike/loans", librarian, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loans := decode[[]LoanDTO](t, rec)
	require.Len(t, loans, 1)
	assert.Equal(t, "I001", loans[0].ItemID)

	rec = ts.do(t, http.MethodPost, "/api/patrons/mike/returns/I001", librarian, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	requireError(t, ts.do(t, http.MethodPost, "/api/patrons/mike/returns/I001", librarian, nil), http.StatusNotFound, circulation.KindNoActiveLoan)
	requireError(t, ts.do(t, http.MethodGet, "/api/patrons/ghost/loans", librarian, nil), http.StatusNotFound, circulation.KindNotFound)
	requireError(t, ts.do(t, http.MethodGet, "/api/patrons/mike/loans", patronNikolai, nil), http.StatusForbidden, circulation.KindForbidden)
}

// =============================================================================
// AUDIT & METRICS
// =============================================================================

func TestAPI_Audit(t *testing.T) {
	ts := setupTestServer(t, ScenarioBusy)

	rec := ts.do(t, http.MethodGet, "/api/audit", sysAdmin, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[AuditDTO](t, rec)
	assert.True(t, audit.Clean)
	assert.Empty(t, audit.Violations)
	assert.NotEmpty(t, audit.RanAt)
}

func TestAPI_Metrics(t *testing.T) {
	ts := setupTestServer(t, ScenarioDefault)
	ts.do(t, http.MethodPost, "/api/items/I001/checkout", patronNikolai, nil)
	ts.do(t, http.MethodPost, "/api/items/I001/checkout", patronMike, nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `circulation_operations_total{op="checkout",outcome="ok"} 1`)
	assert.Contains(t, body, `circulation_operations_total{op="checkout",outcome="ItemUnavailable"} 1`)
	assert.True(t, strings.Contains(body, `route="/api/items/{id}/checkout"`))
}

func TestAPI_LandingPage(t *testing.T) {
	ts := setupTestServer(t, ScenarioDefault)

	rec := ts.do(t, http.MethodGet, "/", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Circulation Desk API")
}

func intPtr(n int) *int { return &n }
