/*
handlers.go - HTTP API handlers for the circulation desk

PURPOSE:
  Exposes the circulation desk via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to circulation.Desk.

ENDPOINTS:
  Catalogue:
    GET    /api/items                       List items (?available=true)
    GET    /api/items/{id}                  Item details
    GET    /api/items/{id}/holds            Hold queue (librarian)
    POST   /api/items                       Add item (librarian)
    DELETE /api/items/{id}                  Remove item (librarian)

  Circulation (patron):
    POST   /api/items/{id}/checkout         Borrow
    POST   /api/items/{id}/return           Return
    POST   /api/items/{id}/holds            Place hold
    DELETE /api/items/{id}/holds            Cancel hold
    GET    /api/account                     Loans and holds with due info

  Librarian:
    GET    /api/patrons/{username}/loans            A patron's loans
    POST   /api/patrons/{username}/returns/{itemID} Return on their behalf

  Operations:
    GET    /api/audit                       Run the consistency audit
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario (sysadmin)
    POST   /api/scenarios/reset             Wipe everything (sysadmin)

IDENTITY:
  The caller is named by the X-User-ID header and looked up in the user
  directory. The directory's role becomes the Actor's role; the desk then
  decides what that role may do.

ERROR HANDLING:
  Errors are returned as JSON with the error kind in "code":
  - 400: Malformed request
  - 401: Missing or unknown X-User-ID
  - 403: Role not allowed
  - 404: Unknown item/user, no such loan or hold
  - 409: Circulation conflict (limit, availability, duplicates, removal guards)
  - 422: Invalid item details
  - 500: Persistence failure (nothing was changed)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hinlibs/circulation/circulation"
)

const userHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Desk      *circulation.Desk
	Engine    *circulation.Engine
	Store     circulation.TxStore
	Scheduler *AuditScheduler
	Logger    *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around desk.
func NewHandler(desk *circulation.Desk, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine := desk.Engine()
	return &Handler{
		Desk:   desk,
		Engine: engine,
		Store:  engine.Store(),
		Logger: logger,
	}
}

// actor resolves the X-User-ID header against the user directory.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (circulation.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+userHeader+" header", nil)
		return circulation.Actor{}, false
	}
	user, err := h.Store.Users().Get(r.Context(), circulation.UserID(id))
	if err != nil {
		if errors.Is(err, circulation.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Unknown user", err)
			return circulation.Actor{}, false
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve user", err)
		return circulation.Actor{}, false
	}
	return user.Actor(), true
}

// =============================================================================
// CATALOGUE HANDLERS
// =============================================================================

// ListItems returns the catalogue ordered by title.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	availableOnly := r.URL.Query().Get("available") == "true"

	res := h.Desk.Browse(r.Context(), actor, availableOnly)
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTOs(res.Value))
}

// GetItem returns one item with its format-specific details.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.ItemDetails(r.Context(), actor, itemParam(r))
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(res.Value))
}

// GetHoldQueue returns an item's queue, head first.
func (h *Handler) GetHoldQueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.HoldQueue(r.Context(), actor, itemParam(r))
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTOs(res.Value))
}

// CreateItem adds an item under the next free id.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	item, err := req.toItem()
	if err != nil {
		writeFailure(w, circulation.KindOf(err), circulation.Describe(err), err)
		return
	}

	res := h.Desk.AddItem(r.Context(), actor, item)
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}

	created, err := h.Engine.Item(r.Context(), res.Value)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]string{"id": string(res.Value)})
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(created))
}

// RemoveItem deletes an item that is neither on loan nor held.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.RemoveItem(r.Context(), actor, itemParam(r))
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CIRCULATION HANDLERS
// =============================================================================

// Checkout lends the item to the calling patron.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.Borrow(r.Context(), actor, itemParam(r))
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(res.Value))
}

// ReturnItem ends the calling patron's loan of the item.
func (h *Handler) ReturnItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	item := itemParam(r)
	res := h.Desk.Return(r.Context(), actor, item)
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "returned", "item_id": string(item)})
}

// PlaceHold queues the calling patron. Repeating the request answers 200
// with the existing position.
func (h *Handler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	item := itemParam(r)
	res := h.Desk.PlaceHold(r.Context(), actor, item)
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	status := http.StatusCreated
	if res.Message != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, HoldPlacedDTO{ItemID: string(item), Position: res.Value, Message: res.Message})
}

// CancelHold removes the calling patron's hold.
func (h *Handler) CancelHold(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.CancelHold(r.Context(), actor, itemParam(r))
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAccount returns the calling patron's loans and holds.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.AccountStatus(r.Context(), actor)
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(res.Value))
}

// =============================================================================
// LIBRARIAN HANDLERS
// =============================================================================

// GetPatronLoans lists a patron's loans by username.
func (h *Handler) GetPatronLoans(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.PatronLoans(r.Context(), actor, chi.URLParam(r, "username"))
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTOs(res.Value))
}

// ReturnForPatron checks an item in on the patron's behalf.
func (h *Handler) ReturnForPatron(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	item := circulation.ItemID(chi.URLParam(r, "itemID"))
	res := h.Desk.ReturnFor(r.Context(), actor, chi.URLParam(r, "username"), item)
	if !res.OK {
		writeFailure(w, res.Kind, res.Message, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "returned", "item_id": string(item)})
}

// =============================================================================
// AUDIT
// =============================================================================

// GetAudit runs the consistency audit now and returns its findings.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	var (
		report AuditReport
		next   time.Time
	)
	if h.Scheduler != nil {
		report = h.Scheduler.RunNow(r.Context())
		if h.Scheduler.Enabled && h.Scheduler.CheckInterval > 0 {
			next = h.Scheduler.GetNextRunTime()
		}
	} else {
		report.RanAt = time.Now().UTC()
		report.Violations, report.Err = circulation.Audit(r.Context(), h.Store)
	}
	if report.Err != nil {
		writeError(w, http.StatusInternalServerError, "Audit failed", report.Err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report, next))
}

// =============================================================================
// HELPERS
// =============================================================================

func itemParam(r *http.Request) circulation.ItemID {
	return circulation.ItemID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFailure renders a desk failure with its kind as the error code.
func writeFailure(w http.ResponseWriter, kind circulation.Kind, message string, err error) {
	resp := ErrorResponse{Error: message, Code: string(kind)}
	if err != nil && err.Error() != message {
		resp.Details = err.Error()
	}
	writeJSON(w, statusFor(kind), resp)
}

func statusFor(kind circulation.Kind) int {
	switch kind {
	case circulation.KindNotFound, circulation.KindNoActiveLoan, circulation.KindNoSuchHold:
		return http.StatusNotFound
	case circulation.KindForbidden:
		return http.StatusForbidden
	case circulation.KindInvalidItem:
		return http.StatusUnprocessableEntity
	case circulation.KindLoanLimitReached, circulation.KindItemUnavailable, circulation.KindItemAvailable,
		circulation.KindDuplicateHold, circulation.KindItemCheckedOut, circulation.KindItemHasHolds:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
