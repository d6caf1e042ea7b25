/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Catalogue:
    ItemDTO, CreateItemRequest, HoldDTO

  Circulation:
    LoanDTO, HoldPlacedDTO

  Account:
    AccountDTO, LoanStatusDTO, HoldStatusDTO

  Audit:
    AuditDTO, ViolationDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in the engine, not in DTOs. DTOs are pure data carriers.
  Dates travel as RFC 3339 strings; publication dates as YYYY-MM-DD.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/hinlibs/circulation/circulation"
)

const dateLayout = "2006-01-02"

// =============================================================================
// CATALOGUE
// =============================================================================

// ItemDTO represents a catalogue item in API responses.
type ItemDTO struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Creator         string  `json:"creator"`
	Format          string  `json:"format"`
	Status          string  `json:"status"`
	PublicationYear *int    `json:"publication_year,omitempty"`
	ISBN            *string `json:"isbn,omitempty"`
	Classification  *string `json:"classification,omitempty"`
	Genre           *string `json:"genre,omitempty"`
	Rating          *string `json:"rating,omitempty"`
	IssueNumber     *string `json:"issue_number,omitempty"`
	PublicationDate *string `json:"publication_date,omitempty"`
}

// CreateItemRequest is the body of POST /api/items.
type CreateItemRequest struct {
	Title           string  `json:"title"`
	Creator         string  `json:"creator"`
	Format          string  `json:"format"`
	Status          string  `json:"status,omitempty"`
	PublicationYear *int    `json:"publication_year,omitempty"`
	ISBN            *string `json:"isbn,omitempty"`
	Classification  *string `json:"classification,omitempty"`
	Genre           *string `json:"genre,omitempty"`
	Rating          *string `json:"rating,omitempty"`
	IssueNumber     *string `json:"issue_number,omitempty"`
	PublicationDate *string `json:"publication_date,omitempty"`
}

// HoldDTO is one entry of an item's queue.
type HoldDTO struct {
	ID       string `json:"id"`
	PatronID string `json:"patron_id"`
	ItemID   string `json:"item_id"`
	Position int    `json:"position"`
}

// =============================================================================
// CIRCULATION
// =============================================================================

type LoanDTO struct {
	ID           string `json:"id"`
	PatronID     string `json:"patron_id"`
	ItemID       string `json:"item_id"`
	CheckoutDate string `json:"checkout_date"`
	DueDate      string `json:"due_date"`
}

// HoldPlacedDTO answers POST /api/items/{id}/holds.
type HoldPlacedDTO struct {
	ItemID   string `json:"item_id"`
	Position int    `json:"position"`
	Message  string `json:"message,omitempty"`
}

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountDTO struct {
	PatronID string          `json:"patron_id"`
	AsOf     string          `json:"as_of"`
	Loans    []LoanStatusDTO `json:"loans"`
	Holds    []HoldStatusDTO `json:"holds"`
}

type LoanStatusDTO struct {
	LoanID             string `json:"loan_id"`
	ItemID             string `json:"item_id"`
	Title              string `json:"title"`
	CheckoutDate       string `json:"checkout_date"`
	DueDate            string `json:"due_date"`
	DaysRemaining      int    `json:"days_remaining"`
	DaysRemainingExact string `json:"days_remaining_exact"`
	Overdue            bool   `json:"overdue"`
}

type HoldStatusDTO struct {
	HoldID        string `json:"hold_id"`
	ItemID        string `json:"item_id"`
	Title         string `json:"title"`
	QueuePosition int    `json:"queue_position"`
}

// =============================================================================
// AUDIT & SCENARIOS
// =============================================================================

type AuditDTO struct {
	RanAt      string         `json:"ran_at"`
	Clean      bool           `json:"clean"`
	Violations []ViolationDTO `json:"violations"`
	NextRun    string         `json:"next_run,omitempty"`
}

type ViolationDTO struct {
	ItemID string `json:"item_id"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toItemDTO(item circulation.Item) ItemDTO {
	dto := ItemDTO{
		ID:              string(item.ID),
		Title:           item.Title,
		Creator:         item.Creator,
		Format:          string(item.Format),
		Status:          string(item.Status),
		PublicationYear: item.PublicationYear,
		ISBN:            item.ISBN,
		Classification:  item.Classification,
		Genre:           item.Genre,
		Rating:          item.Rating,
		IssueNumber:     item.IssueNumber,
	}
	if item.PublicationDate != nil {
		d := item.PublicationDate.Format(dateLayout)
		dto.PublicationDate = &d
	}
	return dto
}

func toItemDTOs(items []circulation.Item) []ItemDTO {
	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	return dtos
}

// toItem converts a create request. Unknown format or status strings are
// passed through as-is so the engine rejects them as InvalidItem.
func (req CreateItemRequest) toItem() (circulation.Item, error) {
	item := circulation.Item{
		Title:           req.Title,
		Creator:         req.Creator,
		Format:          circulation.Format(req.Format),
		Status:          circulation.Status(req.Status),
		PublicationYear: req.PublicationYear,
		ISBN:            req.ISBN,
		Classification:  req.Classification,
		Genre:           req.Genre,
		Rating:          req.Rating,
		IssueNumber:     req.IssueNumber,
	}
	if f, err := circulation.ParseFormat(req.Format); err == nil {
		item.Format = f
	}
	if strings.TrimSpace(req.Status) != "" {
		if s, err := circulation.ParseStatus(req.Status); err == nil {
			item.Status = s
		}
	}
	if req.PublicationDate != nil {
		t, err := time.Parse(dateLayout, *req.PublicationDate)
		if err != nil {
			return circulation.Item{}, fmt.Errorf("%w: publication_date must be YYYY-MM-DD", circulation.ErrInvalidItem)
		}
		item.PublicationDate = &t
	}
	return item, nil
}

func toLoanDTO(l circulation.Loan) LoanDTO {
	return LoanDTO{
		ID:           string(l.ID),
		PatronID:     string(l.PatronID),
		ItemID:       string(l.ItemID),
		CheckoutDate: l.CheckoutDate.Format(time.RFC3339),
		DueDate:      l.DueDate.Format(time.RFC3339),
	}
}

func toLoanDTOs(loans []circulation.Loan) []LoanDTO {
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	return dtos
}

func toHoldDTOs(holds []circulation.Hold) []HoldDTO {
	dtos := make([]HoldDTO, len(holds))
	for i, h := range holds {
		dtos[i] = HoldDTO{
			ID:       string(h.ID),
			PatronID: string(h.PatronID),
			ItemID:   string(h.ItemID),
			Position: h.Position,
		}
	}
	return dtos
}

func toAccountDTO(v circulation.AccountStatusView) AccountDTO {
	dto := AccountDTO{
		PatronID: string(v.PatronID),
		AsOf:     v.AsOf.Format(time.RFC3339),
		Loans:    make([]LoanStatusDTO, len(v.Loans)),
		Holds:    make([]HoldStatusDTO, len(v.Holds)),
	}
	for i, l := range v.Loans {
		dto.Loans[i] = LoanStatusDTO{
			LoanID:             string(l.LoanID),
			ItemID:             string(l.ItemID),
			Title:              l.ItemTitle,
			CheckoutDate:       l.CheckoutDate.Format(time.RFC3339),
			DueDate:            l.DueDate.Format(time.RFC3339),
			DaysRemaining:      l.DaysRemaining,
			DaysRemainingExact: l.DaysRemainingExact.StringFixed(2),
			Overdue:            l.Overdue,
		}
	}
	for i, h := range v.Holds {
		dto.Holds[i] = HoldStatusDTO{
			HoldID:        string(h.HoldID),
			ItemID:        string(h.ItemID),
			Title:         h.ItemTitle,
			QueuePosition: h.QueuePosition,
		}
	}
	return dto
}

func toAuditDTO(r AuditReport, next time.Time) AuditDTO {
	dto := AuditDTO{
		RanAt:      r.RanAt.Format(time.RFC3339),
		Clean:      len(r.Violations) == 0,
		Violations: make([]ViolationDTO, len(r.Violations)),
	}
	if !next.IsZero() {
		dto.NextRun = next.Format(time.RFC3339)
	}
	for i, v := range r.Violations {
		dto.Violations[i] = ViolationDTO{ItemID: string(v.ItemID), Rule: v.Rule, Detail: v.Detail}
	}
	return dto
}
