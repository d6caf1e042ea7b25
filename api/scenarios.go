/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a small
	library: users of every role and a catalogue spanning all four formats.

AVAILABLE SCENARIOS:

	default: 5 patrons, 1 librarian, 1 admin, 20 available items (I001-I020)
	busy:    default, then loans for three patrons (one at the loan limit)
	         and a three-deep hold queue on The Hobbit

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Insert users and items in one transaction, with fixed ids
 3. Re-sync the engine's item id sequence
 4. Optionally run circulation operations through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, engine)
 3. Add case to LoadScenario

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Circulation endpoints to try against the loaded data
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hinlibs/circulation/circulation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioDefault = "default"
	ScenarioBusy    = "busy"
)

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioDefault,
		Name:        "Default Library",
		Description: "Five patrons, a librarian, an admin and twenty available items",
	},
	{
		ID:          ScenarioBusy,
		Name:        "Busy Afternoon",
		Description: "Default library with active loans, a patron at the limit and a hold queue",
	},
}

// ErrUnknownScenario is returned for ids not in the scenario list.
var ErrUnknownScenario = errors.New("unknown scenario")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario replaces the store contents with a predefined scenario.
// System administrators only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res := h.Desk.Maintain(r.Context(), actor, func(ctx context.Context) error {
		return h.Seed(ctx, req.ScenarioID)
	})
	if !res.OK {
		switch {
		case res.Kind == circulation.KindForbidden:
			writeFailure(w, res.Kind, res.Message, res.Err)
		case errors.Is(res.Err, ErrUnknownScenario):
			writeError(w, http.StatusBadRequest, "Unknown scenario", res.Err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to load scenario", res.Err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data. System administrators only.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res := h.Desk.Maintain(r.Context(), actor, h.reset)
	if !res.OK {
		if res.Kind == circulation.KindForbidden {
			writeFailure(w, res.Kind, res.Message, res.Err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reset database", res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Seed resets the store and loads scenario id.
func (h *Handler) Seed(ctx context.Context, id string) error {
	var load func(context.Context, *circulation.Engine) error
	switch id {
	case ScenarioDefault:
		load = loadDefaultScenario
	case ScenarioBusy:
		load = loadBusyScenario
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := load(ctx, h.Engine); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", id)
	return nil
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Store.(circulation.Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := resetter.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return h.Engine.SyncIDs(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadDefaultScenario(ctx context.Context, engine *circulation.Engine) error {
	err := engine.Store().WithTx(ctx, func(tx circulation.Store) error {
		for _, u := range seedUsers {
			if err := tx.Users().Insert(ctx, u); err != nil {
				return fmt.Errorf("seed user %s: %w", u.ID, err)
			}
		}
		for _, item := range seedItems() {
			if err := tx.Items().Insert(ctx, item); err != nil {
				return fmt.Errorf("seed item %s: %w", item.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return engine.SyncIDs(ctx)
}

func loadBusyScenario(ctx context.Context, engine *circulation.Engine) error {
	if err := loadDefaultScenario(ctx, engine); err != nil {
		return err
	}

	loans := []struct {
		patron circulation.PatronID
		item   circulation.ItemID
	}{
		{"U001", "I003"}, // nikolai: The Hobbit
		{"U001", "I014"}, // nikolai: Her
		{"U002", "I001"}, // mike: Crime and Punishment
		{"U005", "I017"}, // mohammad reaches the limit
		{"U005", "I018"},
		{"U005", "I019"},
	}
	for _, l := range loans {
		if _, err := engine.Checkout(ctx, l.patron, l.item); err != nil {
			return fmt.Errorf("checkout %s for %s: %w", l.item, l.patron, err)
		}
	}

	holds := []struct {
		patron circulation.PatronID
		item   circulation.ItemID
	}{
		{"U002", "I003"},
		{"U003", "I003"},
		{"U004", "I003"},
		{"U001", "I001"},
	}
	for _, hd := range holds {
		if _, err := engine.PlaceHold(ctx, hd.patron, hd.item); err != nil {
			return fmt.Errorf("hold %s for %s: %w", hd.item, hd.patron, err)
		}
	}
	return nil
}

// =============================================================================
// SEED DATA
// =============================================================================

var seedUsers = []circulation.User{
	{ID: "U001", Username: "nikolai", Role: circulation.RolePatron},
	{ID: "U002", Username: "mike", Role: circulation.RolePatron},
	{ID: "U003", Username: "oyin", Role: circulation.RolePatron},
	{ID: "U004", Username: "abdulrahman", Role: circulation.RolePatron},
	{ID: "U005", Username: "mohammad", Role: circulation.RolePatron},
	{ID: "U006", Username: "lib", Role: circulation.RoleLibrarian},
	{ID: "U007", Username: "admin", Role: circulation.RoleSysAdmin},
}

func seedItems() []circulation.Item {
	fiction := func(id, title, author string, year int, genre string) circulation.Item {
		return seedItem(id, title, author, circulation.FormatBook, year, func(i *circulation.Item) { i.Genre = strPtr(genre) })
	}
	nonFiction := func(id, title, author string, year int, dewey string) circulation.Item {
		return seedItem(id, title, author, circulation.FormatBook, year, func(i *circulation.Item) { i.Classification = strPtr(dewey) })
	}
	magazine := func(id, title, publisher string, year int, issue string, published time.Time) circulation.Item {
		return seedItem(id, title, publisher, circulation.FormatMagazine, year, func(i *circulation.Item) {
			i.IssueNumber = strPtr(issue)
			i.PublicationDate = &published
		})
	}
	rated := func(format circulation.Format) func(id, title, creator string, year int, genre, rating string) circulation.Item {
		return func(id, title, creator string, year int, genre, rating string) circulation.Item {
			return seedItem(id, title, creator, format, year, func(i *circulation.Item) {
				i.Genre = strPtr(genre)
				i.Rating = strPtr(rating)
			})
		}
	}
	movie, game := rated(circulation.FormatMovie), rated(circulation.FormatVideoGame)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	return []circulation.Item{
		fiction("I001", "Crime and Punishment", "Fyodor Dostoevsky", 1866, "Classic"),
		fiction("I002", "White Nights", "Fyodor Dostoevsky", 1848, "Classic"),
		fiction("I003", "The Hobbit", "J. R. R. Tolkien", 1937, "Fantasy"),
		fiction("I004", "Pride and Prejudice", "Jane Austen", 1813, "Romance"),
		fiction("I005", "To Kill a Mockingbird", "Harper Lee", 1960, "Classic"),
		nonFiction("I006", "Sapiens", "Yuval Noah Harari", 2011, "001.94"),
		nonFiction("I007", "A Brief History of Time", "Stephen Hawking", 1988, "523.10"),
		nonFiction("I008", "The Selfish Gene", "Richard Dawkins", 1976, "576.50"),
		nonFiction("I009", "Guns, Germs, and Steel", "Jared Diamond", 1997, "303.48"),
		nonFiction("I010", "Thinking, Fast and Slow", "Daniel Kahneman", 2011, "153.42"),
		magazine("I011", "The worm Runner's Digest", "Dr. James V. McConnell", 1967, "1967-01", day(1967, time.January, 15)),
		magazine("I012", "Weekly World News", "Spy Cat LLC", 2025, "2025-02-07", day(2025, time.February, 7)),
		magazine("I013", "Meatpaper", "Amy Standen & Sasha Wizansky", 2025, "2025-03", day(2025, time.March, 1)),
		movie("I014", "Her", "Spike Jonze", 2013, "Drama/Romance", "R"),
		movie("I015", "Dogville", "Lars von Trier", 2003, "Drama", "R"),
		movie("I016", "Arrival", "Denis Villeneuve", 2016, "Sci-Fi", "PG-13"),
		game("I017", "Detroit: Become Human", "Quantic Dream", 2018, "Adventure", "M"),
		game("I018", "Angry Birds", "Rovio", 2009, "Puzzle", "E"),
		game("I019", "Plants vs. Zombies", "PopCap Games", 2009, "Tower Defense", "E10+"),
		game("I020", "Head Soccer", "D&D Dream Corp", 2017, "Sports", "E10+"),
	}
}

func seedItem(id, title, creator string, format circulation.Format, year int, extra func(*circulation.Item)) circulation.Item {
	item := circulation.Item{
		ID:              circulation.ItemID(id),
		Title:           title,
		Creator:         creator,
		Format:          format,
		Status:          circulation.StatusAvailable,
		PublicationYear: &year,
	}
	extra(&item)
	return item
}

func strPtr(s string) *string {
	return &s
}
