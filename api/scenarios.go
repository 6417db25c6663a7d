/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the record store with
	realistic library data for demos. Each scenario creates students,
	books and loans dated relative to the current time, so the next
	reconciliation pass shows a specific behaviour.

AVAILABLE SCENARIOS:

	overdue-loan:   One open loan three days past due
	returned-late:  A loan returned two and a half days late
	not-yet-due:    An open loan due tomorrow, no fine
	growing-fine:   An unpaid fine that one more day of lateness amends
	busy-term:      Several students and books in every state

HOW SCENARIOS WORK:
 1. Reset the library collections (every record removed)
 2. Save settings
 3. Create students and books
 4. Create loans (and any pre-existing fines)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-term"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: The endpoints that read the data back
  - trigger.go: The pass that turns it into fines
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/library-engine/circulation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s circulation.RecordStore, now time.Time) error
}

var scenarios = []scenario{
	{ScenarioDTO{"overdue-loan", "Overdue Loan", "Open loan three days past due at 5 per day"}, loadOverdueLoan},
	{ScenarioDTO{"returned-late", "Returned Late", "Loan returned two and a half days late; the fine uses the return date"}, loadReturnedLate},
	{ScenarioDTO{"not-yet-due", "Not Yet Due", "Open loan due tomorrow; no fine"}, loadNotYetDue},
	{ScenarioDTO{"growing-fine", "Growing Fine", "Unpaid fine of 15 that one more day of lateness raises to 20"}, loadGrowingFine},
	{ScenarioDTO{"busy-term", "Busy Term", "Several students and books with open, overdue, returned and paid records"}, loadBusyTerm},
}

// libraryCollections are cleared by a reset.
var libraryCollections = []string{
	circulation.CollectionBooks,
	circulation.CollectionStudents,
	circulation.CollectionBorrows,
	circulation.CollectionFines,
	circulation.CollectionFineKeys,
	circulation.CollectionSettings,
	circulation.CollectionNotifications,
	CollectionRuns,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := LoadScenario(r.Context(), h.Store, req.ScenarioID, h.Trigger.Now()); err != nil {
		if _, ok := findScenario(req.ScenarioID); !ok {
			writeError(w, http.StatusNotFound, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": req.ScenarioID})
}

// ResetLibrary removes every library record.
func (h *Handler) ResetLibrary(w http.ResponseWriter, r *http.Request) {
	if err := Reset(r.Context(), h.Store); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset library", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadScenario resets s and seeds scenario id with dates relative to now.
func LoadScenario(ctx context.Context, s circulation.RecordStore, id string, now time.Time) error {
	sc, ok := findScenario(id)
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err := Reset(ctx, s); err != nil {
		return err
	}
	return sc.load(ctx, s, now.UTC())
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// Reset deletes every record of every library collection in one update.
// Stores that can drop everything at once do so.
func Reset(ctx context.Context, s circulation.RecordStore) error {
	if r, ok := s.(interface{ Reset(context.Context) error }); ok {
		return r.Reset(ctx)
	}
	patches := map[string]any{}
	for _, c := range libraryCollections {
		tree, err := s.GetSubtree(ctx, c)
		if err != nil {
			return fmt.Errorf("reset %s: %w", c, err)
		}
		for id := range tree {
			patches[circulation.RecordPath(c, id)] = nil
		}
	}
	if len(patches) == 0 {
		return nil
	}
	return s.Update(ctx, patches)
}

// =============================================================================
// LOADERS
// =============================================================================

const day = 24 * time.Hour

// seedOne writes the reference records most scenarios share.
func seedOne(ctx context.Context, s circulation.RecordStore) error {
	return s.Update(ctx, map[string]any{
		circulation.SettingsPath: circulation.DefaultRules(),
		circulation.RecordPath(circulation.CollectionStudents, "s1"): circulation.Student{
			Name: "Ada Lovelace", Email: "ada@example.com", Course: "BSc Mathematics", StudentNumber: "2024-0001",
		},
		circulation.RecordPath(circulation.CollectionBooks, "b1"): circulation.Book{
			Title: "Dune", Author: "Frank Herbert", AccessionNumber: "ACC-0001", Copies: 2,
		},
	})
}

func loadOverdueLoan(ctx context.Context, s circulation.RecordStore, now time.Time) error {
	if err := seedOne(ctx, s); err != nil {
		return err
	}
	due := now.Add(-3 * day)
	return s.Set(ctx, circulation.RecordPath(circulation.CollectionBorrows, "l1"), circulation.Loan{
		StudentID: "s1", BookID: "b1",
		BorrowDate: due.Add(-14 * day), DueDate: due,
		Status: circulation.StatusBorrowed,
	})
}

func loadReturnedLate(ctx context.Context, s circulation.RecordStore, now time.Time) error {
	if err := seedOne(ctx, s); err != nil {
		return err
	}
	due := now.Add(-3 * day)
	returned := due.Add(60 * time.Hour)
	return s.Set(ctx, circulation.RecordPath(circulation.CollectionBorrows, "l1"), circulation.Loan{
		StudentID: "s1", BookID: "b1",
		BorrowDate: due.Add(-14 * day), DueDate: due, ReturnDate: &returned,
		Returned: true, Status: circulation.StatusReturned, Condition: circulation.ConditionGood,
	})
}

func loadNotYetDue(ctx context.Context, s circulation.RecordStore, now time.Time) error {
	if err := seedOne(ctx, s); err != nil {
		return err
	}
	due := now.Add(day)
	return s.Set(ctx, circulation.RecordPath(circulation.CollectionBorrows, "l1"), circulation.Loan{
		StudentID: "s1", BookID: "b1",
		BorrowDate: due.Add(-14 * day), DueDate: due,
		Status: circulation.StatusBorrowed,
	})
}

// loadGrowingFine leaves a fine computed for three days on a loan that is
// now four days late.
func loadGrowingFine(ctx context.Context, s circulation.RecordStore, now time.Time) error {
	if err := seedOne(ctx, s); err != nil {
		return err
	}
	due := now.Add(-4 * day)
	loan := circulation.Loan{
		StudentID: "s1", BookID: "b1",
		BorrowDate: due.Add(-14 * day), DueDate: due,
		Status: circulation.StatusOverdue,
	}
	key := circulation.KeyOf(loan)
	return s.Update(ctx, map[string]any{
		circulation.RecordPath(circulation.CollectionBorrows, "l1"): loan,
		circulation.RecordPath(circulation.CollectionFines, "f1"): circulation.Fine{
			StudentID: "s1", BookID: "b1", DueDate: key.DueDate,
			StudentName: "Ada Lovelace", Course: "BSc Mathematics", BookTitle: "Dune",
			DaysOverdue: 3, FineAmount: decimal.NewFromInt(15),
		},
		circulation.RecordPath(circulation.CollectionFineKeys, key.Hash()): "f1",
	})
}

func loadBusyTerm(ctx context.Context, s circulation.RecordStore, now time.Time) error {
	rules := circulation.Rules{BorrowDurationDays: 14, FinePerDay: decimal.RequireFromString("2.50"), MaxBooksPerStudent: 3}

	students := map[string]circulation.Student{
		"s1": {Name: "Ada Lovelace", Email: "ada@example.com", Course: "BSc Mathematics", StudentNumber: "2024-0001"},
		"s2": {Name: "Alan Turing", Email: "alan@example.com", Course: "BSc Computer Science", StudentNumber: "2024-0002"},
		"s3": {Name: "Grace Hopper", Course: "MSc Computer Science", StudentNumber: "2024-0003"},
	}
	books := map[string]circulation.Book{
		"b1": {Title: "Dune", Author: "Frank Herbert", AccessionNumber: "ACC-0001", Copies: 2},
		"b2": {Title: "Emma", Author: "Jane Austen", AccessionNumber: "ACC-0002", Copies: 1},
		"b3": {Title: "Neuromancer", Author: "William Gibson", AccessionNumber: "ACC-0003", Copies: 3},
		"b4": {Title: "Middlemarch", Author: "George Eliot", AccessionNumber: "ACC-0004", Copies: 1},
	}

	returnedOnTime := now.Add(-20 * day)
	returnedLate := now.Add(-2 * day)
	paidAt := now.Add(-day)
	paidDue := now.Add(-5 * day)

	loans := map[string]circulation.Loan{
		// open, overdue
		"l1": {StudentID: "s1", BookID: "b1", BorrowDate: now.Add(-20 * day), DueDate: now.Add(-6 * day), Status: circulation.StatusBorrowed},
		"l2": {StudentID: "s3", BookID: "b2", BorrowDate: now.Add(-16 * day), DueDate: now.Add(-2 * day), Status: circulation.StatusBorrowed},
		// open, on time
		"l3": {StudentID: "s2", BookID: "b3", BorrowDate: now.Add(-3 * day), DueDate: now.Add(11 * day), Status: circulation.StatusBorrowed},
		// returned on time
		"l4": {StudentID: "s2", BookID: "b4", BorrowDate: now.Add(-30 * day), DueDate: now.Add(-16 * day),
			ReturnDate: &returnedOnTime, Returned: true, Status: circulation.StatusReturned, Condition: circulation.ConditionGood},
		// returned late, not yet fined; status drifted
		"l5": {StudentID: "s2", BookID: "b1", BorrowDate: now.Add(-19 * day), DueDate: now.Add(-5 * day),
			ReturnDate: &returnedLate, Status: circulation.StatusOverdue, Condition: circulation.ConditionDamaged},
		// returned late, fine already paid
		"l6": {StudentID: "s1", BookID: "b3", BorrowDate: now.Add(-19 * day), DueDate: paidDue,
			ReturnDate: &paidAt, Returned: true, Status: circulation.StatusReturned, Condition: circulation.ConditionGood},
	}

	patches := map[string]any{circulation.SettingsPath: rules}
	for id, st := range students {
		patches[circulation.RecordPath(circulation.CollectionStudents, id)] = st
	}
	for id, b := range books {
		patches[circulation.RecordPath(circulation.CollectionBooks, id)] = b
	}
	for id, l := range loans {
		patches[circulation.RecordPath(circulation.CollectionBorrows, id)] = l
	}

	paidLoan := loans["l6"]
	key := circulation.KeyOf(paidLoan)
	acc := circulation.Accrue(paidLoan, rules.FinePerDay, now)
	patches[circulation.RecordPath(circulation.CollectionFines, "f1")] = circulation.Fine{
		StudentID: "s1", BookID: "b3", DueDate: key.DueDate,
		StudentName: "Ada Lovelace", Course: "BSc Mathematics", BookTitle: "Neuromancer",
		DaysOverdue: acc.DaysOverdue, FineAmount: acc.FineAmount, ReturnDate: &paidAt,
		Paid: true, PaymentDate: &paidAt, ReceiptNumber: circulation.NewReceiptNumber(paidAt),
	}
	patches[circulation.RecordPath(circulation.CollectionFineKeys, key.Hash())] = "f1"

	return s.Update(ctx, patches)
}
