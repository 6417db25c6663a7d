/*
handlers.go - HTTP API handlers for the library circulation engine

PURPOSE:
  Exposes the circulation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the desk, the
  reconciler and the notification emitter.

ENDPOINTS:
  Dashboard:
    GET    /api/dashboard                    Counters (reconciles first)

  Loans:
    GET    /api/loans                        List loans (reconciles first)
    POST   /api/loans                        Borrow a book
    POST   /api/loans/{id}/return            Return a book

  Fines:
    GET    /api/fines                        List fines (?student_id=&paid=)
    POST   /api/fines/{id}/pay               Record a payment

  Students / Books:
    GET    /api/students                     List students
    POST   /api/students                     Register a student
    GET    /api/students/{id}/borrowings     Loans and fines (reconciles first)
    POST   /api/students/{id}/notify         Send an overdue summary
    GET    /api/books                        List books with availability
    POST   /api/books                        Add a book

  Settings:
    GET    /api/settings                     Library rules
    PUT    /api/settings                     Replace library rules

  Reconciliation:
    POST   /api/reconciliation/run           Forced pass
    GET    /api/reconciliation/runs          Run history (?status=)

  Notifications:
    GET    /api/notifications                In-app log
    POST   /api/notifications/overdue        Bulk overdue notices
    POST   /api/announcements                Announcement to every student

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store / Records: Record store access
  - Desk: Borrow, return, pay
  - Trigger: Reconciliation, opportunistic and forced
  - Emitter: Notices (nil disables them)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: Conflict (already returned, already paid, limit, no copy)
  - 500: Internal errors
  A failed opportunistic pass is not an error: the response carries
  warning "failed to calculate fines" next to the data.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - trigger.go: Opportunistic reconciliation
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   circulation.RecordStore
	Records *circulation.Records
	Desk    *circulation.Desk
	Trigger *Trigger
	Emitter *notify.Emitter
	Hub     *notify.Hub
	Logger  *slog.Logger

	validate *validator.Validate
}

// NewHandler wires a handler over store. emitter and hub may be nil.
func NewHandler(store circulation.RecordStore, emitter *notify.Emitter, hub *notify.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rec := circulation.NewReconciler(store, logger)
	return &Handler{
		Store:    store,
		Records:  circulation.NewRecords(store),
		Desk:     circulation.NewDesk(store, logger),
		Trigger:  NewTrigger(store, rec, emitter, logger),
		Emitter:  emitter,
		Hub:      hub,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// DASHBOARD
// =============================================================================

// Dashboard returns the front page counters.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	warning := h.Trigger.Maybe(ctx)

	students, err := h.Records.Students(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list students", err)
		return
	}
	books, err := h.Records.Books(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list books", err)
		return
	}
	loans, err := h.Records.Loans(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}
	fines, err := h.Records.Fines(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list fines", err)
		return
	}

	now := h.Trigger.Now()
	dto := DashboardDTO{
		Students:         len(students),
		Books:            len(books),
		OutstandingFines: decimal.Zero,
		CollectedFines:   decimal.Zero,
		Warning:          warning,
	}
	for _, l := range loans {
		if l.IsClosed() {
			continue
		}
		dto.ActiveLoans++
		if circulation.Classify(l, now) == circulation.StatusOverdue {
			dto.OverdueLoans++
		}
	}
	for _, f := range fines {
		if f.Paid {
			dto.CollectedFines = dto.CollectedFines.Add(f.FineAmount)
			continue
		}
		dto.UnpaidFines++
		dto.OutstandingFines = dto.OutstandingFines.Add(f.FineAmount)
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns loans, optionally filtered by ?status= and ?student_id=.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	warning := h.Trigger.Maybe(ctx)

	loans, err := h.Records.Loans(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}

	status := circulation.Status(r.URL.Query().Get("status"))
	student := circulation.StudentID(r.URL.Query().Get("student_id"))
	filtered := loans[:0]
	for _, l := range loans {
		if status != "" && l.Status != status {
			continue
		}
		if student != "" && l.StudentID != student {
			continue
		}
		filtered = append(filtered, l)
	}

	writeJSON(w, http.StatusOK, LoansResponse{Loans: toLoanDTOs(filtered), Warning: warning})
}

// Borrow opens a loan and sends the borrow receipt.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if !h.decode(w, r, &req) {
		return
	}

	loan, err := h.Desk.Borrow(r.Context(), req.StudentID, req.BookID)
	if err != nil {
		writeDomainError(w, "Failed to borrow book", err)
		return
	}
	if h.Emitter != nil {
		h.Emitter.Borrowed(r.Context(), loan)
	}

	writeJSON(w, http.StatusCreated, LoanDTO{ID: loan.ID, Loan: loan})
}

// ReturnLoan closes a loan, reconciles so its fine is final, and sends the
// return receipt.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := circulation.LoanID(chi.URLParam(r, "id"))

	var req ReturnRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	loan, err := h.Desk.Return(ctx, id, req.Condition)
	if err != nil {
		writeDomainError(w, "Failed to return book", err)
		return
	}

	resp := ReturnResponse{Loan: LoanDTO{ID: loan.ID, Loan: loan}}
	if loan.ReturnedLate() {
		if _, _, _, err := h.Trigger.Run(ctx, "return"); err != nil {
			h.Logger.Warn("fine not settled after return", "loan_id", loan.ID, "error", err)
		} else if fine, ok := h.fineFor(r, loan); ok {
			resp.Fine = &fine
		}
	}
	if h.Emitter != nil {
		h.Emitter.Returned(ctx, loan)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) fineFor(r *http.Request, loan circulation.Loan) (FineDTO, bool) {
	fines, err := h.Records.Fines(r.Context())
	if err != nil {
		return FineDTO{}, false
	}
	key := circulation.KeyOf(loan).Hash()
	for _, f := range fines {
		if f.Key().Hash() == key {
			return FineDTO{ID: f.ID, Fine: f}, true
		}
	}
	return FineDTO{}, false
}

// =============================================================================
// FINE HANDLERS
// =============================================================================

// ListFines returns fines, optionally filtered by ?student_id= and ?paid=.
func (h *Handler) ListFines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var paid *bool
	if v := q.Get("paid"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid filter (use true or false)", err)
			return
		}
		paid = &b
	}

	fines, err := h.Records.Fines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list fines", err)
		return
	}

	student := circulation.StudentID(q.Get("student_id"))
	filtered := fines[:0]
	for _, f := range fines {
		if student != "" && f.StudentID != student {
			continue
		}
		if paid != nil && f.Paid != *paid {
			continue
		}
		filtered = append(filtered, f)
	}

	writeJSON(w, http.StatusOK, toFineDTOs(filtered))
}

// PayFine records a payment.
func (h *Handler) PayFine(w http.ResponseWriter, r *http.Request) {
	id := circulation.FineID(chi.URLParam(r, "id"))

	var req PayFineRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	fine, err := h.Desk.PayFine(r.Context(), id, req.ReceiptNumber)
	if err != nil {
		writeDomainError(w, "Failed to pay fine", err)
		return
	}
	writeJSON(w, http.StatusOK, FineDTO{ID: fine.ID, Fine: fine})
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Records.Students(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list students", err)
		return
	}
	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = StudentDTO{ID: s.ID, Student: s}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStudent registers a student and sends the welcome notice.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req circulation.Student
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Records.AddStudent(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create student", err)
		return
	}
	if h.Emitter != nil {
		h.Emitter.Registered(r.Context(), s)
	}
	writeJSON(w, http.StatusCreated, StudentDTO{ID: s.ID, Student: s})
}

// GetBorrowings returns a student's loans and fines.
func (h *Handler) GetBorrowings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := circulation.StudentID(chi.URLParam(r, "id"))

	s, err := h.Records.Student(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get student", err)
		return
	}
	warning := h.Trigger.Maybe(ctx)

	loans, err := h.Records.Loans(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}
	fines, err := h.Records.Fines(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list fines", err)
		return
	}

	resp := BorrowingsResponse{
		Student: StudentDTO{ID: s.ID, Student: s},
		Loans:   []LoanDTO{},
		Fines:   []FineDTO{},
		Warning: warning,
	}
	for _, l := range loans {
		if l.StudentID == id {
			resp.Loans = append(resp.Loans, LoanDTO{ID: l.ID, Loan: l})
		}
	}
	for _, f := range fines {
		if f.StudentID == id {
			resp.Fines = append(resp.Fines, FineDTO{ID: f.ID, Fine: f})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// NotifyStudent sends a summary of the student's unpaid fines.
func (h *Handler) NotifyStudent(w http.ResponseWriter, r *http.Request) {
	if h.Emitter == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications are not configured", nil)
		return
	}
	id := circulation.StudentID(chi.URLParam(r, "id"))

	rep, err := h.Emitter.StudentSummary(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to notify student", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// BOOK HANDLERS
// =============================================================================

// ListBooks returns books with the number of copies not on loan.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	books, err := h.Records.Books(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list books", err)
		return
	}
	loans, err := h.Records.Loans(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}

	onLoan := make(map[circulation.BookID]int)
	for _, l := range loans {
		if !l.IsClosed() {
			onLoan[l.BookID]++
		}
	}

	dtos := make([]BookDTO, len(books))
	for i, b := range books {
		dtos[i] = BookDTO{ID: b.ID, Book: b, Available: max(b.Copies-onLoan[b.ID], 0)}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req circulation.Book
	if !h.decode(w, r, &req) {
		return
	}
	if req.Copies == 0 {
		req.Copies = 1
	}

	b, err := h.Records.AddBook(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create book", err)
		return
	}
	writeJSON(w, http.StatusCreated, BookDTO{ID: b.ID, Book: b, Available: b.Copies})
}

// =============================================================================
// SETTINGS
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Records.Rules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// UpdateSettings replaces the library rules. The next pass applies the new
// fine rate to every unpaid fine.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FinePerDay.IsNegative() {
		writeError(w, http.StatusBadRequest, "Invalid settings",
			fmt.Errorf("%w: finePerDay must not be negative", circulation.ErrInvalidSettings))
		return
	}

	rules := circulation.Rules{
		BorrowDurationDays: req.BorrowDurationDays,
		FinePerDay:         req.FinePerDay,
		MaxBooksPerStudent: req.MaxBooksPerStudent,
	}
	if err := h.Records.SaveRules(r.Context(), rules); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RunReconciliation forces a pass.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	run, res, rep, err := h.Trigger.Run(r.Context(), "manual")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to calculate fines", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Run: run, Result: res, Notify: rep})
}

// ListReconciliationRuns returns reconciliation run history.
// GET /api/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := Runs(r.Context(), h.Store, r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// ListNotifications returns the in-app log, newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	tree, err := h.Store.GetSubtree(r.Context(), circulation.CollectionNotifications)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notifications", err)
		return
	}

	list := make([]notify.Notification, 0, len(tree))
	for id, raw := range tree {
		var n notify.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			h.Logger.Warn("skipping unreadable notification", "id", id, "error", err)
			continue
		}
		n.ID = id
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })

	writeJSON(w, http.StatusOK, list)
}

// SendOverdueNotices sends every student with unpaid fines a notice.
func (h *Handler) SendOverdueNotices(w http.ResponseWriter, r *http.Request) {
	if h.Emitter == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications are not configured", nil)
		return
	}
	rep, err := h.Emitter.BulkOverdue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to send overdue notices", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Announce sends an announcement to every student with an email address.
func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	if h.Emitter == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications are not configured", nil)
		return
	}
	var req AnnouncementRequest
	if !h.decode(w, r, &req) {
		return
	}

	rep, err := h.Emitter.Announce(r.Context(), req.Subject, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to send announcement", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
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

// writeDomainError maps engine errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case circulation.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case circulation.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case circulation.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
