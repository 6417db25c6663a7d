/*
handlers.go - Mail relay HTTP handlers

PURPOSE:
  Accepts notice payloads from the library app, renders them to HTML and
  hands them to a Mailer. Every endpoint answers {success, message}; the
  bulk endpoint adds one result per student.

ENDPOINTS:
  POST /api/send-overdue-notification
  POST /api/send-bulk-overdue-notifications
  POST /api/send-borrow-confirmation
  POST /api/send-return-confirmation
  POST /api/send-registration-confirmation
  POST /api/send-announcement
  GET  /api/health

ERROR HANDLING:
  - 400: Malformed JSON or a payload that fails validation
  - 500: The mailer failed; nothing is retried
*/
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Handler holds the relay's dependencies.
type Handler struct {
	Mailer   Mailer
	Logger   *slog.Logger
	validate *validator.Validate
}

func NewHandler(m Mailer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Mailer: m, Logger: logger, validate: validator.New()}
}

// =============================================================================
// SINGLE-MESSAGE ENDPOINTS
// =============================================================================

func (h *Handler) SendOverdue(w http.ResponseWriter, r *http.Request) {
	var req OverdueNotificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.deliver(w, r, "overdue", Email{To: req.StudentEmail, ToName: req.StudentName, Subject: "Overdue library books"}, req)
}

func (h *Handler) SendBorrowConfirmation(w http.ResponseWriter, r *http.Request) {
	var req BorrowConfirmationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.deliver(w, r, "borrow", Email{To: req.StudentEmail, ToName: req.StudentName, Subject: "Book borrowed: " + req.BookTitle}, req)
}

func (h *Handler) SendReturnConfirmation(w http.ResponseWriter, r *http.Request) {
	var req ReturnConfirmationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.deliver(w, r, "return", Email{To: req.StudentEmail, ToName: req.StudentName, Subject: "Book returned: " + req.BookTitle}, req)
}

func (h *Handler) SendRegistrationConfirmation(w http.ResponseWriter, r *http.Request) {
	var req RegistrationConfirmationRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.deliver(w, r, "registration", Email{To: req.StudentEmail, ToName: req.StudentName, Subject: "Welcome to the library"}, req)
}

// SendAnnouncement mails every recipient; one failure does not stop the rest.
func (h *Handler) SendAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if !h.decode(w, r, &req) {
		return
	}

	sent := 0
	for _, rc := range req.Recipients {
		data := struct {
			Name, Subject, Message string
		}{rc.Name, req.Subject, req.Message}
		if err := h.send(r, "announcement", Email{To: rc.Email, ToName: rc.Name, Subject: req.Subject}, data); err == nil {
			sent++
		}
	}

	resp := Response{
		Success: sent == len(req.Recipients),
		Message: fmt.Sprintf("announcement sent to %d of %d recipients", sent, len(req.Recipients)),
	}
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// BULK
// =============================================================================

// SendBulkOverdue validates and sends each record independently.
func (h *Handler) SendBulkOverdue(w http.ResponseWriter, r *http.Request) {
	var req BulkOverdueRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp := BulkResponse{Success: true, Results: make([]BulkResult, 0, len(req.OverdueRecords))}
	for _, rec := range req.OverdueRecords {
		result := BulkResult{StudentEmail: rec.StudentEmail, Success: true, Message: "sent"}
		if err := h.validate.Struct(rec); err != nil {
			result.Success, result.Message = false, "invalid record: "+err.Error()
			emailsSent.WithLabelValues("overdue", "invalid").Inc()
		} else if err := h.send(r, "overdue", Email{To: rec.StudentEmail, ToName: rec.StudentName, Subject: "Overdue library books"}, rec); err != nil {
			result.Success, result.Message = false, err.Error()
		}
		if !result.Success {
			resp.Success = false
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health reports that the relay is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid request body: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "validation failed: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, kind string, e Email, data any) {
	if err := h.send(r, kind, e, data); err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "email sent to " + e.To})
}

func (h *Handler) send(r *http.Request, kind string, e Email, data any) error {
	html, err := render(kind, data)
	if err != nil {
		h.Logger.Error("failed to render email", "kind", kind, "error", err)
		emailsSent.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("render %s email: %w", kind, err)
	}
	e.HTML = html

	if err := h.Mailer.Send(r.Context(), e); err != nil {
		h.Logger.Warn("failed to send email", "kind", kind, "to", e.To, "error", err)
		emailsSent.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("failed to send email: %w", err)
	}
	h.Logger.Info("email sent", "kind", kind, "to", e.To)
	emailsSent.WithLabelValues(kind, "ok").Inc()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
