/*
dto.go - Wire types of the mail relay

PURPOSE:
  Request and response bodies of the relay endpoints. The relay server
  decodes them, and notify.RelayChannel encodes them, so both ends share
  one definition.

NAMING CONVENTION:
  - *Request: Request body types from callers
  - Response, BulkResponse: what every endpoint answers

VALIDATION:
  Struct tags are checked with go-playground/validator in the handlers.

SEE ALSO:
  - handlers.go: Uses these types
  - notify/relay.go: The client side
*/
package relay

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENDPOINT PATHS
// =============================================================================

const (
	PathOverdue      = "/api/send-overdue-notification"
	PathBulkOverdue  = "/api/send-bulk-overdue-notifications"
	PathBorrow       = "/api/send-borrow-confirmation"
	PathReturn       = "/api/send-return-confirmation"
	PathRegistration = "/api/send-registration-confirmation"
	PathAnnouncement = "/api/send-announcement"
	PathHealth       = "/api/health"
)

// =============================================================================
// REQUESTS
// =============================================================================

// OverdueBook is one line of an overdue notice.
type OverdueBook struct {
	Title           string          `json:"title" validate:"required"`
	Author          string          `json:"author"`
	AccessionNumber string          `json:"accessionNumber"`
	DueDate         time.Time       `json:"dueDate"`
	DaysOverdue     int             `json:"daysOverdue" validate:"gte=0"`
	Fine            decimal.Decimal `json:"fine"`
}

// OverdueNotificationRequest lists a student's overdue books and the total.
type OverdueNotificationRequest struct {
	StudentEmail string          `json:"studentEmail" validate:"required,email"`
	StudentName  string          `json:"studentName" validate:"required"`
	Books        []OverdueBook   `json:"books" validate:"required,min=1,dive"`
	TotalFine    decimal.Decimal `json:"totalFine"`
}

// BulkOverdueRequest carries one notice per student.
type BulkOverdueRequest struct {
	OverdueRecords []OverdueNotificationRequest `json:"overdueRecords" validate:"required,min=1"`
}

type BorrowConfirmationRequest struct {
	StudentEmail    string    `json:"studentEmail" validate:"required,email"`
	StudentName     string    `json:"studentName" validate:"required"`
	BookTitle       string    `json:"bookTitle" validate:"required"`
	BookAuthor      string    `json:"bookAuthor"`
	AccessionNumber string    `json:"accessionNumber"`
	BorrowDate      time.Time `json:"borrowDate"`
	DueDate         time.Time `json:"dueDate"`
}

type ReturnConfirmationRequest struct {
	StudentEmail string          `json:"studentEmail" validate:"required,email"`
	StudentName  string          `json:"studentName" validate:"required"`
	BookTitle    string          `json:"bookTitle" validate:"required"`
	ReturnDate   time.Time       `json:"returnDate"`
	Condition    string          `json:"condition"`
	DaysOverdue  int             `json:"daysOverdue" validate:"gte=0"`
	Fine         decimal.Decimal `json:"fine"`
}

type RegistrationConfirmationRequest struct {
	StudentEmail  string `json:"studentEmail" validate:"required,email"`
	StudentName   string `json:"studentName" validate:"required"`
	StudentNumber string `json:"studentNumber"`
	Course        string `json:"course"`
}

// Recipient is one addressee of an announcement.
type Recipient struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
}

type AnnouncementRequest struct {
	Recipients []Recipient `json:"recipients" validate:"required,min=1,dive"`
	Subject    string      `json:"subject" validate:"required"`
	Message    string      `json:"message" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// Response is what every single-message endpoint returns.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BulkResult reports one student of a bulk send.
type BulkResult struct {
	StudentEmail string `json:"studentEmail"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
}

type BulkResponse struct {
	Success bool         `json:"success"`
	Results []BulkResult `json:"results"`
}
