/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain records keep
  their id out of the stored body, so every response DTO puts it back.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers that can carry a warning next to the data

VALIDATION:
  Request structs carry go-playground/validator tags, checked in
  handlers.go before any domain call.

SEE ALSO:
  - handlers.go: Uses these types
  - circulation/types.go: The records these wrap
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/notify"
)

// =============================================================================
// RECORDS
// =============================================================================

// LoanDTO is a loan with its id.
type LoanDTO struct {
	ID circulation.LoanID `json:"id"`
	circulation.Loan
}

type FineDTO struct {
	ID circulation.FineID `json:"id"`
	circulation.Fine
}

type StudentDTO struct {
	ID circulation.StudentID `json:"id"`
	circulation.Student
}

type BookDTO struct {
	ID circulation.BookID `json:"id"`
	circulation.Book

	// Available is copies minus open loans, never below zero.
	Available int `json:"available"`
}

func toLoanDTOs(loans []circulation.Loan) []LoanDTO {
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = LoanDTO{ID: l.ID, Loan: l}
	}
	return dtos
}

func toFineDTOs(fines []circulation.Fine) []FineDTO {
	dtos := make([]FineDTO, len(fines))
	for i, f := range fines {
		dtos[i] = FineDTO{ID: f.ID, Fine: f}
	}
	return dtos
}

// =============================================================================
// REQUESTS
// =============================================================================

type BorrowRequest struct {
	StudentID circulation.StudentID `json:"studentId" validate:"required"`
	BookID    circulation.BookID    `json:"bookId" validate:"required"`
}

type ReturnRequest struct {
	Condition circulation.Condition `json:"condition" validate:"omitempty,oneof=good bad damaged"`
}

type PayFineRequest struct {
	// ReceiptNumber is generated when empty.
	ReceiptNumber string `json:"receiptNumber"`
}

type SettingsRequest struct {
	BorrowDurationDays int             `json:"borrowDurationDays" validate:"gte=1"`
	FinePerDay         decimal.Decimal `json:"finePerDay"`
	MaxBooksPerStudent int             `json:"maxBooksPerStudent" validate:"gte=1"`
}

type AnnouncementRequest struct {
	Subject string `json:"subject" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// LoansResponse carries loans and, when the pass before the read failed,
// a warning that the data may be stale.
type LoansResponse struct {
	Loans   []LoanDTO `json:"loans"`
	Warning string    `json:"warning,omitempty"`
}

type BorrowingsResponse struct {
	Student StudentDTO `json:"student"`
	Loans   []LoanDTO  `json:"loans"`
	Fines   []FineDTO  `json:"fines"`
	Warning string     `json:"warning,omitempty"`
}

// DashboardDTO holds the front page counters.
type DashboardDTO struct {
	Students         int             `json:"students"`
	Books            int             `json:"books"`
	ActiveLoans      int             `json:"activeLoans"`
	OverdueLoans     int             `json:"overdueLoans"`
	UnpaidFines      int             `json:"unpaidFines"`
	OutstandingFines decimal.Decimal `json:"outstandingFines"`
	CollectedFines   decimal.Decimal `json:"collectedFines"`
	Warning          string          `json:"warning,omitempty"`
}

// ReconcileResponse reports a manual pass and the notices it produced.
type ReconcileResponse struct {
	Run    Run                `json:"run"`
	Result circulation.Result `json:"result"`
	Notify notify.Report      `json:"notify"`
}

// ReturnResponse includes the fine the return settled on, if any.
type ReturnResponse struct {
	Loan LoanDTO  `json:"loan"`
	Fine *FineDTO `json:"fine,omitempty"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RunDTO formats a reconciliation run for listing.
type RunDTO struct {
	ID string `json:"id"`
	Run
}
