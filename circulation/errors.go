/*
errors.go - Centralized error types for the circulation engine

ERROR CATEGORIES:
  1. Store errors - the record store failed; aborts a reconciliation pass
  2. Reference errors - a student, book, loan or fine is missing
  3. Desk errors - business rule violations on borrow/return/pay

USAGE:
  if errors.Is(err, circulation.ErrStore) {
      // surface "failed to calculate fines", keep serving stale data
  }
*/
package circulation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStore wraps every failure coming back from the record store.
	ErrStore = errors.New("record store failure")

	ErrStudentNotFound = errors.New("student not found")
	ErrBookNotFound    = errors.New("book not found")
	ErrLoanNotFound    = errors.New("loan not found")
	ErrFineNotFound    = errors.New("fine not found")

	// ErrAlreadyReturned is returned when closing a loan twice.
	ErrAlreadyReturned = errors.New("loan already returned")

	// ErrFineAlreadyPaid is returned when paying a paid fine.
	ErrFineAlreadyPaid = errors.New("fine already paid")

	// ErrBorrowLimit is returned when a student already holds maxBooksPerStudent open loans.
	ErrBorrowLimit = errors.New("borrow limit reached")

	// ErrNoCopyAvailable is returned when every copy of a book is on loan.
	ErrNoCopyAvailable = errors.New("no copy available")

	// ErrInvalidPath is returned for record paths that are not collection/id[/field].
	ErrInvalidPath = errors.New("invalid record path")

	ErrInvalidSettings  = errors.New("invalid library settings")
	ErrInvalidCondition = errors.New("invalid return condition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingReferenceError reports a loan whose student or book no longer exists.
// The pass logs it and moves on; the loan keeps its status but gets no fine.
type MissingReferenceError struct {
	LoanID LoanID
	Kind   string // "student" or "book"
	ID     string
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("loan %s references missing %s %s", e.LoanID, e.Kind, e.ID)
}

func (e *MissingReferenceError) Unwrap() error {
	if e.Kind == "book" {
		return ErrBookNotFound
	}
	return ErrStudentNotFound
}

// BorrowLimitError reports how many open loans the student holds.
type BorrowLimitError struct {
	StudentID StudentID
	Open      int
	Max       int
}

func (e *BorrowLimitError) Error() string {
	return fmt.Sprintf("student %s has %d open loans (max %d)", e.StudentID, e.Open, e.Max)
}

func (e *BorrowLimitError) Unwrap() error { return ErrBorrowLimit }

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrBookNotFound) ||
		errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrFineNotFound)
}

// IsConflict returns true if the request clashes with the current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReturned) ||
		errors.Is(err, ErrFineAlreadyPaid) ||
		errors.Is(err, ErrBorrowLimit) ||
		errors.Is(err, ErrNoCopyAvailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, ErrInvalidCondition) ||
		errors.Is(err, ErrInvalidPath)
}
