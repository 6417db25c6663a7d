/*
Package circulation provides the library circulation engine.

PURPOSE:
  Loans, fines and the rules that connect them. The engine decides whether a
  loan is borrowed, overdue or returned, how many days it is late, what that
  costs, and keeps the fines collection consistent with the loans collection.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan: one copy of a book borrowed by one student for a bounded period
  - Fine: the penalty attached to one overdue loan
  - NaturalKey: (studentId, bookId, dueDate), identifies which loan a fine is for
  - Rules: library settings (borrow duration, fine per day, max books)

DESIGN PRINCIPLES:
  1. Derived, not stored: a loan's status is recomputed from its facts on every
     pass. The stored status field is a cache that gets repaired.
  2. Precision: money uses decimal.Decimal, never float64.
  3. Type Safety: IDs are distinct string types.

SEE ALSO:
  - classifier.go: Loan status classification
  - accrual.go: Days overdue and fine amount
  - reconcile.go: The reconciliation pass
  - store.go: Record store interface
*/
package circulation

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type FineID string
type StudentID string
type BookID string

// =============================================================================
// LOAN
// =============================================================================

type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusOverdue  Status = "overdue"
	StatusReturned Status = "returned"
)

type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionBad     Condition = "bad"
	ConditionDamaged Condition = "damaged"
)

// Valid reports whether c is one of the known return conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionGood, ConditionBad, ConditionDamaged:
		return true
	}
	return false
}

// Loan is a record under borrows/{id}.
//
// Returned and Status are cached projections of ReturnDate and DueDate.
// They are persisted for query convenience and repaired by the
// reconciliation pass whenever they drift from Classify.
type Loan struct {
	ID          LoanID     `json:"-"`
	BookID      BookID     `json:"bookId"`
	StudentID   StudentID  `json:"studentId"`
	BorrowDate  time.Time  `json:"borrowDate"`
	DueDate     time.Time  `json:"dueDate"`
	ReturnDate  *time.Time `json:"returnDate,omitempty"`
	Returned    bool       `json:"returned"`
	Status      Status     `json:"status"`
	DaysOverdue *int       `json:"daysOverdue,omitempty"`
	Condition   Condition  `json:"condition,omitempty"`
}

// IsClosed reports whether the loan has been returned by either of its
// two redundant markers.
func (l Loan) IsClosed() bool {
	return l.Returned || l.ReturnDate != nil
}

// ReturnedLate reports whether the loan was closed after its due date.
func (l Loan) ReturnedLate() bool {
	return l.ReturnDate != nil && l.ReturnDate.After(l.DueDate)
}

// =============================================================================
// FINE
// =============================================================================

// Fine is a record under fines/{id}. StudentName, Course and BookTitle are
// snapshots taken at creation time and are not kept in sync.
type Fine struct {
	ID            FineID          `json:"-"`
	StudentID     StudentID       `json:"studentId"`
	BookID        BookID          `json:"bookId"`
	DueDate       time.Time       `json:"dueDate"`
	StudentName   string          `json:"studentName"`
	Course        string          `json:"course"`
	BookTitle     string          `json:"bookTitle"`
	DaysOverdue   int             `json:"daysOverdue"`
	FineAmount    decimal.Decimal `json:"fineAmount"`
	ReturnDate    *time.Time      `json:"returnDate,omitempty"`
	Paid          bool            `json:"paid"`
	PaymentDate   *time.Time      `json:"paymentDate,omitempty"`
	ReceiptNumber string          `json:"receiptNumber,omitempty"`
}

// Key returns the natural key of the loan this fine belongs to.
func (f Fine) Key() NaturalKey {
	return NaturalKey{StudentID: f.StudentID, BookID: f.BookID, DueDate: f.DueDate.UTC()}
}

// NaturalKey identifies "the fine for this specific loan".
type NaturalKey struct {
	StudentID StudentID
	BookID    BookID
	DueDate   time.Time
}

// KeyOf returns the natural key a fine for loan l must carry.
func KeyOf(l Loan) NaturalKey {
	return NaturalKey{StudentID: l.StudentID, BookID: l.BookID, DueDate: l.DueDate.UTC()}
}

// Hash returns a store-safe digest of the key, used as the id under fineKeys/.
func (k NaturalKey) Hash() string {
	sum := sha256.Sum256([]byte(string(k.StudentID) + "\x1f" + string(k.BookID) + "\x1f" +
		k.DueDate.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:16])
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type Student struct {
	ID            StudentID `json:"-"`
	Name          string    `json:"name" validate:"required"`
	Email         string    `json:"email" validate:"omitempty,email"`
	Course        string    `json:"course"`
	StudentNumber string    `json:"studentNumber"`
}

type Book struct {
	ID              BookID `json:"-"`
	Title           string `json:"title" validate:"required"`
	Author          string `json:"author"`
	AccessionNumber string `json:"accessionNumber"`
	ISBN            string `json:"isbn,omitempty"`
	Copies          int    `json:"copies" validate:"gte=0"`
}

// =============================================================================
// RULES - librarySettings singleton
// =============================================================================

const (
	DefaultBorrowDurationDays = 14
	DefaultMaxBooksPerStudent = 3
)

// DefaultFinePerDay applies when librarySettings is absent.
var DefaultFinePerDay = decimal.NewFromInt(5)

// Rules is a read-only value injected into a reconciliation pass.
type Rules struct {
	BorrowDurationDays int             `json:"borrowDurationDays" validate:"gte=1"`
	FinePerDay         decimal.Decimal `json:"finePerDay"`
	MaxBooksPerStudent int             `json:"maxBooksPerStudent" validate:"gte=1"`
}

func DefaultRules() Rules {
	return Rules{
		BorrowDurationDays: DefaultBorrowDurationDays,
		FinePerDay:         DefaultFinePerDay,
		MaxBooksPerStudent: DefaultMaxBooksPerStudent,
	}
}

// withDefaults fills zero fields left by a partial settings record.
// FinePerDay of exactly zero is a legal setting only when the record says so,
// so the caller passes whether the field was present.
func (r Rules) withDefaults(finePerDaySet bool) Rules {
	if r.BorrowDurationDays < 1 {
		r.BorrowDurationDays = DefaultBorrowDurationDays
	}
	if r.MaxBooksPerStudent < 1 {
		r.MaxBooksPerStudent = DefaultMaxBooksPerStudent
	}
	if !finePerDaySet || r.FinePerDay.IsNegative() {
		r.FinePerDay = DefaultFinePerDay
	}
	return r
}
