package circulation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Desk records borrows, returns and fine payments.
//
// Copy availability is checked against the loans collection at call time
// and is not serialized: two desks lending the last copy at the same moment
// can both succeed.
type Desk struct {
	Records *Records
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewDesk(store RecordStore, logger *slog.Logger) *Desk {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desk{Records: NewRecords(store), Logger: logger, Now: time.Now}
}

// Borrow opens a loan due borrowDurationDays from now.
func (d *Desk) Borrow(ctx context.Context, studentID StudentID, bookID BookID) (Loan, error) {
	if _, err := d.Records.Student(ctx, studentID); err != nil {
		return Loan{}, err
	}
	book, err := d.Records.Book(ctx, bookID)
	if err != nil {
		return Loan{}, err
	}
	rules, err := d.Records.Rules(ctx)
	if err != nil {
		return Loan{}, err
	}
	loans, err := d.Records.Loans(ctx)
	if err != nil {
		return Loan{}, err
	}

	studentOpen, bookOpen := 0, 0
	for _, l := range loans {
		if l.IsClosed() {
			continue
		}
		if l.StudentID == studentID {
			studentOpen++
		}
		if l.BookID == bookID {
			bookOpen++
		}
	}
	if studentOpen >= rules.MaxBooksPerStudent {
		return Loan{}, &BorrowLimitError{StudentID: studentID, Open: studentOpen, Max: rules.MaxBooksPerStudent}
	}
	if book.Copies > 0 && bookOpen >= book.Copies {
		return Loan{}, fmt.Errorf("%w: %s", ErrNoCopyAvailable, book.Title)
	}

	now := d.now()
	loan := Loan{
		BookID:     bookID,
		StudentID:  studentID,
		BorrowDate: now,
		DueDate:    now.AddDate(0, 0, rules.BorrowDurationDays),
		Returned:   false,
		Status:     StatusBorrowed,
	}
	id, err := d.Records.Store.Push(ctx, CollectionBorrows, loan)
	if err != nil {
		return Loan{}, storeErr("record borrow", err)
	}
	loan.ID = LoanID(id)
	d.Logger.Info("loan opened", "loan_id", loan.ID, "student_id", studentID, "book_id", bookID, "due", loan.DueDate)
	return loan, nil
}

// Return closes a loan. A loan transitions to returned exactly once.
func (d *Desk) Return(ctx context.Context, loanID LoanID, condition Condition) (Loan, error) {
	if condition == "" {
		condition = ConditionGood
	}
	if !condition.Valid() {
		return Loan{}, fmt.Errorf("%w: %q", ErrInvalidCondition, condition)
	}
	loan, err := d.Records.Loan(ctx, loanID)
	if err != nil {
		return Loan{}, err
	}
	if loan.IsClosed() {
		return Loan{}, fmt.Errorf("%w: %s", ErrAlreadyReturned, loanID)
	}

	now := d.now()
	loan.ReturnDate = &now
	loan.Returned = true
	loan.Status = StatusReturned
	loan.Condition = condition

	id := string(loanID)
	err = d.Records.Store.Update(ctx, map[string]any{
		FieldPath(CollectionBorrows, id, "returnDate"): now,
		FieldPath(CollectionBorrows, id, "returned"):   true,
		FieldPath(CollectionBorrows, id, "status"):     StatusReturned,
		FieldPath(CollectionBorrows, id, "condition"):  condition,
	})
	if err != nil {
		return Loan{}, storeErr("record return", err)
	}
	d.Logger.Info("loan returned", "loan_id", loanID, "late", loan.ReturnedLate(), "condition", condition)
	return loan, nil
}

// PayFine marks a fine paid. An empty receipt number is generated.
func (d *Desk) PayFine(ctx context.Context, fineID FineID, receipt string) (Fine, error) {
	fine, err := d.Records.Fine(ctx, fineID)
	if err != nil {
		return Fine{}, err
	}
	if fine.Paid {
		return Fine{}, fmt.Errorf("%w: %s", ErrFineAlreadyPaid, fineID)
	}

	now := d.now()
	if receipt == "" {
		receipt = NewReceiptNumber(now)
	}
	fine.Paid = true
	fine.PaymentDate = &now
	fine.ReceiptNumber = receipt

	id := string(fineID)
	err = d.Records.Store.Update(ctx, map[string]any{
		FieldPath(CollectionFines, id, "paid"):          true,
		FieldPath(CollectionFines, id, "paymentDate"):   now,
		FieldPath(CollectionFines, id, "receiptNumber"): receipt,
	})
	if err != nil {
		return Fine{}, storeErr("record payment", err)
	}
	d.Logger.Info("fine paid", "fine_id", fineID, "amount", fine.FineAmount.String(), "receipt", receipt)
	return fine, nil
}

// NewReceiptNumber returns RCP-YYYYMMDD-XXXXXXXX.
func NewReceiptNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "RCP-" + at.UTC().Format("20060102") + "-" + suffix
}

func (d *Desk) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}
