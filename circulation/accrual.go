package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCRUAL - days overdue and fine amount for one loan
// =============================================================================

const day = 24 * time.Hour

// Accrual is what a loan owes as of a reference instant.
type Accrual struct {
	DaysOverdue int
	FineAmount  decimal.Decimal
}

// IsZero reports whether nothing is owed. A zero accrual never creates a fine.
func (a Accrual) IsZero() bool { return a.DaysOverdue == 0 }

// Accrue computes the accrual for a loan. The end of the overdue window is
// the return date when the loan is closed, otherwise now. Partial days round
// up: one hour late bills as one day.
func Accrue(l Loan, finePerDay decimal.Decimal, now time.Time) Accrual {
	end := now
	if l.ReturnDate != nil {
		end = *l.ReturnDate
	}
	days := DaysOverdue(l.DueDate, end)
	return Accrual{
		DaysOverdue: days,
		FineAmount:  finePerDay.Mul(decimal.NewFromInt(int64(days))),
	}
}

// DaysOverdue returns ceil((end - due) / 24h), floored at zero.
func DaysOverdue(due, end time.Time) int {
	late := end.Sub(due)
	if late <= 0 {
		return 0
	}
	days := late / day
	if late%day != 0 {
		days++
	}
	return int(days)
}
