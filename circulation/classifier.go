package circulation

import "time"

// Classify derives a loan's status from its facts. It is pure: the same loan
// and now always give the same answer. Callers use one now per pass.
func Classify(l Loan, now time.Time) Status {
	if l.IsClosed() {
		return StatusReturned
	}
	if now.After(l.DueDate) {
		return StatusOverdue
	}
	return StatusBorrowed
}

// Normalize returns l with its cached Returned and Status fields brought in
// line with Classify. DaysOverdue is left untouched.
func Normalize(l Loan, now time.Time) Loan {
	l.Status = Classify(l, now)
	if l.ReturnDate != nil {
		l.Returned = true
	}
	return l
}
