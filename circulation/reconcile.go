/*
reconcile.go - Fine reconciliation pass

PURPOSE:
  Re-derives loan status and fine amounts from the current time and the
  loan data, and writes back whatever drifted. This is the only place fines
  are created or amended.

PHASES:
  1. Load rules, borrows and fines (students and books lazily)
  2. Status repair: patch loans whose cached status disagrees with Classify,
     applied in one atomic update before anything else
  3. Accrual: for every overdue or late-returned loan, find-or-create its
     fine by natural key and stage the amended fields
  4. Apply every staged fine and loan patch in one atomic update

INVARIANTS:
  - At most one fine per (studentId, bookId, dueDate)
  - fineAmount == daysOverdue * finePerDay after a pass
  - Idempotent: a second pass with no state change writes nothing

FAILURE:
  Any store error aborts the pass. The phases are not one transaction; a
  crash between 2 and 4 leaves overdue loans without fines until the next
  pass creates them.

SEE ALSO:
  - classifier.go, accrual.go: the pure parts
  - api/trigger.go: opportunistic invocation from page loads
*/
package circulation

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// RESULT
// =============================================================================

// Result summarises one pass.
type Result struct {
	At             time.Time `json:"at"`
	Rules          Rules     `json:"rules"`
	StatusRepaired int       `json:"statusRepaired"`
	FinesCreated   []Fine    `json:"finesCreated"`
	FinesUpdated   int       `json:"finesUpdated"`
	LoansPatched   int       `json:"loansPatched"`
	LoansSkipped   int       `json:"loansSkipped"`
	NewlyOverdue   []LoanID  `json:"newlyOverdue"`

	// Touched counts distinct records created or modified.
	Touched int `json:"touched"`
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Records *Records
	Logger  *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	group singleflight.Group
}

func NewReconciler(store RecordStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Records: NewRecords(store), Logger: logger, Now: time.Now}
}

// Reconcile runs a pass at the current time. Concurrent callers in this
// process share one pass and its result.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	res, _, err := r.ReconcileShared(ctx)
	return res, err
}

// ReconcileShared is Reconcile that also reports whether this caller ran
// the pass. A caller that joined a pass already in flight gets ran false
// and must not act on FinesCreated a second time.
//
// The shared pass is detached from the caller's cancellation: a caller
// whose ctx ends stops waiting and gets ctx.Err(), the others still get
// the result.
func (r *Reconciler) ReconcileShared(ctx context.Context) (res Result, ran bool, err error) {
	var leader atomic.Bool
	ch := r.group.DoChan("reconcile", func() (any, error) {
		leader.Store(true)
		return r.ReconcileAt(context.WithoutCancel(ctx), r.now())
	})

	select {
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return Result{}, leader.Load(), out.Err
		}
		return out.Val.(Result), leader.Load(), nil
	}
}

// ReconcileAt loads the library rules and runs a pass as of now.
func (r *Reconciler) ReconcileAt(ctx context.Context, now time.Time) (Result, error) {
	rules, err := r.Records.Rules(ctx)
	if err != nil {
		reconcilePasses.WithLabelValues("error").Inc()
		return Result{}, err
	}
	return r.ReconcileWith(ctx, rules, now)
}

// ReconcileWith runs a pass with explicit rules and a single now.
func (r *Reconciler) ReconcileWith(ctx context.Context, rules Rules, now time.Time) (Result, error) {
	start := time.Now()
	res, err := r.run(ctx, rules, now)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcilePasses.WithLabelValues("error").Inc()
		r.Logger.Error("reconciliation failed", "error", err)
		return res, err
	}
	reconcilePasses.WithLabelValues("ok").Inc()
	r.Logger.Info("reconciliation complete",
		"touched", res.Touched,
		"status_repaired", res.StatusRepaired,
		"fines_created", len(res.FinesCreated),
		"fines_updated", res.FinesUpdated,
		"loans_skipped", res.LoansSkipped)
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, rules Rules, now time.Time) (Result, error) {
	res := Result{At: now, Rules: rules, FinesCreated: []Fine{}, NewlyOverdue: []LoanID{}}
	touched := map[string]struct{}{}

	loans, err := r.Records.Loans(ctx)
	if err != nil {
		return res, err
	}
	fines, err := r.Records.Fines(ctx)
	if err != nil {
		return res, err
	}

	// Phase 2: status repair
	repairs := map[string]any{}
	repaired := map[string]int{}
	for i, l := range loans {
		want := Normalize(l, now)
		if want.Status == l.Status && want.Returned == l.Returned {
			continue
		}
		id := string(l.ID)
		if want.Status != l.Status {
			repairs[FieldPath(CollectionBorrows, id, "status")] = want.Status
			repaired["status"]++
		}
		if want.Returned != l.Returned {
			repairs[FieldPath(CollectionBorrows, id, "returned")] = want.Returned
			repaired["returned"]++
		}
		if want.Status == StatusOverdue {
			res.NewlyOverdue = append(res.NewlyOverdue, l.ID)
		}
		loans[i] = want
		res.StatusRepaired++
		touched[RecordPath(CollectionBorrows, id)] = struct{}{}
	}
	if len(repairs) > 0 {
		if err := r.Records.Store.Update(ctx, repairs); err != nil {
			return res, storeErr("repair loan status", err)
		}
		for field, n := range repaired {
			loansPatched.WithLabelValues(field).Add(float64(n))
		}
	}

	// Phase 3: accrual
	byKey := r.indexFines(fines)
	byID := make(map[FineID]Fine, len(fines))
	for _, f := range fines {
		byID[f.ID] = f
	}
	refs := &references{records: r.Records}
	patches := map[string]any{}

	for _, l := range loans {
		if l.Status != StatusOverdue && !l.ReturnedLate() {
			continue
		}
		acc := Accrue(l, rules.FinePerDay, now)
		if acc.IsZero() {
			continue
		}

		student, book, err := refs.lookup(ctx, l)
		if err != nil {
			var missing *MissingReferenceError
			if errors.As(err, &missing) {
				r.Logger.Warn("skipping loan for fines", "loan_id", l.ID, "missing", missing.Kind, "id", missing.ID)
				loansSkipped.WithLabelValues(missing.Kind).Inc()
				res.LoansSkipped++
				continue
			}
			return res, err
		}

		key := KeyOf(l)
		fine, found := byKey[key.Hash()]
		if !found {
			candidate := newFine(l, student, book, acc)
			candidate.ID = FineID(NewKey())
			owner, won, err := r.Records.Store.Claim(ctx, RecordPath(CollectionFineKeys, key.Hash()), string(candidate.ID))
			if err != nil {
				return res, storeErr("claim fine key", err)
			}
			switch existing, inSnapshot := byID[FineID(owner)]; {
			case won || !inSnapshot:
				candidate.ID = FineID(owner)
				patches[RecordPath(CollectionFines, owner)] = candidate
				res.FinesCreated = append(res.FinesCreated, candidate)
				touched[RecordPath(CollectionFines, owner)] = struct{}{}
				byKey[key.Hash()] = candidate
			default:
				fine, found = existing, true
			}
		}
		if found {
			changes := fineChanges(fine, l, acc)
			for field, v := range changes {
				patches[FieldPath(CollectionFines, string(fine.ID), field)] = v
			}
			if len(changes) > 0 {
				res.FinesUpdated++
				touched[RecordPath(CollectionFines, string(fine.ID))] = struct{}{}
			}
		}

		if l.DaysOverdue == nil || *l.DaysOverdue != acc.DaysOverdue {
			patches[FieldPath(CollectionBorrows, string(l.ID), "daysOverdue")] = acc.DaysOverdue
			res.LoansPatched++
			touched[RecordPath(CollectionBorrows, string(l.ID))] = struct{}{}
		}
	}

	// Phase 4: apply
	if len(patches) > 0 {
		if err := r.Records.Store.Update(ctx, patches); err != nil {
			return res, storeErr("apply fine patches", err)
		}
		finesWritten.WithLabelValues("create").Add(float64(len(res.FinesCreated)))
		finesWritten.WithLabelValues("update").Add(float64(res.FinesUpdated))
		loansPatched.WithLabelValues("daysOverdue").Add(float64(res.LoansPatched))
	}

	res.Touched = len(touched)
	return res, nil
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// indexFines maps natural-key hashes to fines. Fines arrive sorted by id, so
// when an old race left duplicates the lowest id wins.
func (r *Reconciler) indexFines(fines []Fine) map[string]Fine {
	idx := make(map[string]Fine, len(fines))
	for _, f := range fines {
		h := f.Key().Hash()
		if first, dup := idx[h]; dup {
			r.Logger.Warn("duplicate fine for loan", "canonical", first.ID, "duplicate", f.ID,
				"student_id", f.StudentID, "book_id", f.BookID)
			continue
		}
		idx[h] = f
	}
	return idx
}

func newFine(l Loan, s Student, b Book, acc Accrual) Fine {
	return Fine{
		StudentID:   l.StudentID,
		BookID:      l.BookID,
		DueDate:     l.DueDate,
		StudentName: s.Name,
		Course:      s.Course,
		BookTitle:   b.Title,
		DaysOverdue: acc.DaysOverdue,
		FineAmount:  acc.FineAmount,
		ReturnDate:  l.ReturnDate,
		Paid:        false,
	}
}

// fineChanges returns the fields of f that must change to match the loan's
// accrual. Payment fields are never touched.
func fineChanges(f Fine, l Loan, acc Accrual) map[string]any {
	changes := map[string]any{}
	if f.DaysOverdue != acc.DaysOverdue {
		changes["daysOverdue"] = acc.DaysOverdue
	}
	if !f.FineAmount.Equal(acc.FineAmount) {
		changes["fineAmount"] = acc.FineAmount
	}
	if l.ReturnDate != nil && f.ReturnDate == nil {
		changes["returnDate"] = *l.ReturnDate
	}
	return changes
}

// =============================================================================
// REFERENCES - students and books, loaded on first need
// =============================================================================

type references struct {
	records  *Records
	loaded   bool
	students map[StudentID]Student
	books    map[BookID]Book
}

func (rf *references) lookup(ctx context.Context, l Loan) (Student, Book, error) {
	if !rf.loaded {
		students, err := rf.records.Students(ctx)
		if err != nil {
			return Student{}, Book{}, err
		}
		books, err := rf.records.Books(ctx)
		if err != nil {
			return Student{}, Book{}, err
		}
		rf.students = make(map[StudentID]Student, len(students))
		for _, s := range students {
			rf.students[s.ID] = s
		}
		rf.books = make(map[BookID]Book, len(books))
		for _, b := range books {
			rf.books[b.ID] = b
		}
		rf.loaded = true
	}

	s, ok := rf.students[l.StudentID]
	if !ok {
		return Student{}, Book{}, &MissingReferenceError{LoanID: l.ID, Kind: "student", ID: string(l.StudentID)}
	}
	b, ok := rf.books[l.BookID]
	if !ok {
		return Student{}, Book{}, &MissingReferenceError{LoanID: l.ID, Kind: "book", ID: string(l.BookID)}
	}
	return s, b, nil
}
