package circulation_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/circulation/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func jan(d, h int) time.Time {
	return time.Date(2024, time.January, d, h, 0, 0, 0, time.UTC)
}

func newTestReconciler(t *testing.T) (*circulation.Reconciler, *store.Memory) {
	mem := store.NewMemory()
	seedReferences(t, mem)
	return circulation.NewReconciler(mem, nil), mem
}

func seedReferences(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "students/s1", circulation.Student{Name: "Ada Lovelace", Email: "ada@example.com", Course: "BSc Maths"}))
	require.NoError(t, s.Set(ctx, "students/s2", circulation.Student{Name: "Alan Turing", Email: "alan@example.com", Course: "BSc CS"}))
	require.NoError(t, s.Set(ctx, "books/b1", circulation.Book{Title: "Dune", Author: "Frank Herbert", AccessionNumber: "ACC-001", Copies: 2}))
	require.NoError(t, s.Set(ctx, "books/b2", circulation.Book{Title: "Emma", Author: "Jane Austen", AccessionNumber: "ACC-002", Copies: 1}))
}

func seedLoan(t *testing.T, s circulation.RecordStore, id string, l circulation.Loan) {
	t.Helper()
	if l.Status == "" {
		l.Status = circulation.StatusBorrowed
	}
	if l.BorrowDate.IsZero() {
		l.BorrowDate = l.DueDate.AddDate(0, 0, -14)
	}
	require.NoError(t, s.Set(context.Background(), "borrows/"+id, l))
}

func loadFines(t *testing.T, s circulation.RecordStore) []circulation.Fine {
	t.Helper()
	fines, err := circulation.NewRecords(s).Fines(context.Background())
	require.NoError(t, err)
	return fines
}

func loadLoan(t *testing.T, s circulation.RecordStore, id string) circulation.Loan {
	t.Helper()
	l, err := circulation.NewRecords(s).Loan(context.Background(), circulation.LoanID(id))
	require.NoError(t, err)
	return l
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.NewFromInt(want).Equal(got), "fineAmount: want %d, got %s", want, got)
}

// failingStore fails the chosen operation and delegates the rest.
type failingStore struct {
	circulation.RecordStore
	failSubtree string
	failUpdate  bool
}

var errBackend = errors.New("backend unavailable")

func (f *failingStore) GetSubtree(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if collection == f.failSubtree {
		return nil, errBackend
	}
	return f.RecordStore.GetSubtree(ctx, collection)
}

func (f *failingStore) Update(ctx context.Context, patches map[string]any) error {
	if f.failUpdate {
		return errBackend
	}
	return f.RecordStore.Update(ctx, patches)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestReconcile_OpenLoanBecomesOverdue(t *testing.T) {
	// GIVEN: a loan due Jan 1, unreturned
	// WHEN: reconciling on Jan 4 with the default 5 per day
	// THEN: status overdue, 3 days, fine of 15
	r, mem := newTestReconciler(t)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})

	res, err := r.ReconcileAt(context.Background(), jan(4, 0))
	require.NoError(t, err)

	loan := loadLoan(t, mem, "l1")
	assert.Equal(t, circulation.StatusOverdue, loan.Status)
	require.NotNil(t, loan.DaysOverdue)
	assert.Equal(t, 3, *loan.DaysOverdue)

	fines := loadFines(t, mem)
	require.Len(t, fines, 1)
	f := fines[0]
	assert.Equal(t, 3, f.DaysOverdue)
	assertAmount(t, 15, f.FineAmount)
	assert.False(t, f.Paid)
	assert.Equal(t, "Ada Lovelace", f.StudentName)
	assert.Equal(t, "BSc Maths", f.Course)
	assert.Equal(t, "Dune", f.BookTitle)
	assert.True(t, f.DueDate.Equal(jan(1, 0)))

	assert.Equal(t, 1, res.StatusRepaired)
	require.Len(t, res.FinesCreated, 1)
	assert.Equal(t, f.ID, res.FinesCreated[0].ID)
	assert.Equal(t, []circulation.LoanID{"l1"}, res.NewlyOverdue)
	assert.Equal(t, 2, res.Touched, "one loan and one fine")
}

func TestReconcile_ReturnedLateUsesReturnDate(t *testing.T) {
	// GIVEN: the same loan returned Jan 3 12:00
	// WHEN: reconciling on Jan 4
	// THEN: ceil(2.5) = 3 days, fine 15, status stays returned
	r, mem := newTestReconciler(t)
	returnedAt := jan(3, 12)
	seedLoan(t, mem, "l1", circulation.Loan{
		StudentID: "s1", BookID: "b1", DueDate: jan(1, 0),
		ReturnDate: &returnedAt, Returned: true, Status: circulation.StatusReturned,
	})

	_, err := r.ReconcileAt(context.Background(), jan(4, 0))
	require.NoError(t, err)

	assert.Equal(t, circulation.StatusReturned, loadLoan(t, mem, "l1").Status)
	fines := loadFines(t, mem)
	require.Len(t, fines, 1)
	assert.Equal(t, 3, fines[0].DaysOverdue)
	assertAmount(t, 15, fines[0].FineAmount)
	require.NotNil(t, fines[0].ReturnDate)
	assert.True(t, fines[0].ReturnDate.Equal(returnedAt))
}

func TestReconcile_NotYetDue_NoFine(t *testing.T) {
	r, mem := newTestReconciler(t)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(5, 0)})

	res, err := r.ReconcileAt(context.Background(), jan(4, 0))
	require.NoError(t, err)

	assert.Empty(t, loadFines(t, mem))
	assert.Equal(t, circulation.StatusBorrowed, loadLoan(t, mem, "l1").Status)
	assert.Equal(t, 0, res.Touched)
}

func TestReconcile_SecondPassWritesNothing(t *testing.T) {
	// GIVEN: a mix of open, overdue and late-returned loans, reconciled once
	r, mem := newTestReconciler(t)
	returnedAt := jan(2, 6)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	seedLoan(t, mem, "l2", circulation.Loan{StudentID: "s2", BookID: "b2", DueDate: jan(1, 0), ReturnDate: &returnedAt})
	seedLoan(t, mem, "l3", circulation.Loan{StudentID: "s2", BookID: "b1", DueDate: jan(9, 0)})

	ctx := context.Background()
	first, err := r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)
	require.Greater(t, first.Touched, 0)

	// WHEN: reconciling again at the same instant
	second, err := r.ReconcileAt(ctx, jan(4, 0))

	// THEN: zero records touched
	require.NoError(t, err)
	assert.Equal(t, 0, second.Touched)
	assert.Empty(t, second.FinesCreated)
	assert.Equal(t, 0, second.FinesUpdated)
	assert.Equal(t, 0, second.StatusRepaired)
	assert.Len(t, loadFines(t, mem), 2)
}

func TestReconcile_ExistingFineGrows(t *testing.T) {
	// GIVEN: an unpaid fine of 15 (3 days) for a loan still out
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	_, err := r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)
	before := loadFines(t, mem)
	require.Len(t, before, 1)
	assertAmount(t, 15, before[0].FineAmount)

	// WHEN: one more day accrues
	res, err := r.ReconcileAt(ctx, jan(5, 0))
	require.NoError(t, err)

	// THEN: the same fine is amended to 20, no second row
	after := loadFines(t, mem)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, 4, after[0].DaysOverdue)
	assertAmount(t, 20, after[0].FineAmount)
	assert.Equal(t, 1, res.FinesUpdated)
	assert.Empty(t, res.FinesCreated)
	assert.Equal(t, 4, *loadLoan(t, mem, "l1").DaysOverdue)
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestReconcile_OneFinePerNaturalKey(t *testing.T) {
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	seedLoan(t, mem, "l2", circulation.Loan{StudentID: "s1", BookID: "b2", DueDate: jan(1, 0)})

	for d := 2; d <= 10; d++ {
		_, err := r.ReconcileAt(ctx, jan(d, 0))
		require.NoError(t, err)
	}

	fines := loadFines(t, mem)
	require.Len(t, fines, 2)
	keys := map[string]bool{}
	for _, f := range fines {
		assert.False(t, keys[f.Key().Hash()], "duplicate fine for %v", f.Key())
		keys[f.Key().Hash()] = true
	}
}

func TestReconcile_AmountMatchesRateAfterRateChange(t *testing.T) {
	// GIVEN: fines created at 5 per day
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	_, err := r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)

	// WHEN: the rate changes to 2.25
	rules := circulation.DefaultRules()
	rules.FinePerDay = decimal.RequireFromString("2.25")
	require.NoError(t, circulation.NewRecords(mem).SaveRules(ctx, rules))
	_, err = r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)

	// THEN: fineAmount == daysOverdue * finePerDay
	for _, f := range loadFines(t, mem) {
		want := rules.FinePerDay.Mul(decimal.NewFromInt(int64(f.DaysOverdue)))
		assert.True(t, want.Equal(f.FineAmount), "want %s, got %s", want, f.FineAmount)
	}
}

func TestReconcile_StatusReturnConsistency(t *testing.T) {
	// GIVEN: loans whose cached fields drifted in every direction
	r, mem := newTestReconciler(t)
	returnedAt := jan(2, 0)
	seedLoan(t, mem, "drift-returned", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(3, 0), ReturnDate: &returnedAt, Status: circulation.StatusBorrowed})
	seedLoan(t, mem, "drift-extended", circulation.Loan{StudentID: "s1", BookID: "b2", DueDate: jan(9, 0), Status: circulation.StatusOverdue})
	seedLoan(t, mem, "drift-flag", circulation.Loan{StudentID: "s2", BookID: "b1", DueDate: jan(1, 0), Returned: true, Status: circulation.StatusOverdue})

	now := jan(4, 0)
	_, err := r.ReconcileAt(context.Background(), now)
	require.NoError(t, err)

	loans, err := circulation.NewRecords(mem).Loans(context.Background())
	require.NoError(t, err)
	for _, l := range loans {
		if l.Returned {
			assert.Equal(t, circulation.StatusReturned, l.Status, l.ID)
		}
		if l.Status == circulation.StatusOverdue {
			assert.False(t, l.Returned, l.ID)
			assert.True(t, l.DueDate.Before(now), l.ID)
		}
	}
	assert.Equal(t, circulation.StatusBorrowed, loadLoan(t, mem, "drift-extended").Status)
	assert.True(t, loadLoan(t, mem, "drift-returned").Returned)
}

func TestReconcile_PaidFineKeepsPayment(t *testing.T) {
	// GIVEN: a fine that was paid while the book was still out
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	_, err := r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)

	desk := circulation.NewDesk(mem, nil)
	desk.Now = func() time.Time { return jan(4, 1) }
	paid, err := desk.PayFine(ctx, loadFines(t, mem)[0].ID, "RCP-MANUAL")
	require.NoError(t, err)

	// WHEN: more days accrue
	_, err = r.ReconcileAt(ctx, jan(6, 0))
	require.NoError(t, err)

	// THEN: the amount follows the formula, payment fields are untouched
	f := loadFines(t, mem)[0]
	assert.Equal(t, 5, f.DaysOverdue)
	assertAmount(t, 25, f.FineAmount)
	assert.True(t, f.Paid)
	assert.Equal(t, "RCP-MANUAL", f.ReceiptNumber)
	require.NotNil(t, f.PaymentDate)
	assert.True(t, f.PaymentDate.Equal(*paid.PaymentDate))
}

func TestReconcile_ZeroRateCreatesZeroFine(t *testing.T) {
	// A zero rate is an explicit setting, not an absent one.
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, circulation.SettingsPath, map[string]any{
		"borrowDurationDays": 7, "finePerDay": "0", "maxBooksPerStudent": 2,
	}))
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})

	res, err := r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)

	assert.True(t, res.Rules.FinePerDay.IsZero())
	fines := loadFines(t, mem)
	require.Len(t, fines, 1)
	assert.Equal(t, 3, fines[0].DaysOverdue)
	assert.True(t, fines[0].FineAmount.IsZero())
}

// =============================================================================
// MISSING DATA AND FAILURES
// =============================================================================

func TestReconcile_MissingReferenceSkipsLoan(t *testing.T) {
	// GIVEN: two overdue loans, one pointing at a deleted book
	r, mem := newTestReconciler(t)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "gone", DueDate: jan(1, 0)})
	seedLoan(t, mem, "l2", circulation.Loan{StudentID: "s2", BookID: "b1", DueDate: jan(1, 0)})

	// WHEN: reconciling
	res, err := r.ReconcileAt(context.Background(), jan(4, 0))

	// THEN: the pass continues; the orphan is overdue but has no fine
	require.NoError(t, err)
	assert.Equal(t, 1, res.LoansSkipped)
	assert.Equal(t, circulation.StatusOverdue, loadLoan(t, mem, "l1").Status)
	fines := loadFines(t, mem)
	require.Len(t, fines, 1)
	assert.Equal(t, circulation.StudentID("s2"), fines[0].StudentID)
}

func TestReconcile_StoreReadFailureAborts(t *testing.T) {
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	r := circulation.NewReconciler(&failingStore{RecordStore: mem, failSubtree: circulation.CollectionFines}, nil)

	_, err := r.ReconcileAt(context.Background(), jan(4, 0))

	require.Error(t, err)
	assert.ErrorIs(t, err, circulation.ErrStore)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, circulation.StatusBorrowed, loadLoan(t, mem, "l1").Status, "nothing written")
}

func TestReconcile_StoreWriteFailureAborts(t *testing.T) {
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	r := circulation.NewReconciler(&failingStore{RecordStore: mem, failUpdate: true}, nil)

	_, err := r.ReconcileAt(context.Background(), jan(4, 0))

	assert.ErrorIs(t, err, circulation.ErrStore)
	assert.Empty(t, loadFines(t, mem))
}

func TestReconcile_RecoversAfterInterruptedPass(t *testing.T) {
	// GIVEN: a pass that repaired status but crashed before writing fines,
	// leaving the claim behind without its fine
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	loan := circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0), Status: circulation.StatusOverdue}
	seedLoan(t, mem, "l1", loan)
	_, _, err := mem.Claim(ctx, circulation.RecordPath(circulation.CollectionFineKeys, circulation.KeyOf(loan).Hash()), "fine-orphan")
	require.NoError(t, err)

	// WHEN: the next pass runs
	res, err := r.ReconcileAt(ctx, jan(4, 0))

	// THEN: the fine is written at the claimed id
	require.NoError(t, err)
	fines := loadFines(t, mem)
	require.Len(t, fines, 1)
	assert.Equal(t, circulation.FineID("fine-orphan"), fines[0].ID)
	assertAmount(t, 15, fines[0].FineAmount)
	require.Len(t, res.FinesCreated, 1)
}

func TestReconcile_LegacyDuplicatesUseLowestID(t *testing.T) {
	// GIVEN: two fines for the same loan left by an older race
	r, mem := newTestReconciler(t)
	ctx := context.Background()
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0), Status: circulation.StatusOverdue})
	stale := circulation.Fine{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0), DaysOverdue: 1, FineAmount: decimal.NewFromInt(5)}
	require.NoError(t, mem.Set(ctx, "fines/f-a", stale))
	require.NoError(t, mem.Set(ctx, "fines/f-b", stale))

	// WHEN: reconciling
	res, err := r.ReconcileAt(ctx, jan(4, 0))
	require.NoError(t, err)

	// THEN: f-a is amended, f-b is left alone, nothing is created
	assert.Empty(t, res.FinesCreated)
	fines := loadFines(t, mem)
	require.Len(t, fines, 2)
	assertAmount(t, 15, fines[0].FineAmount)
	assertAmount(t, 5, fines[1].FineAmount)
}

func TestReconcile_ConcurrentPassesCreateOneFine(t *testing.T) {
	// GIVEN: several independent reconcilers sharing one store,
	// as if run by separate processes
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})

	// WHEN: they all reconcile at once
	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := circulation.NewReconciler(mem, nil)
			_, errs[i] = r.ReconcileAt(context.Background(), jan(4, 0))
		}(i)
	}
	wg.Wait()

	// THEN: exactly one fine exists
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, loadFines(t, mem), 1)
}

func TestReconcile_CoalescesConcurrentCallers(t *testing.T) {
	r, mem := newTestReconciler(t)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	r.Now = func() time.Time { return jan(4, 0) }

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, loadFines(t, mem), 1)
}

// gatedStore holds the first read of one collection until release is
// closed, so a second caller can join the pass in flight.
type gatedStore struct {
	circulation.RecordStore
	collection string
	entered    chan struct{}
	release    chan struct{}
	once       sync.Once
}

func newGatedStore(inner circulation.RecordStore, collection string) *gatedStore {
	return &gatedStore{RecordStore: inner, collection: collection, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) GetSubtree(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if collection == g.collection {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.RecordStore.GetSubtree(ctx, collection)
}

func TestReconcileShared_OnlyOneCallerRunsThePass(t *testing.T) {
	// GIVEN: one overdue loan and a pass held open on the fines read
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	gate := newGatedStore(mem, circulation.CollectionFines)
	r := circulation.NewReconciler(gate, nil)
	r.Now = func() time.Time { return jan(4, 0) }

	type outcome struct {
		res circulation.Result
		ran bool
		err error
	}
	first, second := make(chan outcome, 1), make(chan outcome, 1)

	// WHEN: a second caller arrives while the first pass is running
	go func() {
		res, ran, err := r.ReconcileShared(context.Background())
		first <- outcome{res, ran, err}
	}()
	<-gate.entered
	go func() {
		res, ran, err := r.ReconcileShared(context.Background())
		second <- outcome{res, ran, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	// THEN: both see the one new fine, only the first ran the pass
	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.True(t, a.ran)
	assert.False(t, b.ran)
	assert.Len(t, a.res.FinesCreated, 1)
	assert.Len(t, b.res.FinesCreated, 1)
	assert.Len(t, loadFines(t, mem), 1)
}

func TestReconcileShared_CancelledCallerDoesNotFailOthers(t *testing.T) {
	// GIVEN: a pass started by a caller whose context is about to end
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	gate := newGatedStore(mem, circulation.CollectionFines)
	r := circulation.NewReconciler(gate, nil)
	r.Now = func() time.Time { return jan(4, 0) }

	shortCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(shortCtx)
		firstErr <- err
	}()
	<-gate.entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background())
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// WHEN: the first caller gives up before the pass finishes
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(gate.release)

	// THEN: the second caller still gets a clean result and the fine is written
	err := <-secondErr
	require.NoError(t, err)
	assert.False(t, errors.Is(err, circulation.ErrStore))
	assert.Len(t, loadFines(t, mem), 1)
}
