/*
handlers_test.go - Tests for API handlers

Tests for:
- Opportunistic reconciliation and its stale-data warning
- Desk endpoints (borrow, return, pay) and their error mapping
- Settings validation
- Notices, run history and demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/circulation/store"
	"github.com/warp/library-engine/notify"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func jan(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

type recordingChannel struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *recordingChannel) Name() string { return "rec" }

func (c *recordingChannel) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingChannel) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Kind, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Kind
	}
	return out
}

// newTestAPI builds a handler over s with every clock pinned to now.
func newTestAPI(t *testing.T, s circulation.RecordStore, now time.Time, ch notify.Channel) (*Handler, http.Handler) {
	t.Helper()
	var em *notify.Emitter
	if ch != nil {
		em = notify.NewEmitter(s, ch, nil)
	}
	h := NewHandler(s, em, nil, nil)
	clock := func() time.Time { return now }
	h.Trigger.Now = clock
	h.Trigger.Reconciler.Now = clock
	h.Desk.Now = clock
	return h, NewRouter(h)
}

func seedLibrary(t *testing.T, s circulation.RecordStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "students/s1", circulation.Student{Name: "Ada Lovelace", Email: "ada@example.com"}))
	require.NoError(t, s.Set(ctx, "students/s2", circulation.Student{Name: "Alan Turing", Email: "alan@example.com"}))
	require.NoError(t, s.Set(ctx, "books/b1", circulation.Book{Title: "Dune", Copies: 2}))
	require.NoError(t, s.Set(ctx, "books/b2", circulation.Book{Title: "Emma", Copies: 1}))
	require.NoError(t, s.Set(ctx, "borrows/l1", circulation.Loan{
		StudentID: "s1", BookID: "b1", BorrowDate: jan(1).Add(-14 * day), DueDate: jan(1), Status: circulation.StatusBorrowed,
	}))
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// writeFailingStore reads normally and fails every write.
type writeFailingStore struct {
	circulation.RecordStore
}

func (s writeFailingStore) Update(context.Context, map[string]any) error {
	return errors.New("backend unavailable")
}

// =============================================================================
// OPPORTUNISTIC RECONCILIATION
// =============================================================================

func TestDashboard_ReconcilesBeforeCounting(t *testing.T) {
	// GIVEN: a loan due Jan 1, unreturned, viewed on Jan 4
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)

	// WHEN: loading the dashboard
	rec := do(t, srv, http.MethodGet, "/api/dashboard", nil)

	// THEN: the fine exists and is counted
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decodeBody[DashboardDTO](t, rec)
	assert.Equal(t, 2, dto.Students)
	assert.Equal(t, 1, dto.ActiveLoans)
	assert.Equal(t, 1, dto.OverdueLoans)
	assert.Equal(t, 1, dto.UnpaidFines)
	assert.Equal(t, "15", dto.OutstandingFines.String())
	assert.Empty(t, dto.Warning)
}

func TestListLoans_FailedPassServesStaleDataWithWarning(t *testing.T) {
	// GIVEN: a store that accepts reads but rejects writes
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, writeFailingStore{mem}, jan(4), nil)

	// WHEN: listing loans
	rec := do(t, srv, http.MethodGet, "/api/loans", nil)

	// THEN: the page still loads, with the stored status and a warning
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[LoansResponse](t, rec)
	assert.Equal(t, WarnFinesStale, resp.Warning)
	require.Len(t, resp.Loans, 1)
	assert.Equal(t, circulation.LoanID("l1"), resp.Loans[0].ID)
	assert.Equal(t, circulation.StatusBorrowed, resp.Loans[0].Status)
}

func TestTrigger_RespectsMinInterval(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	h, srv := newTestAPI(t, mem, jan(4), nil)
	h.Trigger.MinInterval = time.Hour

	do(t, srv, http.MethodGet, "/api/loans", nil)
	do(t, srv, http.MethodGet, "/api/dashboard", nil)

	runs, err := Runs(context.Background(), mem, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, "page", runs[0].Trigger)
}

func TestTrigger_FailedPassIsRecordedAndRetried(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	h, _ := newTestAPI(t, writeFailingStore{mem}, jan(4), nil)
	h.Trigger.MinInterval = time.Hour
	ctx := context.Background()

	assert.Equal(t, WarnFinesStale, h.Trigger.Maybe(ctx))
	assert.Equal(t, WarnFinesStale, h.Trigger.Maybe(ctx), "a failed pass does not start the interval")

	runs, err := Runs(ctx, mem, RunFailed, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Contains(t, runs[0].Error, "backend unavailable")
}

func TestTrigger_PageNoticesSentInBackground(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	ch := &recordingChannel{}
	h, srv := newTestAPI(t, mem, jan(4), ch)

	do(t, srv, http.MethodGet, "/api/dashboard", nil)
	h.Trigger.Wait()

	assert.Equal(t, []notify.Kind{notify.KindOverdue}, ch.kinds())
}

// heldStore blocks the first loans read until release is closed.
type heldStore struct {
	circulation.RecordStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *heldStore) GetSubtree(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if collection == circulation.CollectionBorrows {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.RecordStore.GetSubtree(ctx, collection)
}

func TestTrigger_ConcurrentPageAndManualPassNotifyOnce(t *testing.T) {
	// GIVEN: one overdue loan and a page pass held open on the loans read
	mem := store.NewMemory()
	seedLibrary(t, mem)
	held := &heldStore{RecordStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	ch := &recordingChannel{}
	h, _ := newTestAPI(t, held, jan(4), ch)
	ctx := context.Background()

	page := make(chan string, 1)
	go func() { page <- h.Trigger.Maybe(ctx) }()
	<-held.entered

	// WHEN: a manual run joins the page pass
	manual := make(chan error, 1)
	go func() {
		_, res, _, err := h.Trigger.Run(ctx, "manual")
		if err == nil && len(res.FinesCreated) != 1 {
			err = errors.New("manual run did not see the new fine")
		}
		manual <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(held.release)

	require.Empty(t, <-page)
	require.NoError(t, <-manual)
	h.Trigger.Wait()

	// THEN: one notice goes out and one run is recorded
	assert.Equal(t, []notify.Kind{notify.KindOverdue}, ch.kinds())
	runs, err := Runs(ctx, mem, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "page", runs[0].Trigger)
	assert.Equal(t, 1, runs[0].FinesCreated)
}

// =============================================================================
// DESK
// =============================================================================

func TestBorrow_CreatesLoanAndReceipt(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	ch := &recordingChannel{}
	_, srv := newTestAPI(t, mem, jan(4), ch)

	rec := do(t, srv, http.MethodPost, "/api/loans", BorrowRequest{StudentID: "s2", BookID: "b2"})

	require.Equal(t, http.StatusCreated, rec.Code)
	loan := decodeBody[LoanDTO](t, rec)
	assert.NotEmpty(t, loan.ID)
	assert.True(t, loan.DueDate.Equal(jan(18)))
	assert.Equal(t, []notify.Kind{notify.KindBorrow}, ch.kinds())
}

func TestBorrow_ErrorMapping(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing fields", BorrowRequest{StudentID: "s1"}, http.StatusBadRequest},
		{"unknown student", BorrowRequest{StudentID: "ghost", BookID: "b1"}, http.StatusNotFound},
		{"unknown book", BorrowRequest{StudentID: "s1", BookID: "ghost"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, srv, http.MethodPost, "/api/loans", tt.body).Code)
		})
	}

	// The single copy of b2 goes to s2; s1 then finds none left.
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/loans", BorrowRequest{StudentID: "s2", BookID: "b2"}).Code)
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/loans", BorrowRequest{StudentID: "s1", BookID: "b2"}).Code)
}

func TestReturnLate_SettlesFine(t *testing.T) {
	// GIVEN: a loan due Jan 1 returned on Jan 4
	mem := store.NewMemory()
	seedLibrary(t, mem)
	ch := &recordingChannel{}
	_, srv := newTestAPI(t, mem, jan(4), ch)

	// WHEN: returning it
	rec := do(t, srv, http.MethodPost, "/api/loans/l1/return", ReturnRequest{Condition: circulation.ConditionBad})

	// THEN: the response carries the three-day fine
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ReturnResponse](t, rec)
	assert.Equal(t, circulation.StatusReturned, resp.Loan.Status)
	assert.Equal(t, circulation.ConditionBad, resp.Loan.Condition)
	require.NotNil(t, resp.Fine)
	assert.Equal(t, 3, resp.Fine.DaysOverdue)
	assert.Equal(t, "15", resp.Fine.FineAmount.String())
	assert.Contains(t, ch.kinds(), notify.KindReturn)

	// AND: returning again conflicts
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/loans/l1/return", nil).Code)
}

func TestReturn_InvalidCondition(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)

	rec := do(t, srv, http.MethodPost, "/api/loans/l1/return", map[string]string{"condition": "soggy"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayFine_OnceOnly(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/reconciliation/run", nil).Code)

	fines := decodeBody[[]FineDTO](t, do(t, srv, http.MethodGet, "/api/fines?paid=false", nil))
	require.Len(t, fines, 1)
	path := "/api/fines/" + string(fines[0].ID) + "/pay"

	rec := do(t, srv, http.MethodPost, path, PayFineRequest{ReceiptNumber: "RCP-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decodeBody[FineDTO](t, rec)
	assert.True(t, paid.Paid)
	assert.Equal(t, "RCP-1", paid.ReceiptNumber)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/fines/ghost/pay", nil).Code)
	assert.Empty(t, decodeBody[[]FineDTO](t, do(t, srv, http.MethodGet, "/api/fines?paid=false", nil)))
}

func TestListFines_InvalidFilter(t *testing.T) {
	_, srv := newTestAPI(t, store.NewMemory(), jan(4), nil)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/fines?paid=maybe", nil).Code)
}

func TestListBooks_Availability(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)

	books := decodeBody[[]BookDTO](t, do(t, srv, http.MethodGet, "/api/books", nil))

	require.Len(t, books, 2)
	assert.Equal(t, 1, books[0].Available, "one of two copies of Dune is out")
	assert.Equal(t, 1, books[1].Available)
}

func TestCreateStudent_ValidatesAndWelcomes(t *testing.T) {
	ch := &recordingChannel{}
	_, srv := newTestAPI(t, store.NewMemory(), jan(4), ch)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/students", map[string]string{"email": "x@example.com"}).Code)

	rec := do(t, srv, http.MethodPost, "/api/students", map[string]string{"name": "Grace Hopper", "email": "grace@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeBody[StudentDTO](t, rec).ID)
	assert.Equal(t, []notify.Kind{notify.KindRegistration}, ch.kinds())
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestSettings_RoundTripAndValidation(t *testing.T) {
	_, srv := newTestAPI(t, store.NewMemory(), jan(4), nil)

	got := decodeBody[circulation.Rules](t, do(t, srv, http.MethodGet, "/api/settings", nil))
	assert.Equal(t, circulation.DefaultBorrowDurationDays, got.BorrowDurationDays)

	bad := map[string]any{"borrowDurationDays": 7, "finePerDay": "-1", "maxBooksPerStudent": 2}
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/api/settings", bad).Code)

	zeroDays := map[string]any{"borrowDurationDays": 0, "finePerDay": "1", "maxBooksPerStudent": 2}
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPut, "/api/settings", zeroDays).Code)

	good := map[string]any{"borrowDurationDays": 7, "finePerDay": "2.5", "maxBooksPerStudent": 2}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPut, "/api/settings", good).Code)

	got = decodeBody[circulation.Rules](t, do(t, srv, http.MethodGet, "/api/settings", nil))
	assert.Equal(t, 7, got.BorrowDurationDays)
	assert.Equal(t, "2.5", got.FinePerDay.String())
}

// =============================================================================
// RECONCILIATION AND NOTICES
// =============================================================================

func TestRunReconciliation_RecordsRun(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	ch := &recordingChannel{}
	_, srv := newTestAPI(t, mem, jan(4), ch)

	rec := do(t, srv, http.MethodPost, "/api/reconciliation/run", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ReconcileResponse](t, rec)
	assert.Equal(t, RunCompleted, resp.Run.Status)
	assert.Equal(t, 1, resp.Run.FinesCreated)
	assert.Equal(t, 1, resp.Notify.Sent)

	runs := decodeBody[[]RunDTO](t, do(t, srv, http.MethodGet, "/api/reconciliation/runs?status=completed", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, "manual", runs[0].Trigger)
}

func TestNotifyStudent(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)

	_, quiet := newTestAPI(t, mem, jan(4), nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, quiet, http.MethodPost, "/api/students/s1/notify", nil).Code)

	ch := &recordingChannel{}
	_, srv := newTestAPI(t, mem, jan(4), ch)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/reconciliation/run", nil).Code)

	rec := do(t, srv, http.MethodPost, "/api/students/s1/notify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[notify.Report](t, rec).Sent)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/students/ghost/notify", nil).Code)
}

func TestGetBorrowings(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)

	rec := do(t, srv, http.MethodGet, "/api/students/s1/borrowings", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[BorrowingsResponse](t, rec)
	assert.Equal(t, "Ada Lovelace", resp.Student.Name)
	require.Len(t, resp.Loans, 1)
	assert.Equal(t, circulation.StatusOverdue, resp.Loans[0].Status)
	require.Len(t, resp.Fines, 1)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/students/ghost/borrowings", nil).Code)
}

func TestAnnounce(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	ch := &recordingChannel{}
	_, srv := newTestAPI(t, mem, jan(4), ch)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/announcements", AnnouncementRequest{Subject: "x"}).Code)

	rec := do(t, srv, http.MethodPost, "/api/announcements", AnnouncementRequest{Subject: "Closed", Message: "Closed Friday"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[notify.Report](t, rec).Sent)
}

func TestListNotifications_InAppLog(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	inApp := notify.NewInAppChannel(mem, nil)
	inApp.Now = func() time.Time { return jan(4) }
	_, srv := newTestAPI(t, mem, jan(4), inApp)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/reconciliation/run", nil).Code)

	list := decodeBody[[]notify.Notification](t, do(t, srv, http.MethodGet, "/api/notifications", nil))
	require.Len(t, list, 1)
	assert.Equal(t, notify.KindOverdue, list[0].Kind)
	assert.NotEmpty(t, list[0].ID)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_GrowingFineAmendsExisting(t *testing.T) {
	// GIVEN: the growing-fine scenario, an unpaid fine of 15 on a loan now four days late
	mem := store.NewMemory()
	_, srv := newTestAPI(t, mem, jan(10), nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "growing-fine"}).Code)

	// WHEN: reconciling
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/reconciliation/run", nil).Code)

	// THEN: the same fine now reads 20
	fines := decodeBody[[]FineDTO](t, do(t, srv, http.MethodGet, "/api/fines", nil))
	require.Len(t, fines, 1)
	assert.Equal(t, circulation.FineID("f1"), fines[0].ID)
	assert.Equal(t, "20", fines[0].FineAmount.String())
}

func TestScenario_EveryScenarioLoadsAndReconciles(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			mem := store.NewMemory()
			h, _ := newTestAPI(t, mem, jan(10), nil)
			ctx := context.Background()

			require.NoError(t, LoadScenario(ctx, mem, sc.ID, jan(10)))
			_, _, _, err := h.Trigger.Run(ctx, "test")
			require.NoError(t, err)

			res, err := h.Trigger.Reconciler.Reconcile(ctx)
			require.NoError(t, err)
			assert.Zero(t, res.Touched, "second pass writes nothing")
		})
	}
}

func TestScenario_UnknownAndReset(t *testing.T) {
	mem := store.NewMemory()
	seedLibrary(t, mem)
	_, srv := newTestAPI(t, mem, jan(4), nil)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"}).Code)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/scenarios/reset", nil).Code)
	tree, err := mem.GetSubtree(context.Background(), circulation.CollectionBorrows)
	require.NoError(t, err)
	assert.Empty(t, tree)
}
