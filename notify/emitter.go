/*
emitter.go - Decides which notices to send and sends them

PURPOSE:
  Turns engine events into Messages: fines created by a reconciliation
  pass, an on-demand summary for one student, a bulk overdue run, and the
  desk's borrow/return/registration receipts.

FAILURE:
  Send failures are logged, counted and reported in a Report. They never
  surface as errors: the fine or loan change that caused the notice has
  already been committed and stays committed. Errors are returned only when
  the data needed to build a notice cannot be read.

PACING:
  Per-student sends wait on a rate.Limiter so a large bulk run does not
  flood the relay or the widget quota.
*/
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/relay"
	"golang.org/x/time/rate"
)

// BulkSender delivers many overdue notices in one call. RelayChannel
// implements it.
type BulkSender interface {
	SendBulk(ctx context.Context, notices []relay.OverdueNotificationRequest) ([]relay.BulkResult, error)
}

// Report summarises what an Emitter call did.
type Report struct {
	Sent     int      `json:"sent"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type Emitter struct {
	Records *circulation.Records
	Channel Channel
	Logger  *slog.Logger

	// Bulk, when set, carries BulkOverdue in a single request.
	Bulk BulkSender

	// Limiter paces individual sends. Nil means unpaced.
	Limiter *rate.Limiter
}

func NewEmitter(store circulation.RecordStore, ch Channel, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{Records: circulation.NewRecords(store), Channel: ch, Logger: logger}
}

// =============================================================================
// OVERDUE NOTICES
// =============================================================================

// FinesCreated notifies each student named in res.FinesCreated about the
// fines that pass created.
func (e *Emitter) FinesCreated(ctx context.Context, res circulation.Result) (Report, error) {
	if len(res.FinesCreated) == 0 {
		return Report{}, nil
	}
	return e.overdue(ctx, res.FinesCreated)
}

// StudentSummary notifies one student about all their unpaid fines.
func (e *Emitter) StudentSummary(ctx context.Context, id circulation.StudentID) (Report, error) {
	if _, err := e.Records.Student(ctx, id); err != nil {
		return Report{}, err
	}
	fines, err := e.Records.Fines(ctx)
	if err != nil {
		return Report{}, err
	}
	var mine []circulation.Fine
	for _, f := range fines {
		if f.StudentID == id && !f.Paid {
			mine = append(mine, f)
		}
	}
	if len(mine) == 0 {
		return Report{Skipped: 1, Warnings: []string{"no unpaid fines"}}, nil
	}
	return e.overdue(ctx, mine)
}

// BulkOverdue notifies every student with unpaid fines.
func (e *Emitter) BulkOverdue(ctx context.Context) (Report, error) {
	fines, err := e.Records.Fines(ctx)
	if err != nil {
		return Report{}, err
	}
	var unpaid []circulation.Fine
	for _, f := range fines {
		if !f.Paid {
			unpaid = append(unpaid, f)
		}
	}
	if e.Bulk == nil {
		return e.overdue(ctx, unpaid)
	}

	msgs, rep, err := e.overdueMessages(ctx, unpaid)
	if err != nil || len(msgs) == 0 {
		return rep, err
	}
	notices := make([]relay.OverdueNotificationRequest, len(msgs))
	for i, m := range msgs {
		notices[i] = *m.Overdue
	}
	results, err := e.Bulk.SendBulk(ctx, notices)
	if err != nil {
		e.Logger.Warn("bulk overdue send failed", "students", len(notices), "error", err)
		notificationsSent.WithLabelValues(string(KindOverdue), "error").Add(float64(len(notices)))
		rep.Failed += len(notices)
		rep.warn("bulk send failed: %v", err)
		return rep, nil
	}
	for _, r := range results {
		if r.Success {
			rep.Sent++
			notificationsSent.WithLabelValues(string(KindOverdue), "ok").Inc()
			continue
		}
		rep.Failed++
		notificationsSent.WithLabelValues(string(KindOverdue), "error").Inc()
		rep.warn("%s: %s", r.StudentEmail, r.Message)
	}
	return rep, nil
}

func (e *Emitter) overdue(ctx context.Context, fines []circulation.Fine) (Report, error) {
	msgs, rep, err := e.overdueMessages(ctx, fines)
	if err != nil {
		return rep, err
	}
	for _, m := range msgs {
		e.send(ctx, m, &rep)
	}
	return rep, nil
}

// overdueMessages groups fines by student, in first-seen order.
func (e *Emitter) overdueMessages(ctx context.Context, fines []circulation.Fine) ([]Message, Report, error) {
	var rep Report
	if len(fines) == 0 {
		return nil, rep, nil
	}
	students, books, err := e.references(ctx)
	if err != nil {
		return nil, rep, err
	}

	var order []circulation.StudentID
	byStudent := map[circulation.StudentID][]circulation.Fine{}
	for _, f := range fines {
		if _, seen := byStudent[f.StudentID]; !seen {
			order = append(order, f.StudentID)
		}
		byStudent[f.StudentID] = append(byStudent[f.StudentID], f)
	}

	msgs := make([]Message, 0, len(order))
	for _, id := range order {
		s, ok := students[id]
		if !ok || s.Email == "" {
			rep.Skipped++
			rep.warn("student %s has no email address", id)
			e.Logger.Warn("skipping overdue notice", "student_id", id, "reason", "no email")
			continue
		}
		msgs = append(msgs, OverdueMessage(s, byStudent[id], books))
	}
	return msgs, rep, nil
}

func (e *Emitter) references(ctx context.Context) (map[circulation.StudentID]circulation.Student, map[circulation.BookID]circulation.Book, error) {
	students, err := e.Records.Students(ctx)
	if err != nil {
		return nil, nil, err
	}
	books, err := e.Records.Books(ctx)
	if err != nil {
		return nil, nil, err
	}
	sm := make(map[circulation.StudentID]circulation.Student, len(students))
	for _, s := range students {
		sm[s.ID] = s
	}
	bm := make(map[circulation.BookID]circulation.Book, len(books))
	for _, b := range books {
		bm[b.ID] = b
	}
	return sm, bm, nil
}

// =============================================================================
// DESK RECEIPTS
// =============================================================================

// Borrowed confirms a new loan to the student.
func (e *Emitter) Borrowed(ctx context.Context, loan circulation.Loan) Report {
	s, b, ok := e.loanParties(ctx, loan)
	if !ok {
		return Report{Skipped: 1}
	}
	var rep Report
	e.send(ctx, BorrowMessage(s, b, loan), &rep)
	return rep
}

// Returned confirms a return, stating the final fine when it was late.
func (e *Emitter) Returned(ctx context.Context, loan circulation.Loan) Report {
	if loan.ReturnDate == nil {
		return Report{Skipped: 1}
	}
	s, b, ok := e.loanParties(ctx, loan)
	if !ok {
		return Report{Skipped: 1}
	}
	rules, err := e.Records.Rules(ctx)
	if err != nil {
		e.Logger.Warn("cannot load rules for return notice", "loan_id", loan.ID, "error", err)
		return Report{Skipped: 1}
	}
	var rep Report
	acc := circulation.Accrue(loan, rules.FinePerDay, *loan.ReturnDate)
	e.send(ctx, ReturnMessage(s, b, loan, acc), &rep)
	return rep
}

// Registered welcomes a new student.
func (e *Emitter) Registered(ctx context.Context, s circulation.Student) Report {
	if s.Email == "" {
		return Report{Skipped: 1}
	}
	var rep Report
	e.send(ctx, RegistrationMessage(s), &rep)
	return rep
}

// Announce sends subject and body to every student with an email address.
func (e *Emitter) Announce(ctx context.Context, subject, body string) (Report, error) {
	students, err := e.Records.Students(ctx)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, s := range students {
		if s.Email == "" {
			rep.Skipped++
			continue
		}
		to := relay.Recipient{Email: s.Email, Name: s.Name}
		e.send(ctx, AnnouncementMessage(to, s.ID, subject, body), &rep)
	}
	return rep, nil
}

func (e *Emitter) loanParties(ctx context.Context, loan circulation.Loan) (circulation.Student, circulation.Book, bool) {
	s, err := e.Records.Student(ctx, loan.StudentID)
	if err != nil {
		e.Logger.Warn("skipping loan notice", "loan_id", loan.ID, "error", err)
		return circulation.Student{}, circulation.Book{}, false
	}
	if s.Email == "" {
		return circulation.Student{}, circulation.Book{}, false
	}
	b, err := e.Records.Book(ctx, loan.BookID)
	if err != nil {
		e.Logger.Warn("skipping loan notice", "loan_id", loan.ID, "error", err)
		return circulation.Student{}, circulation.Book{}, false
	}
	return s, b, true
}

// =============================================================================
// SEND
// =============================================================================

func (e *Emitter) send(ctx context.Context, msg Message, rep *Report) {
	if e.Channel == nil {
		rep.Skipped++
		return
	}
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			rep.Failed++
			rep.warn("%s to %s not sent: %v", msg.Kind, msg.To.Email, err)
			return
		}
	}
	if err := e.Channel.Send(ctx, msg); err != nil {
		rep.Failed++
		rep.warn("%s to %s failed", msg.Kind, msg.To.Email)
		notificationsSent.WithLabelValues(string(msg.Kind), "error").Inc()
		e.Logger.Warn("notification failed",
			"kind", msg.Kind, "student_id", msg.StudentID, "channel", e.Channel.Name(), "error", err)
		return
	}
	rep.Sent++
	notificationsSent.WithLabelValues(string(msg.Kind), "ok").Inc()
	e.Logger.Info("notification sent", "kind", msg.Kind, "student_id", msg.StudentID, "channel", e.Channel.Name())
}
