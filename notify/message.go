/*
Package notify tells students about their loans and fines.

PURPOSE:
  Builds human-readable notices (overdue summaries, borrow and return
  receipts, registration, announcements) and hands them to a Channel.
  Sending is best-effort: failures are logged and counted, and never undo
  the loan or fine change that triggered them.

KEY CONCEPTS:
  - Message: one notice for one recipient, carrying the relay payload and
    a rendered plain-text body
  - Channel: where a Message goes (mail relay, email widget, in-app log)
  - Emitter: decides what to send after a reconciliation pass or on demand

SEE ALSO:
  - channel.go: Channel implementations and Select
  - emitter.go: Emitter
  - relay/dto.go: payloads shared with the mail relay
*/
package notify

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/relay"
)

// Kind names the notice type.
type Kind string

const (
	KindOverdue      Kind = "overdue"
	KindBorrow       Kind = "borrow_confirmation"
	KindReturn       Kind = "return_confirmation"
	KindRegistration Kind = "registration"
	KindAnnouncement Kind = "announcement"
)

// Message is one notice. Exactly one payload field is set, matching Kind.
type Message struct {
	Kind      Kind
	StudentID circulation.StudentID
	To        relay.Recipient
	Subject   string
	Text      string

	Overdue      *relay.OverdueNotificationRequest
	Borrow       *relay.BorrowConfirmationRequest
	Return       *relay.ReturnConfirmationRequest
	Registration *relay.RegistrationConfirmationRequest
	Announcement *relay.AnnouncementRequest
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// OverdueMessage summarises a student's fines. books supplies author and
// accession number; fines for unknown books keep the snapshot title only.
func OverdueMessage(student circulation.Student, fines []circulation.Fine, books map[circulation.BookID]circulation.Book) Message {
	req := &relay.OverdueNotificationRequest{
		StudentEmail: student.Email,
		StudentName:  student.Name,
		Books:        make([]relay.OverdueBook, 0, len(fines)),
		TotalFine:    decimal.Zero,
	}
	for _, f := range fines {
		b := books[f.BookID]
		title := f.BookTitle
		if title == "" {
			title = b.Title
		}
		req.Books = append(req.Books, relay.OverdueBook{
			Title:           title,
			Author:          b.Author,
			AccessionNumber: b.AccessionNumber,
			DueDate:         f.DueDate,
			DaysOverdue:     f.DaysOverdue,
			Fine:            f.FineAmount,
		})
		req.TotalFine = req.TotalFine.Add(f.FineAmount)
	}
	return Message{
		Kind:      KindOverdue,
		StudentID: student.ID,
		To:        relay.Recipient{Email: student.Email, Name: student.Name},
		Subject:   "Overdue library books",
		Text:      render(overdueText, req),
		Overdue:   req,
	}
}

func BorrowMessage(student circulation.Student, book circulation.Book, loan circulation.Loan) Message {
	req := &relay.BorrowConfirmationRequest{
		StudentEmail:    student.Email,
		StudentName:     student.Name,
		BookTitle:       book.Title,
		BookAuthor:      book.Author,
		AccessionNumber: book.AccessionNumber,
		BorrowDate:      loan.BorrowDate,
		DueDate:         loan.DueDate,
	}
	return Message{
		Kind:      KindBorrow,
		StudentID: student.ID,
		To:        relay.Recipient{Email: student.Email, Name: student.Name},
		Subject:   "Book borrowed: " + book.Title,
		Text:      render(borrowText, req),
		Borrow:    req,
	}
}

// ReturnMessage confirms a return. acc is the loan's final accrual.
func ReturnMessage(student circulation.Student, book circulation.Book, loan circulation.Loan, acc circulation.Accrual) Message {
	req := &relay.ReturnConfirmationRequest{
		StudentEmail: student.Email,
		StudentName:  student.Name,
		BookTitle:    book.Title,
		Condition:    string(loan.Condition),
		DaysOverdue:  acc.DaysOverdue,
		Fine:         acc.FineAmount,
	}
	if loan.ReturnDate != nil {
		req.ReturnDate = *loan.ReturnDate
	}
	return Message{
		Kind:      KindReturn,
		StudentID: student.ID,
		To:        relay.Recipient{Email: student.Email, Name: student.Name},
		Subject:   "Book returned: " + book.Title,
		Text:      render(returnText, req),
		Return:    req,
	}
}

func RegistrationMessage(student circulation.Student) Message {
	req := &relay.RegistrationConfirmationRequest{
		StudentEmail:  student.Email,
		StudentName:   student.Name,
		StudentNumber: student.StudentNumber,
		Course:        student.Course,
	}
	return Message{
		Kind:         KindRegistration,
		StudentID:    student.ID,
		To:           relay.Recipient{Email: student.Email, Name: student.Name},
		Subject:      "Welcome to the library",
		Text:         render(registrationText, req),
		Registration: req,
	}
}

// AnnouncementMessage addresses one recipient; the relay payload still
// lists only that recipient so each send is independent.
func AnnouncementMessage(to relay.Recipient, studentID circulation.StudentID, subject, body string) Message {
	return Message{
		Kind:      KindAnnouncement,
		StudentID: studentID,
		To:        to,
		Subject:   subject,
		Text:      strings.TrimSpace(body) + "\n",
		Announcement: &relay.AnnouncementRequest{
			Recipients: []relay.Recipient{to},
			Subject:    subject,
			Message:    body,
		},
	}
}

// =============================================================================
// PLAIN-TEXT RENDERING
// =============================================================================

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2 Jan 2006") },
}

var (
	overdueText = template.Must(template.New("overdue").Funcs(funcs).Parse(
		`Dear {{.StudentName}},

The following books are overdue:
{{range .Books}}
  - {{.Title}}{{if .Author}} by {{.Author}}{{end}}{{if .AccessionNumber}} [{{.AccessionNumber}}]{{end}}
    due {{date .DueDate}}, {{.DaysOverdue}} day(s) overdue, fine {{.Fine.StringFixed 2}}
{{- end}}

Total fine: {{.TotalFine.StringFixed 2}}

Please return the books and settle the fine at the circulation desk.
`))

	borrowText = template.Must(template.New("borrow").Funcs(funcs).Parse(
		`Dear {{.StudentName}},

You borrowed {{.BookTitle}}{{if .BookAuthor}} by {{.BookAuthor}}{{end}} on {{date .BorrowDate}}.
Please return it by {{date .DueDate}}.
`))

	returnText = template.Must(template.New("return").Funcs(funcs).Parse(
		`Dear {{.StudentName}},

We received {{.BookTitle}} on {{date .ReturnDate}}{{if .Condition}} in {{.Condition}} condition{{end}}.
{{- if gt .DaysOverdue 0}}
It was {{.DaysOverdue}} day(s) late; the fine is {{.Fine.StringFixed 2}}.
{{- end}}
`))

	registrationText = template.Must(template.New("registration").Parse(
		`Dear {{.StudentName}},

Your library account is ready.{{if .StudentNumber}} Student number: {{.StudentNumber}}.{{end}}
`))
)

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}
