package relay

import (
	"bytes"
	"html/template"
	"time"
)

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("Monday, 2 January 2006") },
}

const layoutHead = `<!DOCTYPE html>
<html><body style="font-family: system-ui, sans-serif; max-width: 640px; margin: 0 auto; color: #1f2933;">`

const layoutFoot = `<p style="color:#7b8794;font-size:12px;">This is an automated message from the library.</p>
</body></html>`

var templates = template.Must(template.New("").Funcs(funcs).Parse(`
{{define "overdue"}}` + layoutHead + `
<h2>Overdue books</h2>
<p>Dear {{.StudentName}},</p>
<p>The following books are overdue:</p>
<table cellpadding="6" style="border-collapse: collapse;">
<tr><th align="left">Title</th><th align="left">Accession</th><th align="left">Due</th><th align="right">Days</th><th align="right">Fine</th></tr>
{{range .Books}}<tr>
<td>{{.Title}}{{if .Author}}<br><small>{{.Author}}</small>{{end}}</td>
<td>{{.AccessionNumber}}</td>
<td>{{date .DueDate}}</td>
<td align="right">{{.DaysOverdue}}</td>
<td align="right">{{.Fine.StringFixed 2}}</td>
</tr>{{end}}
<tr><td colspan="4"><strong>Total</strong></td><td align="right"><strong>{{.TotalFine.StringFixed 2}}</strong></td></tr>
</table>
<p>Please return the books and settle the fine at the circulation desk.</p>
` + layoutFoot + `{{end}}

{{define "borrow"}}` + layoutHead + `
<h2>Book borrowed</h2>
<p>Dear {{.StudentName}},</p>
<p>You borrowed <strong>{{.BookTitle}}</strong>{{if .BookAuthor}} by {{.BookAuthor}}{{end}}{{if .AccessionNumber}} ({{.AccessionNumber}}){{end}} on {{date .BorrowDate}}.</p>
<p>Please return it by <strong>{{date .DueDate}}</strong>.</p>
` + layoutFoot + `{{end}}

{{define "return"}}` + layoutHead + `
<h2>Book returned</h2>
<p>Dear {{.StudentName}},</p>
<p>We received <strong>{{.BookTitle}}</strong> on {{date .ReturnDate}}{{if .Condition}} in {{.Condition}} condition{{end}}.</p>
{{if gt .DaysOverdue 0}}<p>It was {{.DaysOverdue}} day(s) late. Fine: <strong>{{.Fine.StringFixed 2}}</strong>.</p>{{end}}
` + layoutFoot + `{{end}}

{{define "registration"}}` + layoutHead + `
<h2>Welcome to the library</h2>
<p>Dear {{.StudentName}},</p>
<p>Your library account is ready.</p>
{{if .StudentNumber}}<p>Student number: {{.StudentNumber}}</p>{{end}}
{{if .Course}}<p>Course: {{.Course}}</p>{{end}}
` + layoutFoot + `{{end}}

{{define "announcement"}}` + layoutHead + `
<h2>{{.Subject}}</h2>
{{if .Name}}<p>Dear {{.Name}},</p>{{end}}
<p style="white-space: pre-line;">{{.Message}}</p>
` + layoutFoot + `{{end}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
