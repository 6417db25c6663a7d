package relay

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Email is one rendered message ready for delivery.
type Email struct {
	To      string
	ToName  string
	Subject string
	HTML    string
}

// Mailer delivers an Email. Send must not retry.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// =============================================================================
// SMTP
// =============================================================================

// SMTPMailer delivers through an SMTP server with PLAIN auth when a
// username is set. STARTTLS is negotiated by net/smtp when offered.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) Send(ctx context.Context, e Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := m.Host + ":" + strconv.Itoa(m.Port)

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}
	if err := smtp.SendMail(addr, auth, m.From, []string{e.To}, m.compose(e)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", e.To, err)
	}
	return nil
}

func (m *SMTPMailer) compose(e Email) []byte {
	to := e.To
	if e.ToName != "" {
		to = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", e.ToName), e.To)
	}
	domain := m.Host
	if at := strings.LastIndex(m.From, "@"); at >= 0 {
		domain = m.From[at+1:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domain)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(e.HTML)
	return []byte(b.String())
}

// =============================================================================
// LOG (dry run)
// =============================================================================

// LogMailer logs instead of delivering. Used in development.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, e Email) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email (dry run)", "to", e.To, "subject", e.Subject, "bytes", len(e.HTML))
	return nil
}
