package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// EmailConfig describes the SMTP relay.
type EmailConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Email sends plain-text notifications through an SMTP relay.
type Email struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmail returns an email adapter.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

var emailBody = template.Must(template.New("email").Parse(`{{.Description}}

Severity:  {{.Severity}}
Source:    {{.Source}}
Alarm:     {{.AlarmName}}
Metric:    {{.Namespace}} {{.MetricName}}
State:     {{.PreviousState}} -> {{.State}}
Value:     {{.Value}} (threshold {{.Threshold}})
Time:      {{.Timestamp.UTC.Format "2006-01-02T15:04:05Z07:00"}}
{{- if .RunbookURL}}
Runbook:   {{.RunbookURL}}{{end}}
{{- range $k, $v := .ResourceTags}}
Tag:       {{$k}}={{$v}}{{end}}
{{- range .AuditFlags}}
Audit:     {{.}}{{end}}
`))

// Send mails ev to the comma-separated recipients in endpoint.
//
// SMTP 5xx replies, such as a recipient that has not confirmed its
// subscription, are permanent. 4xx replies and network errors are transient.
func (m *Email) Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error {
	addrs, err := mail.ParseAddressList(endpoint)
	if err != nil {
		return Permanent(fmt.Errorf("malformed recipient list %q: %w", endpoint, err))
	}
	to := make([]string, 0, len(addrs))
	for _, a := range addrs {
		to = append(to, a.Address)
	}

	from, err := mail.ParseAddress(m.cfg.From)
	if err != nil {
		return Permanent(fmt.Errorf("malformed sender %q: %w", m.cfg.From, err))
	}

	msg, err := m.message(from, to, ev)
	if err != nil {
		return Permanent(err)
	}

	var auth sasl.Client
	if m.cfg.Username != "" {
		auth = sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
	}

	// smtp.SendMail takes no context; the attempt is abandoned when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- m.sendMail(m.cfg.Addr, auth, from.Address, to, bytes.NewReader(msg))
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err = <-done:
	}
	if err == nil {
		return nil
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code >= 500 {
		return Permanent(fmt.Errorf("smtp %d: %s", se.Code, se.Message))
	}
	return fmt.Errorf("smtp send: %w", err)
}

// message renders the RFC 5322 message. Event fields never reach a header
// unencoded: line breaks are stripped and the subject is Q-encoded.
func (m *Email) message(from *mail.Address, to []string, ev types.EnrichedEvent) ([]byte, error) {
	name := ev.AlarmName
	if name == "" {
		name = ev.MetricName
	}
	subject := fmt.Sprintf("[%s] %s is %s", strings.ToUpper(string(ev.Severity)), name, ev.State)

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", headerSafe(strings.Join(to, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerSafe(subject)))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@alertflow>\r\n", uuid.NewString())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	var body bytes.Buffer
	if err := emailBody.Execute(&body, ev); err != nil {
		return nil, fmt.Errorf("render email body: %w", err)
	}
	b.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return b.Bytes(), nil
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// headerSafe removes CR and LF so s cannot start a new header line.
func headerSafe(s string) string { return lineBreaks.Replace(s) }
