package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"ndb/internal/config"
)

// EmailSender delivers events through Mailgun.
type EmailSender struct {
	domain string
	apiKey string
	from   string
	to     string
}

// NewEmailSender builds a sender from the agent email settings, or nil when
// email is disabled or incomplete.
func NewEmailSender(cfg *config.Config) *EmailSender {
	em := cfg.Agent.Email
	if !em.Enabled || em.Domain == "" || em.APIKey == "" || em.From == "" || em.To == "" {
		return nil
	}
	return &EmailSender{domain: em.Domain, apiKey: em.APIKey, from: em.From, to: em.To}
}

func (e *EmailSender) Name() string { return "email" }

// Send mails the event with a plain-text body and an HTML alternative.
func (e *EmailSender) Send(ev Event) error {
	mg := mailgun.NewMailgun(e.domain, e.apiKey)

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(ev.Severity), ev.Title)
	mail := mailgun.NewMessage(e.from, subject, ev.Body, e.to)
	mail.SetHTML(htmlBody(ev))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := mg.Send(ctx, mail); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func htmlBody(ev Event) string {
	color := "#1976d2"
	switch ev.Severity {
	case SeverityWarn:
		color = "#f57c00"
	case SeverityAlert:
		color = "#d32f2f"
	}
	body := strings.ReplaceAll(html.EscapeString(ev.Body), "\n", "<br>")
	return fmt.Sprintf(`<!DOCTYPE html>
<html><body style="font-family: sans-serif; color: #333;">
<div style="max-width: 600px; margin: 0 auto;">
  <h2 style="border-left: 4px solid %s; padding-left: 12px;">%s</h2>
  <p>%s</p>
  <p style="color: #666; font-size: 13px; font-family: monospace;">%s</p>
</div>
</body></html>`,
		color,
		html.EscapeString(ev.Title),
		body,
		ev.At.Format("2006-01-02 15:04:05 MST"),
	)
}
