// Package notify fans significant agent events out to the configured
// channels: a Discord webhook, email via Mailgun, and an optional desktop
// notification command.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warning"
	SeverityAlert = "alert"
)

// Event is one notable occurrence worth telling the operator about.
type Event struct {
	Severity string
	Title    string
	Body     string
	At       time.Time
}

// Sender delivers an event over one channel.
type Sender interface {
	Send(ev Event) error
	Name() string
}

// Notifier fans events out to all configured senders, suppressing repeats
// of the same title inside the cooldown window.
type Notifier struct {
	senders  []Sender
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// DefaultCooldown suppresses repeated notifications with the same title.
const DefaultCooldown = 10 * time.Minute

// New builds a Notifier over the given senders.
func New(senders ...Sender) *Notifier {
	return &Notifier{
		senders:  senders,
		cooldown: DefaultCooldown,
		lastSent: map[string]time.Time{},
		now:      time.Now,
	}
}

// Notify delivers ev on every channel. Delivery failures are logged, not
// returned: notifications must never block or fail enforcement.
func (n *Notifier) Notify(ev Event) {
	if len(n.senders) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}

	n.mu.Lock()
	if last, ok := n.lastSent[ev.Title]; ok && n.now().Sub(last) < n.cooldown {
		n.mu.Unlock()
		slog.Debug("notification suppressed by cooldown", "title", ev.Title)
		return
	}
	n.lastSent[ev.Title] = n.now()
	n.mu.Unlock()

	for _, s := range n.senders {
		if err := s.Send(ev); err != nil {
			slog.Warn("notification delivery failed", "channel", s.Name(), "title", ev.Title, "error", err)
		}
	}
}

// Infof sends an informational event.
func (n *Notifier) Infof(title, format string, args ...any) {
	n.Notify(Event{Severity: SeverityInfo, Title: title, Body: fmt.Sprintf(format, args...)})
}

// Warnf sends a warning event.
func (n *Notifier) Warnf(title, format string, args ...any) {
	n.Notify(Event{Severity: SeverityWarn, Title: title, Body: fmt.Sprintf(format, args...)})
}

// Alertf sends an alert event.
func (n *Notifier) Alertf(title, format string, args ...any) {
	n.Notify(Event{Severity: SeverityAlert, Title: title, Body: fmt.Sprintf(format, args...)})
}
