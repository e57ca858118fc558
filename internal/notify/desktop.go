package notify

import (
	"os/exec"
	"strings"
)

// DesktopSender runs an operator-supplied command for each event. The
// placeholders {title}, {message}, and {urgency} are substituted before
// the command is split on whitespace.
type DesktopSender struct {
	command string
}

// NewDesktopSender returns nil when no command is configured.
func NewDesktopSender(command string) *DesktopSender {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	return &DesktopSender{command: command}
}

func (d *DesktopSender) Name() string { return "desktop" }

// Send substitutes the placeholders and runs the command.
func (d *DesktopSender) Send(ev Event) error {
	cmd := d.command
	cmd = strings.ReplaceAll(cmd, "{title}", ev.Title)
	cmd = strings.ReplaceAll(cmd, "{message}", ev.Body)
	cmd = strings.ReplaceAll(cmd, "{urgency}", urgencyFor(ev.Severity))

	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return nil
	}
	return exec.Command(parts[0], parts[1:]...).Run()
}

func urgencyFor(severity string) string {
	switch severity {
	case SeverityAlert:
		return "critical"
	case SeverityWarn:
		return "normal"
	default:
		return "low"
	}
}
