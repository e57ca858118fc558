package watchdog

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	jobLabel    = "ndb-sync"
	verifyLabel = "ndb-verify"
)

// job describes one scheduled invocation of the binary.
type job struct {
	label    string
	args     string
	interval time.Duration
}

func scheduledJobs() []job {
	return []job{
		{label: jobLabel, args: "sync", interval: SyncInterval},
		{label: verifyLabel, args: "watchdog verify", interval: VerifyInterval},
	}
}

// systemdScheduler manages a user-level service/timer pair.
type systemdScheduler struct{}

func (s *systemdScheduler) Name() string { return "systemd" }

func (s *systemdScheduler) unitDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

func (s *systemdScheduler) Install(executable string) error {
	dir, err := s.unitDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, j := range scheduledJobs() {
		service, timer := systemdUnits(executable, j)
		if err := os.WriteFile(filepath.Join(dir, j.label+".service"), []byte(service), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, j.label+".timer"), []byte(timer), 0o644); err != nil {
			return err
		}
	}
	if err := runCmd("systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	for _, j := range scheduledJobs() {
		if err := runCmd("systemctl", "--user", "enable", "--now", j.label+".timer"); err != nil {
			return err
		}
	}
	return nil
}

func systemdUnits(executable string, j job) (service, timer string) {
	service = fmt.Sprintf(`[Unit]
Description=NextDNS blocker %s job

[Service]
Type=oneshot
ExecStart=%s %s
`, j.label, executable, j.args)
	timer = fmt.Sprintf(`[Unit]
Description=NextDNS blocker %s timer

[Timer]
OnBootSec=1min
OnUnitActiveSec=%dsec
AccuracySec=30sec

[Install]
WantedBy=timers.target
`, j.label, int(j.interval.Seconds()))
	return service, timer
}

func (s *systemdScheduler) Uninstall() error {
	dir, err := s.unitDir()
	if err != nil {
		return err
	}
	for _, j := range scheduledJobs() {
		_ = runCmd("systemctl", "--user", "disable", "--now", j.label+".timer")
		for _, unit := range []string{j.label + ".service", j.label + ".timer"} {
			if err := os.Remove(filepath.Join(dir, unit)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return runCmd("systemctl", "--user", "daemon-reload")
}

func (s *systemdScheduler) Registered() (bool, error) {
	out, err := exec.Command("systemctl", "--user", "is-enabled", jobLabel+".timer").Output()
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(string(out)) == "enabled", nil
}

// cronScheduler manages a marker-tagged crontab line.
type cronScheduler struct{}

func (c *cronScheduler) Name() string { return "cron" }

const (
	cronMarker       = "# " + jobLabel
	cronVerifyMarker = "# " + verifyLabel
)

func (c *cronScheduler) currentTab() (string, error) {
	out, err := exec.Command("crontab", "-l").Output()
	if err != nil {
		// No crontab yet reads as an error with empty output.
		return "", nil
	}
	return string(out), nil
}

func (c *cronScheduler) writeTab(tab string) error {
	cmd := exec.Command("crontab", "-")
	cmd.Stdin = bytes.NewBufferString(tab)
	return cmd.Run()
}

func (c *cronScheduler) Install(executable string) error {
	tab, err := c.currentTab()
	if err != nil {
		return err
	}
	return c.writeTab(renderTab(tab, executable))
}

// renderTab rebuilds the crontab with fresh marker-tagged lines for both
// scheduled jobs, keeping every unmarked line.
func renderTab(existing, executable string) string {
	lines := withoutMarkedLines(existing)
	for _, j := range scheduledJobs() {
		lines = append(lines, fmt.Sprintf("*/%d * * * * %s %s # %s",
			int(j.interval.Minutes()), executable, j.args, j.label))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (c *cronScheduler) Uninstall() error {
	tab, err := c.currentTab()
	if err != nil {
		return err
	}
	lines := withoutMarkedLines(tab)
	if len(lines) == 0 {
		return c.writeTab("")
	}
	return c.writeTab(strings.Join(lines, "\n") + "\n")
}

func (c *cronScheduler) Registered() (bool, error) {
	tab, err := c.currentTab()
	if err != nil {
		return false, err
	}
	return strings.Contains(tab, cronMarker), nil
}

func withoutMarkedLines(tab string) []string {
	var kept []string
	for _, line := range strings.Split(tab, "\n") {
		if strings.TrimSpace(line) == "" ||
			strings.Contains(line, cronMarker) || strings.Contains(line, cronVerifyMarker) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

// launchdScheduler manages a per-user LaunchAgent.
type launchdScheduler struct{}

func (l *launchdScheduler) Name() string { return "launchd" }

const launchdLabel = "io.nextdns.blocker.sync"

func launchdLabelFor(j job) string {
	if j.label == verifyLabel {
		return "io.nextdns.blocker.verify"
	}
	return launchdLabel
}

func (l *launchdScheduler) plistPath(label string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", label+".plist"), nil
}

func (l *launchdScheduler) Install(executable string) error {
	for _, j := range scheduledJobs() {
		label := launchdLabelFor(j)
		path, err := l.plistPath(label)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(launchdPlist(label, executable, j)), 0o644); err != nil {
			return err
		}
		_ = runCmd("launchctl", "unload", path)
		if err := runCmd("launchctl", "load", path); err != nil {
			return err
		}
	}
	return nil
}

func launchdPlist(label, executable string, j job) string {
	var args strings.Builder
	fmt.Fprintf(&args, "\t\t<string>%s</string>\n", executable)
	for _, a := range strings.Fields(j.args) {
		fmt.Fprintf(&args, "\t\t<string>%s</string>\n", a)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
%s	</array>
	<key>StartInterval</key>
	<integer>%d</integer>
	<key>RunAtLoad</key>
	<true/>
</dict>
</plist>
`, label, args.String(), int(j.interval.Seconds()))
}

func (l *launchdScheduler) Uninstall() error {
	for _, j := range scheduledJobs() {
		path, err := l.plistPath(launchdLabelFor(j))
		if err != nil {
			return err
		}
		_ = runCmd("launchctl", "unload", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (l *launchdScheduler) Registered() (bool, error) {
	out, err := exec.Command("launchctl", "list").Output()
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), launchdLabel), nil
}

// schtasksScheduler manages a Windows scheduled task.
type schtasksScheduler struct{}

func (s *schtasksScheduler) Name() string { return "schtasks" }

func (s *schtasksScheduler) Install(executable string) error {
	for _, j := range scheduledJobs() {
		err := runCmd("schtasks", "/Create", "/F",
			"/TN", j.label,
			"/SC", "MINUTE", "/MO", fmt.Sprintf("%d", int(j.interval.Minutes())),
			"/TR", fmt.Sprintf(`"%s" %s`, executable, j.args))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *schtasksScheduler) Uninstall() error {
	for _, j := range scheduledJobs() {
		err := runCmd("schtasks", "/Delete", "/F", "/TN", j.label)
		if err != nil && !strings.Contains(err.Error(), "cannot find") {
			return err
		}
	}
	return nil
}

func (s *schtasksScheduler) Registered() (bool, error) {
	err := exec.Command("schtasks", "/Query", "/TN", jobLabel).Run()
	return err == nil, nil
}

func runCmd(name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}
