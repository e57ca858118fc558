package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
)

func newStatusCmd(app func() (*App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show policy, override, pending, and watchdog state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			managed := len(a.Policy.Blocklist)
			for _, c := range a.Policy.Categories {
				managed += len(c.Domains)
			}
			fmt.Fprintf(out, "policy:      %d blocked domains, %d allowlist entries", managed, len(a.Policy.Allowlist))
			if a.Policy.NextDNS != nil {
				fmt.Fprintf(out, ", %d native categories, %d services",
					len(a.Policy.NextDNS.Categories), len(a.Policy.NextDNS.Services))
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "timezone:    %s\n", a.Policy.Timezone())

			if active, until, err := a.Overrides.PanicActive(); err == nil && active {
				fmt.Fprintf(out, "panic:       ACTIVE, %s remaining\n", time.Until(until).Round(time.Second))
			}
			if active, until, err := a.Overrides.PauseActive(); err == nil && active {
				fmt.Fprintf(out, "pause:       active until %s\n", until.Local().Format("15:04:05"))
			}

			if actions, err := a.Pending.List(false); err == nil && len(actions) > 0 {
				fmt.Fprintf(out, "pending:     %d action(s), next at %s\n",
					len(actions), actions[0].ExecuteAt.Local().Format("2006-01-02 15:04"))
			}

			gate := a.Gate.CurrentStatus()
			if gate.PINSet {
				state := "locked"
				if gate.SessionOpen {
					state = "session open"
				}
				fmt.Fprintf(out, "pin gate:    set (%s)\n", state)
			}

			if summary, err := a.runner(audit.ActorReconciler).LastSummary(); err == nil && summary != nil {
				age := time.Since(summary.At).Round(time.Second)
				fmt.Fprintf(out, "last sync:   %s ago (%d mutations, %d errors)\n",
					age,
					summary.Blocked+summary.Unblocked+summary.Allowed+summary.Disallowed+
						summary.PCActivated+summary.PCDeactivated,
					summary.Errors)
			} else {
				fmt.Fprintln(out, "last sync:   never")
			}

			if w, err := newWatchdog(a); err == nil {
				if registered, err := w.Scheduler.Registered(); err == nil {
					fmt.Fprintf(out, "watchdog:    %s, registered=%v", w.Scheduler.Name(), registered)
					if disabled, until, derr := w.Disabled(); derr == nil && disabled {
						if until.IsZero() {
							fmt.Fprint(out, ", DISABLED permanently")
						} else {
							fmt.Fprintf(out, ", disabled until %s", until.Local().Format("15:04:05"))
						}
					}
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
}
