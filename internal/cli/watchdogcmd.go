package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
	"ndb/internal/watchdog"
)

func newWatchdog(a *App) (*watchdog.Watchdog, error) {
	return watchdog.New(a.Config.DataDir)
}

func newWatchdogCmd(app func() (*App, error)) *cobra.Command {
	wdCmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Manage the periodic sync registration",
	}

	wdCmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Register the sync job with the platform scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			w, err := newWatchdog(a)
			if err != nil {
				return err
			}
			if err := w.Install(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync registered with %s every %s\n",
				w.Scheduler.Name(), watchdog.SyncInterval)
			return nil
		},
	})

	wdCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the sync job from the platform scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			w, err := newWatchdog(a)
			if err != nil {
				return err
			}
			if err := w.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync unregistered")
			return nil
		},
	})

	wdCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler registration and loop health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			w, err := newWatchdog(a)
			if err != nil {
				return err
			}
			var lastSync time.Time
			if summary, serr := a.runner(audit.ActorWatchdog).LastSummary(); serr == nil && summary != nil {
				lastSync = summary.At
			}
			st, err := w.CurrentStatus(lastSync)
			if err != nil {
				return err
			}
			printWatchdogStatus(cmd, st)
			return nil
		},
	})

	wdCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Re-register the sync job if its registration disappeared",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			w, err := newWatchdog(a)
			if err != nil {
				return err
			}
			reinstalled, err := w.Verify()
			if err != nil {
				return err
			}
			if !reinstalled {
				fmt.Fprintln(cmd.OutOrStdout(), "sync registration intact")
				return nil
			}
			if aerr := a.Audit.Record(audit.ActorWatchdog, audit.VerbSync, "registration",
				map[string]string{"restored": "true"}); aerr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: audit write failed: %v\n", aerr)
			}
			a.Notifier.Warnf("sync registration restored",
				"the %s registration was missing and has been reinstalled", w.Scheduler.Name())
			fmt.Fprintln(cmd.OutOrStdout(), "sync registration was missing, reinstalled")
			return nil
		},
	})

	wdCmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Clear a disable marker so sync runs again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			w, err := newWatchdog(a)
			if err != nil {
				return err
			}
			if err := w.Enable(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "watchdog enabled")
			return nil
		},
	})

	var forDuration time.Duration
	var permanent bool
	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Suppress sync runs for a while (or permanently)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if !permanent && forDuration <= 0 {
				return fmt.Errorf("%w: pass --for <duration> or --permanent", errValidation)
			}
			w, err := newWatchdog(a)
			if err != nil {
				return err
			}
			d := forDuration
			if permanent {
				d = 0
			}
			if err := w.Disable(d); err != nil {
				return err
			}
			if permanent {
				fmt.Fprintln(cmd.OutOrStdout(), "watchdog disabled until re-enabled")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "watchdog disabled for %s\n", d)
			}
			return nil
		},
	}
	disableCmd.Flags().DurationVar(&forDuration, "for", 0, "disable window, e.g. 2h")
	disableCmd.Flags().BoolVar(&permanent, "permanent", false, "disable until explicitly enabled")
	wdCmd.AddCommand(disableCmd)

	return wdCmd
}

func printWatchdogStatus(cmd *cobra.Command, st *watchdog.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scheduler:   %s\n", st.Scheduler)
	fmt.Fprintf(out, "registered:  %v\n", st.Registered)
	if st.Disabled {
		if st.DisabledUntil.IsZero() {
			fmt.Fprintln(out, "disabled:    yes (permanent)")
		} else {
			fmt.Fprintf(out, "disabled:    yes (until %s)\n", st.DisabledUntil.Local().Format(time.RFC3339))
		}
	} else {
		fmt.Fprintln(out, "disabled:    no")
	}
	if st.LastSyncAt.IsZero() {
		fmt.Fprintln(out, "last sync:   never")
	} else {
		fmt.Fprintf(out, "last sync:   %s", st.LastSyncAt.Local().Format(time.RFC3339))
		if st.Stale {
			fmt.Fprint(out, "  (stale)")
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "agent:       running=%v\n", st.AgentRunning)
}
