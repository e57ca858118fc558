package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
	"ndb/internal/reconcile"
)

func newSyncCmd(app func() (*App, error)) *cobra.Command {
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}

			if !dryRun {
				w, werr := disabledWatchdog(a)
				if werr == nil && w {
					fmt.Fprintln(cmd.OutOrStdout(), "sync disabled by watchdog marker, skipping")
					return nil
				}
			}

			summary, err := a.runner(audit.ActorReconciler).Tick(cmd.Context(), dryRun)
			if errors.Is(err, reconcile.ErrTickInProgress) {
				fmt.Fprintln(cmd.OutOrStdout(), "another sync is already running, skipping")
				return nil
			}
			if summary != nil {
				printSummary(cmd, summary, verbose)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the plan without applying it")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print per-domain detail")
	return cmd
}

func disabledWatchdog(a *App) (bool, error) {
	w, err := newWatchdog(a)
	if err != nil {
		return false, err
	}
	disabled, _, err := w.Disabled()
	return disabled, err
}

func printSummary(cmd *cobra.Command, s *reconcile.Summary, verbose bool) {
	out := cmd.OutOrStdout()
	mode := "applied"
	if s.DryRun {
		mode = "planned"
	}
	fmt.Fprintf(out, "%s: %d blocked, %d unblocked, %d allowed, %d disallowed, %d pc-on, %d pc-off, %d pending, %d errors (%dms)\n",
		mode, s.Blocked, s.Unblocked, s.Allowed, s.Disallowed,
		s.PCActivated, s.PCDeactivated, s.PendingExecuted, s.Errors, s.DurationMS)
	if verbose {
		for _, w := range s.Warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
	}
}
