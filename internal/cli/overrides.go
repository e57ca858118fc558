package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
	"ndb/internal/config"
)

func newPauseCmd(app func() (*App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "pause [minutes]",
		Short: "Suspend new blocks for a while (default 30 minutes)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("pause"); err != nil {
				return err
			}
			if err := a.authorize("pause"); err != nil {
				return err
			}

			minutes := config.DefaultPauseMinutes
			if len(args) == 1 {
				minutes, err = strconv.Atoi(args[0])
				if err != nil || minutes <= 0 {
					return fmt.Errorf("%w: pause duration must be a positive number of minutes", errValidation)
				}
			}

			until, err := a.Overrides.Pause(time.Duration(minutes) * time.Minute)
			if err != nil {
				return err
			}
			a.auditUser(audit.VerbPause, "enforcement",
				map[string]string{"minutes": strconv.Itoa(minutes)})
			fmt.Fprintf(cmd.OutOrStdout(), "paused until %s\n", until.Local().Format("15:04:05"))
			return nil
		},
	}
}

func newResumeCmd(app func() (*App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "End an active pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("resume"); err != nil {
				return err
			}
			if err := a.Overrides.Resume(); err != nil {
				return err
			}
			a.auditUser(audit.VerbResume, "enforcement", nil)
			fmt.Fprintln(cmd.OutOrStdout(), "resumed")
			return nil
		},
	}
}

func newPanicCmd(app func() (*App, error)) *cobra.Command {
	panicCmd := &cobra.Command{
		Use:   "panic <duration>",
		Short: "Lock everything down for at least 15 minutes",
		Long: "panic drives every managed domain and native category/service to\n" +
			"blocked, defers pending unblocks, and refuses loosening commands until\n" +
			"it expires. It cannot be ended early, only extended.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("%w: bad duration %q (use forms like 45m, 2h)", errValidation, args[0])
			}
			until, err := a.Overrides.StartPanic(d)
			if err != nil {
				return err
			}
			a.auditUser(audit.VerbPanicStart, "enforcement",
				map[string]string{"until": until.UTC().Format(time.RFC3339)})
			a.Notifier.Alertf("panic mode started", "lockdown until %s", until.Local().Format(time.RFC3339))
			fmt.Fprintf(cmd.OutOrStdout(), "panic mode active until %s\n", until.Local().Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), "run sync now to apply the lockdown")
			return nil
		},
	}

	panicCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether panic mode is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			active, until, err := a.Overrides.PanicActive()
			if err != nil {
				return err
			}
			if !active {
				fmt.Fprintln(cmd.OutOrStdout(), "panic mode is not active")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "panic mode active, %s remaining (until %s)\n",
				time.Until(until).Round(time.Second), until.Local().Format(time.RFC3339))
			return nil
		},
	})

	panicCmd.AddCommand(&cobra.Command{
		Use:   "extend <duration>",
		Short: "Extend the active panic window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("%w: bad duration %q", errValidation, args[0])
			}
			until, err := a.Overrides.ExtendPanic(d)
			if err != nil {
				return err
			}
			a.auditUser(audit.VerbPanicStart, "enforcement",
				map[string]string{"until": until.UTC().Format(time.RFC3339), "extended": d.String()})
			fmt.Fprintf(cmd.OutOrStdout(), "panic mode extended until %s\n", until.Local().Format(time.RFC3339))
			return nil
		},
	})

	return panicCmd
}
