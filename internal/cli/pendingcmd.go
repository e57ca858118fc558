package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
)

func newPendingCmd(app func() (*App, error)) *cobra.Command {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and cancel delayed actions",
	}

	var history bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			actions, err := a.Pending.List(history)
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending actions")
				return nil
			}
			for _, ac := range actions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s %s  executes %s\n",
					ac.ID, ac.Status, ac.Kind, ac.Target,
					ac.ExecuteAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&history, "history", false, "include executed and cancelled actions")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one action in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			action, err := a.Pending.Get(args[0])
			if err != nil {
				return err
			}
			if action == nil {
				return fmt.Errorf("%w: no action %s", errValidation, args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:         %s\n", action.ID)
			fmt.Fprintf(out, "target:     %s (%s)\n", action.Target, action.TargetType)
			fmt.Fprintf(out, "kind:       %s\n", action.Kind)
			fmt.Fprintf(out, "status:     %s\n", action.Status)
			fmt.Fprintf(out, "created:    %s\n", action.CreatedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "executes:   %s (delay %s)\n", action.ExecuteAt.Local().Format(time.RFC3339), action.Delay)
			for k, v := range action.Detail {
				fmt.Fprintf(out, "%-11s %s\n", k+":", v)
			}
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			ok, err := a.Pending.Cancel(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not pending, nothing cancelled\n", args[0])
				return nil
			}
			a.auditUser(audit.VerbPendingCancel, args[0], nil)
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", args[0])
			return nil
		},
	}

	pendingCmd.AddCommand(listCmd, showCmd, cancelCmd)
	return pendingCmd
}
