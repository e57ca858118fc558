package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
	"ndb/internal/pending"
	"ndb/internal/policy"
)

func newUnblockCmd(app func() (*App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <domain>",
		Short: "Request removal of a domain from the denylist, honoring its delay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("unblock"); err != nil {
				return err
			}
			if err := a.authorize("unblock"); err != nil {
				return err
			}

			domain := policy.NormalizeDomain(args[0])
			if !policy.ValidDomain(domain) {
				return fmt.Errorf("%w: %q is not a valid domain", errValidation, args[0])
			}

			delay := a.Policy.UnblockDelayFor(domain)
			switch delay {
			case "":
				return fmt.Errorf("%w: %s is not managed by the blocklist", errValidation, domain)
			case policy.DelayNever:
				return fmt.Errorf("%w: %s is protected and cannot be unblocked", errPermission, domain)
			case policy.DelayInstant:
				if err := a.Client.RemoveDeny(cmd.Context(), domain); err != nil {
					return err
				}
				a.auditUser(audit.VerbUnblock, domain, map[string]string{"delay": "0"})
				fmt.Fprintf(cmd.OutOrStdout(), "%s unblocked\n", domain)
				return nil
			}

			wait, _, err := policy.ParseDelay(delay)
			if err != nil {
				return fmt.Errorf("%w: bad unblock_delay %q for %s", errValidation, delay, domain)
			}
			action, err := a.Pending.Create(pending.TargetDomain, domain, pending.KindUnblock, delay, wait, nil)
			if err != nil {
				return err
			}
			a.auditUser(audit.VerbPendingCreate, action.ID,
				map[string]string{"domain": domain, "delay": delay})
			fmt.Fprintf(cmd.OutOrStdout(), "unblock scheduled: %s executes at %s (%s)\n",
				action.ID, action.ExecuteAt.Local().Format("2006-01-02 15:04"), delay)
			return nil
		},
	}
}

func newAllowCmd(app func() (*App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "allow <domain>",
		Short: "Add a domain to the remote allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("allow"); err != nil {
				return err
			}
			if err := a.authorize("allow"); err != nil {
				return err
			}

			domain := policy.NormalizeDomain(args[0])
			if a.Policy.FindBlocklisted(domain) {
				return fmt.Errorf("%w: %s is on the blocklist; unblock it instead", errValidation, domain)
			}
			if err := a.Client.AddAllow(cmd.Context(), domain); err != nil {
				return err
			}
			a.auditUser(audit.VerbAllow, domain, nil)
			fmt.Fprintf(cmd.OutOrStdout(), "%s allowed\n", domain)
			return nil
		},
	}
}

func newDisallowCmd(app func() (*App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "disallow <domain>",
		Short: "Remove a domain from the remote allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("disallow"); err != nil {
				return err
			}

			domain := policy.NormalizeDomain(args[0])
			if err := a.Client.RemoveAllow(cmd.Context(), domain); err != nil {
				return err
			}
			a.auditUser(audit.VerbDisallow, domain, nil)
			fmt.Fprintf(cmd.OutOrStdout(), "%s disallowed\n", domain)
			return nil
		},
	}
}
