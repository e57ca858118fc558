package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
	"ndb/internal/policy"
)

// newCategoryCmd manages user-defined domain groups in the policy file.
// Mutations rewrite the policy atomically; the next tick picks them up.
func newCategoryCmd(app func() (*App, error)) *cobra.Command {
	catCmd := &cobra.Command{
		Use:   "category",
		Short: "Manage user-defined domain categories",
	}

	catCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List categories with member counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(a.Policy.Categories) == 0 {
				fmt.Fprintln(out, "no categories defined")
				return nil
			}
			for _, c := range a.Policy.Categories {
				line := fmt.Sprintf("%s: %d domain(s)", c.ID, len(c.Domains))
				if c.UnblockDelay != "" {
					line += ", delay " + c.UnblockDelay
				}
				if c.Locked {
					line += ", locked"
				}
				if c.Description != "" {
					line += " (" + c.Description + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	})

	catCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one category and its domains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			c := a.Policy.FindCategory(args[0])
			if c == nil {
				return fmt.Errorf("%w: no category %q", errValidation, args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:          %s\n", c.ID)
			if c.Description != "" {
				fmt.Fprintf(out, "description: %s\n", c.Description)
			}
			if c.UnblockDelay != "" {
				fmt.Fprintf(out, "delay:       %s\n", c.UnblockDelay)
			}
			fmt.Fprintf(out, "locked:      %v\n", c.Locked)
			fmt.Fprintf(out, "domains:     %s\n", strings.Join(c.Domains, ", "))
			return nil
		},
	})

	var createDesc, createDelay string
	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an empty category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.Policy.CreateCategory(args[0], createDesc, createDelay); err != nil {
				return fmt.Errorf("%w: %s", errValidation, err)
			}
			if err := policy.Save(a.Config.PolicyPath(), a.Policy); err != nil {
				return err
			}
			a.auditUser(audit.VerbCategoryCreate, args[0], map[string]string{"delay": createDelay})
			fmt.Fprintf(cmd.OutOrStdout(), "category %s created\n", args[0])
			return nil
		},
	}
	createCmd.Flags().StringVar(&createDesc, "description", "", "category description")
	createCmd.Flags().StringVar(&createDelay, "delay", "", `unblock delay for members ("0", "never", or <n>[mhd])`)
	catCmd.AddCommand(createCmd)

	catCmd.AddCommand(&cobra.Command{
		Use:   "add <id> <domain>",
		Short: "Add a domain to a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("category add"); err != nil {
				return err
			}
			if err := a.Policy.AddCategoryDomain(args[0], args[1]); err != nil {
				return fmt.Errorf("%w: %s", errValidation, err)
			}
			if err := policy.Save(a.Config.PolicyPath(), a.Policy); err != nil {
				return err
			}
			domain := policy.NormalizeDomain(args[1])
			a.auditUser(audit.VerbCategoryAdd, domain, map[string]string{"category": args[0]})
			fmt.Fprintf(cmd.OutOrStdout(), "%s added to %s\n", domain, args[0])
			return nil
		},
	})

	catCmd.AddCommand(&cobra.Command{
		Use:   "remove <id> <domain>",
		Short: "Remove a domain from a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("category remove"); err != nil {
				return err
			}
			if err := a.Policy.RemoveCategoryDomain(args[0], args[1]); err != nil {
				return fmt.Errorf("%w: %s", errValidation, err)
			}
			if err := policy.Save(a.Config.PolicyPath(), a.Policy); err != nil {
				return err
			}
			domain := policy.NormalizeDomain(args[1])
			a.auditUser(audit.VerbCategoryRemove, domain, map[string]string{"category": args[0]})
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from %s\n", domain, args[0])
			return nil
		},
	})

	catCmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a category and release its domains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("category delete"); err != nil {
				return err
			}
			freed, err := a.Policy.DeleteCategory(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", errValidation, err)
			}
			if err := policy.Save(a.Config.PolicyPath(), a.Policy); err != nil {
				return err
			}
			a.auditUser(audit.VerbCategoryDelete, args[0],
				map[string]string{"domains": fmt.Sprintf("%d", freed)})
			fmt.Fprintf(cmd.OutOrStdout(), "category %s deleted, %d domain(s) released\n", args[0], freed)
			return nil
		},
	})

	return catCmd
}
