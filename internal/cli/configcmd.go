package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ndb/internal/audit"
	"ndb/internal/config"
	"ndb/internal/policy"
)

const starterPolicy = `{
  "version": "1.0",
  "settings": {
    "timezone": "UTC"
  },
  "blocklist": [
    {
      "domain": "example.com",
      "description": "replace with a domain to manage",
      "unblock_delay": "1h",
      "schedule": {
        "available_hours": [
          {
            "days": ["saturday", "sunday"],
            "time_ranges": [{"start": "10:00", "end": "22:00"}]
          }
        ]
      }
    }
  ],
  "allowlist": []
}
`

const starterEnv = `NEXTDNS_API_KEY=
NEXTDNS_PROFILE_ID=
# Optional:
# DISCORD_WEBHOOK_URL=
`

func newConfigCmd(app func() (*App, error), configDir *string) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the policy and configuration files",
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the resolved configuration paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := config.ConfigDir(*configDir)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config dir:  %s\n", dir)
			fmt.Fprintf(out, "policy:      %s/config.json\n", dir)
			fmt.Fprintf(out, "credentials: %s/.env\n", dir)
			fmt.Fprintf(out, "data dir:    %s\n", config.DataDir())
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the loaded policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(a.Policy, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a starter policy and credentials template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := config.ConfigDir(*configDir)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			policyPath := filepath.Join(dir, "config.json")
			if _, err := os.Stat(policyPath); err == nil {
				return fmt.Errorf("%w: %s already exists", errValidation, policyPath)
			}
			if err := os.WriteFile(policyPath, []byte(starterPolicy), 0o644); err != nil {
				return err
			}
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); os.IsNotExist(err) {
				if err := os.WriteFile(envPath, []byte(starterEnv), 0o600); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created %s\n", policyPath)
			fmt.Fprintf(out, "fill in credentials at %s, then run: ndb sync --dry-run\n", envPath)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "edit",
		Short: "Open the policy file in an editor and validate the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if err := a.refuseDuringPanic("config edit"); err != nil {
				return err
			}
			if err := a.authorize("config edit"); err != nil {
				return err
			}

			editor := a.Policy.Settings.Editor
			if editor == "" {
				editor = os.Getenv("EDITOR")
			}
			if editor == "" {
				editor = "vi"
			}
			parts := strings.Fields(editor)
			path := a.Config.PolicyPath()

			edit := exec.Command(parts[0], append(parts[1:], path)...)
			edit.Stdin = cmd.InOrStdin()
			edit.Stdout = cmd.OutOrStdout()
			edit.Stderr = cmd.ErrOrStderr()
			if err := edit.Run(); err != nil {
				return fmt.Errorf("editor %q: %w", parts[0], err)
			}

			// The reconciler keeps its previous snapshot if the edit broke
			// the file, but the operator should hear about it now.
			if _, err := policy.Load(path); err != nil {
				return err
			}
			a.auditUser(audit.VerbConfigEdit, path, nil)
			fmt.Fprintln(cmd.OutOrStdout(), "policy updated and validated")
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the policy file and report warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := config.ConfigDir(*configDir)
			pol, err := policy.Load(filepath.Join(dir, "config.json"))
			if err != nil {
				return err
			}
			warnings, err := pol.Validate()
			for _, w := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "policy is valid")
			return nil
		},
	})

	return cfgCmd
}
