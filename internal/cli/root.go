package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the ndb command tree.
func NewRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "ndb",
		Short:         "NextDNS domain-access control agent",
		Long:          "ndb reconciles an operator policy of blocking schedules, allowlist\nexceptions, and parental-control settings against a NextDNS profile.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"configuration directory (default: $NDB_CONFIG_DIR or the platform config dir)")

	app := func() (*App, error) { return loadApp(configDir) }

	root.AddCommand(
		newSyncCmd(app),
		newStatusCmd(app),
		newPauseCmd(app),
		newResumeCmd(app),
		newUnblockCmd(app),
		newAllowCmd(app),
		newDisallowCmd(app),
		newPanicCmd(app),
		newPendingCmd(app),
		newCategoryCmd(app),
		newStatsCmd(app),
		newWatchdogCmd(app),
		newProtectionCmd(app),
		newConfigCmd(app, &configDir),
	)
	return root
}
