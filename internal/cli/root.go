// Package cli implements the wikiflow operator commands.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lsm/wikiflow/internal/config"
)

// NewRootCommand builds the wikiflow command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "wikiflow",
		Short:         "Operate the Wikimedia recent-change pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to wikiflow.yaml (default $"+config.EnvConfigPath+")")

	root.AddCommand(
		newValidateCommand(),
		newMigrateCommand(),
		newStatsCommand(),
		newProduceCommand(),
		newTailCommand(),
	)
	return root
}

// loadConfig loads the file named by --config, falling back to
// $WIKIFLOW_CONFIG and then to defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.NewLoader(config.ResolvePath(path), slog.New(slog.DiscardHandler)).Load()
}
