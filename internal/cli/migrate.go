package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Database.Validate(); err != nil {
				return err
			}

			st, err := openStoreFunc(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer func() { _ = st.Close() }()

			fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date.")
			return nil
		},
	}
}
