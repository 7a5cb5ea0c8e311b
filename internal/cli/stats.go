package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print row counts for the recent-change tables",
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
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tROWS")
			fmt.Fprintf(tw, "pages\t%d\n", stats.Pages)
			fmt.Fprintf(tw, "users\t%d\n", stats.Users)
			fmt.Fprintf(tw, "events\t%d\n", stats.Events)
			fmt.Fprintf(tw, "raw_captures\t%d\n", stats.RawCaptures)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print counts as JSON")
	return cmd
}
