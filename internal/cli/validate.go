package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lsm/wikiflow/internal/config"
)

func newValidateCommand() *cobra.Command {
	var consumer bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print a summary",
		Long: `Loads the configuration file, applies WIKIFLOW_* environment overrides
and reports every invalid setting. With --consumer the database settings
required by wikiflow-consumer are checked too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err == nil && consumer {
				err = cfg.Database.Validate()
			}
			if err != nil {
				return reportErrors(cmd.ErrOrStderr(), err)
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&consumer, "consumer", false, "also require the consumer's database settings")
	return cmd
}

func reportErrors(w io.Writer, err error) error {
	msgs := splitErrors(err)
	fmt.Fprintf(w, "Found %d validation error(s):\n\n", len(msgs))
	for _, msg := range msgs {
		fmt.Fprintf(w, "  field: %s\n  error: %s\n\n", inferField(msg), msg)
	}
	return fmt.Errorf("%d validation error(s) found", len(msgs))
}

func printSummary(w io.Writer, cfg *config.Config) {
	database := "not configured"
	if cfg.Database.URL != "" {
		database = "configured"
	}
	fmt.Fprintln(w, "Configuration is valid.")
	fmt.Fprintf(w, "  feed:      %s (session %s)\n", cfg.Feed.URL, cfg.Feed.SessionDuration)
	fmt.Fprintf(w, "  kafka:     %s topic=%s\n", strings.Join(cfg.Kafka.Cluster.Brokers, ","), cfg.Kafka.Topic)
	fmt.Fprintf(w, "  consumer:  group=%s mode=%s onError=%s\n", cfg.Consumer.Group, cfg.Consumer.Mode, cfg.Consumer.OnError)
	fmt.Fprintf(w, "  database:  %s\n", database)
}

// splitErrors breaks an errors.Join result, possibly wrapped, into individual
// messages.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return []string{err.Error()}
	}
	var result []string
	for _, e := range joined.Unwrap() {
		for _, line := range strings.Split(e.Error(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				result = append(result, line)
			}
		}
	}
	return result
}

// inferField extracts the dotted setting name an error message starts with.
func inferField(msg string) string {
	parts := strings.Fields(msg)
	if len(parts) == 0 {
		return "-"
	}
	field := strings.TrimSuffix(parts[0], ":")
	if !strings.Contains(field, ".") {
		return "-"
	}
	return field
}
