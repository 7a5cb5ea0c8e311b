package cli

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/wikiflow/internal/kafka"
)

// kafkaConsumer is an interface that abstracts the Kafka client for testing.
type kafkaConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// createKafkaClientFunc is the function used to create a Kafka client.
// Tests can replace this to stub out the actual client.
var createKafkaClientFunc = func(cluster *kafka.ClusterConfig, topic string, fromBeginning bool) (kafkaConsumer, error) {
	return createKafkaClient(cluster, topic, fromBeginning)
}

type tailOptions struct {
	topic         string
	fromBeginning bool
	maxMessages   int
	follow        bool
}

func newTailCommand() *cobra.Command {
	var opts tailOptions
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print records from the recent-change topic",
		Long: `Reads records from the topic and prints their headers and value. No
consumer group is joined, so the consumers' committed offsets are untouched.`,
		Example: `  wikiflow tail --max-messages 5
  wikiflow tail --from-beginning --topic wikimedia_recent_change_dlq
  wikiflow tail --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.maxMessages < 1 {
				return fmt.Errorf("invalid value for --max-messages: must be >= 1")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if opts.topic == "" {
				opts.topic = cfg.Kafka.Topic
			}

			client, err := createKafkaClientFunc(&cfg.Kafka.Cluster, opts.topic, opts.fromBeginning)
			if err != nil {
				return fmt.Errorf("create kafka client: %w", err)
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			limit := opts.maxMessages
			if opts.follow {
				limit = 0
			}
			n, err := consumeRecords(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), client, limit)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("consume error: %w", err)
			}
			if !opts.follow {
				fmt.Fprintf(cmd.OutOrStdout(), "\nConsumed %d message(s)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.topic, "topic", "", "topic to read (default kafka.topic)")
	cmd.Flags().BoolVar(&opts.fromBeginning, "from-beginning", false, "start from the earliest offset instead of latest")
	cmd.Flags().IntVar(&opts.maxMessages, "max-messages", 10, "stop after this many records")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "keep printing new records until interrupted")
	return cmd
}

// consumeRecords prints records until limit records were printed or ctx is
// done. A zero limit never stops on count.
func consumeRecords(ctx context.Context, out, errOut io.Writer, client kafkaConsumer, limit int) (int, error) {
	count := 0
	for limit == 0 || count < limit {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			fmt.Fprintf(errOut, "Fetch error: %s[%d]: %v\n", topic, partition, err)
		})

		iter := fetches.RecordIter()
		for !iter.Done() && (limit == 0 || count < limit) {
			printRecord(out, iter.Next())
			count++
		}
	}
	return count, nil
}

// printRecord pretty-prints a record. Headers are sorted by key.
func printRecord(w io.Writer, record *kgo.Record) {
	fmt.Fprintf(w, "---\n")
	fmt.Fprintf(w, "Partition: %d\n", record.Partition)
	fmt.Fprintf(w, "Offset:    %d\n", record.Offset)
	fmt.Fprintf(w, "Timestamp: %s\n", record.Timestamp.Format(time.RFC3339))

	if len(record.Headers) > 0 {
		headers := slices.Clone(record.Headers)
		slices.SortFunc(headers, func(a, b kgo.RecordHeader) int { return cmp.Compare(a.Key, b.Key) })
		fmt.Fprintf(w, "Headers:\n")
		for _, h := range headers {
			fmt.Fprintf(w, "  %s: %s\n", h.Key, string(h.Value))
		}
	}

	var value any
	if err := json.Unmarshal(record.Value, &value); err == nil {
		pretty, _ := json.MarshalIndent(value, "  ", "  ")
		fmt.Fprintf(w, "Value:\n  %s\n", string(pretty))
	} else {
		fmt.Fprintf(w, "Value:     %s\n", string(record.Value))
	}
	fmt.Fprintln(w)
}

// createKafkaClient creates a groupless client for reading the topic.
func createKafkaClient(cluster *kafka.ClusterConfig, topic string, fromBeginning bool) (*kgo.Client, error) {
	offset := kgo.NewOffset().AtEnd()
	if fromBeginning {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DialTimeout(3*time.Second),
	)
	return kgo.NewClient(opts...)
}
