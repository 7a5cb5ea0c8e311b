package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/lsm/wikiflow/internal/kafka"
	kafkasource "github.com/lsm/wikiflow/internal/source/kafka"
)

// publisher is an interface that allows mocking the Kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// newPublisherFunc is the function used to create a Kafka publisher.
// Tests can replace this to stub out the actual publisher.
var newPublisherFunc = func(cluster *kafka.ClusterConfig) (publisher, error) {
	return kafkasource.NewPublisher(cluster)
}

type produceOptions struct {
	topic      string
	file       string
	inlineJSON string
	count      int
	rate       float64
}

func newProduceCommand() *cobra.Command {
	var opts produceOptions
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish recorded recent changes to the topic",
		Long: `Publishes recent-change JSON to the configured topic without the live feed.
Each non-empty line of --file is one event.`,
		Example: `  wikiflow produce --json '{"title":"Earth","user":"Alice","id":42}'
  wikiflow produce --file changes.jsonl --rate 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.file == "" && opts.inlineJSON == "" {
				return fmt.Errorf("either --file or --json must be specified")
			}
			if opts.file != "" && opts.inlineJSON != "" {
				return fmt.Errorf("cannot specify both --file and --json")
			}
			if opts.count < 0 {
				return fmt.Errorf("invalid value for --count: must not be negative")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if opts.topic == "" {
				opts.topic = cfg.Kafka.Topic
			}

			pub, err := newPublisherFunc(&cfg.Kafka.Cluster)
			if err != nil {
				return fmt.Errorf("create kafka publisher: %w", err)
			}
			defer func() { _ = pub.Close() }()

			limiter := rate.NewLimiter(rate.Inf, 1)
			if opts.rate > 0 {
				limiter = rate.NewLimiter(rate.Limit(opts.rate), 1)
			}

			out := cmd.OutOrStdout()
			if opts.inlineJSON != "" {
				return produceInlineJSON(cmd.Context(), out, pub, limiter, opts.topic, opts.inlineJSON, max(opts.count, 1))
			}
			return produceFromFile(cmd.Context(), out, pub, limiter, opts.topic, opts.file, opts.count)
		},
	}
	cmd.Flags().StringVar(&opts.topic, "topic", "", "topic to publish to (default kafka.topic)")
	cmd.Flags().StringVar(&opts.file, "file", "", "JSONL file of events")
	cmd.Flags().StringVar(&opts.inlineJSON, "json", "", "inline JSON for a single event")
	cmd.Flags().IntVar(&opts.count, "count", 0, "times to publish --json (default 1), or the maximum events read from --file (default all)")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "events per second (0 means unlimited)")
	return cmd
}

func produceInlineJSON(ctx context.Context, out io.Writer, pub publisher, limiter *rate.Limiter, topic, jsonStr string, count int) error {
	if !json.Valid([]byte(jsonStr)) {
		return fmt.Errorf("invalid json")
	}

	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := pub.Publish(ctx, topic, nil, []byte(jsonStr), nil); err != nil {
			return fmt.Errorf("publish event %d: %w", i+1, err)
		}
	}

	fmt.Fprintf(out, "Produced %d event(s) to %s\n", count, topic)
	return nil
}

func produceFromFile(ctx context.Context, out io.Writer, pub publisher, limiter *rate.Limiter, topic, filePath string, limit int) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	produced := 0
	lineNum := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return fmt.Errorf("invalid json on line %d", lineNum)
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := pub.Publish(ctx, topic, nil, []byte(line), nil); err != nil {
			return fmt.Errorf("publish event from line %d: %w", lineNum, err)
		}

		produced++
		if limit > 0 && produced >= limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if produced == 0 {
		return fmt.Errorf("no events found in %s", filePath)
	}

	fmt.Fprintf(out, "Produced %d event(s) to %s\n", produced, topic)
	return nil
}
