// Package kafka consumes the recent-change topic as a source.Source and
// publishes raw records for the dead-letter path.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/wikiflow/internal/correlation"
	"github.com/lsm/wikiflow/internal/kafka"
	"github.com/lsm/wikiflow/internal/observability"
	"github.com/lsm/wikiflow/internal/source"
	"github.com/lsm/wikiflow/internal/tracing"
)

const defaultRetryBackoff = time.Second

// Config holds Kafka source configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig // required
	Topic         string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "latest")
	// RetryBackoff is the pause before a partition rewound after a handler
	// error is fetched again.
	RetryBackoff time.Duration
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
	Close()
}

// Source consumes events from a Kafka topic. Offsets are committed only after
// the handler returns nil. A handler error rewinds the record's partition so
// the record is delivered again.
type Source struct {
	client  consumer
	topic   string
	backoff  time.Duration
	logger   *slog.Logger
	traceLog *observability.TraceLogger
	tracer   trace.Tracer
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newSource(client, cfg.Topic, cfg.RetryBackoff, logger), nil
}

func newSource(client consumer, topic string, backoff time.Duration, logger *slog.Logger) *Source {
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Source{
		client:   client,
		topic:    topic,
		backoff:  backoff,
		logger:   logger,
		traceLog: observability.NewTraceLogger(logger),
		tracer:   noop.NewTracerProvider().Tracer("kafka-source"),
	}
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start begins consuming events from Kafka. Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic)

	for {
		fetches := s.client.PollFetches(ctx)

		// A partition error does not invalidate records fetched from other
		// partitions in the same poll; the client has already moved past them.
		fetches.EachError(func(topic string, partition int32, err error) {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		// Partitions whose handler failed in this batch. Later records of a
		// failed partition are skipped; they follow the rewound record.
		failed := make(map[int32]bool)
		rewind := make(map[string]map[int32]kgo.EpochOffset)

		fetches.EachRecord(func(record *kgo.Record) {
			if failed[record.Partition] {
				return
			}
			if err := s.handle(ctx, record, handler); err != nil {
				failed[record.Partition] = true
				if rewind[record.Topic] == nil {
					rewind[record.Topic] = make(map[int32]kgo.EpochOffset)
				}
				rewind[record.Topic][record.Partition] = kgo.EpochOffset{
					Epoch:  record.LeaderEpoch,
					Offset: record.Offset,
				}
			}
		})

		if len(rewind) > 0 && ctx.Err() == nil {
			s.client.SetOffsets(rewind)
			select {
			case <-ctx.Done():
			case <-time.After(s.backoff):
			}
		}

		// Check for cancellation after processing the batch, ensuring
		// all records from the last fetch are fully drained before exit.
		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) handle(ctx context.Context, record *kgo.Record, handler func(context.Context, source.Event) error) error {
	evt := source.Event{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
	}
	for _, h := range record.Headers {
		evt.Headers[h.Key] = string(h.Value)
	}

	corrID := correlation.ExtractOrGenerate(evt.Headers)
	evt.CorrelationID = corrID.Value

	recordCtx := correlation.ExtractTraceContext(ctx, evt.Headers)
	spanCtx, span := tracing.StartSpan(recordCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	s.logger.Debug("event received",
		"correlation_id", corrID.Value,
		"correlation_source", corrID.Source,
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)

	if err := handler(spanCtx, evt); err != nil {
		tracing.SetSpanError(span, err)
		s.traceLog.Warn(spanCtx, "offset not committed, record will be redelivered",
			"topic", record.Topic,
			"partition", record.Partition,
			"offset", record.Offset,
		)
		return err
	}

	// At-least-once: commit only after the handler succeeded.
	s.client.MarkCommitRecords(record)
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		tracing.SetSpanError(span, err)
		s.traceLog.Error(spanCtx, "commit error", "topic", record.Topic, "offset", record.Offset, "error", err)
		return nil
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
