// Package kafka publishes recent-change events to a fixed Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/wikiflow/internal/correlation"
	"github.com/lsm/wikiflow/internal/kafka"
	kafkasource "github.com/lsm/wikiflow/internal/source/kafka"
	"github.com/lsm/wikiflow/internal/tracing"
)

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // required
	Topic   string
}

// Sink delivers each event unmodified as one record on the configured topic.
// Records carry no key.
type Sink struct {
	publisher publisher
	topic     string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewSink creates a new Kafka sink.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pub, err := kafkasource.NewPublisher(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	return &Sink{
		publisher: pub,
		topic:     cfg.Topic,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("kafka-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver publishes event to the configured topic. Failures are returned to the
// caller, which owns error logging.
func (s *Sink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	headers = correlation.InjectTraceContext(ctx, headers)

	if err := s.publisher.Publish(ctx, s.topic, nil, event, headers); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("event published",
		"correlation_id", corrID.Value,
		"topic", s.topic,
		"bytes", len(event),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close shuts down the Kafka publisher.
func (s *Sink) Close() error {
	return s.publisher.Close()
}
