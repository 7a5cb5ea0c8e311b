// Package pipeline runs one flow: events from a source delivered to a sink,
// with a named failure policy for events the sink rejects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/wikiflow/internal/correlation"
	"github.com/lsm/wikiflow/internal/dlq"
	"github.com/lsm/wikiflow/internal/observability"
	"github.com/lsm/wikiflow/internal/recentchange"
	"github.com/lsm/wikiflow/internal/sink"
	"github.com/lsm/wikiflow/internal/source"
	"github.com/lsm/wikiflow/internal/tracing"
)

// FailurePolicy names what happens to an event the sink could not accept.
type FailurePolicy string

const (
	// PolicyDrop logs the failure once and treats the event as handled.
	PolicyDrop FailurePolicy = "drop"
	// PolicyDeadLetter behaves like PolicyDrop and also publishes the
	// original event to the dead-letter topic.
	PolicyDeadLetter FailurePolicy = "dead-letter"
)

// ParseFailurePolicy validates s. An empty string selects PolicyDrop.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyDeadLetter:
		return PolicyDeadLetter, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (must be drop or dead-letter)", s)
	}
}

// Error codes recorded on dead-lettered events.
const (
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeDeliveryFailed = "SINK_DELIVERY_FAILED"
)

// CloudEvents headers written in Kafka binary content mode.
const (
	HeaderCESpecVersion = "ce_specversion"
	HeaderCEID          = "ce_id"
	HeaderCESource      = "ce_source"
	HeaderCEType        = "ce_type"
	HeaderCETime        = "ce_time"
	HeaderCESubject     = "ce_subject"
	HeaderContentType   = "content-type"
)

// CloudEventsConfig enables CloudEvents attributes as headers. The event
// value itself is never rewritten.
type CloudEventsConfig struct {
	Source string
	Type   string
}

// Config holds pipeline configuration.
type Config struct {
	FlowName string
	// PropagateErrors returns sink errors to the source instead of applying
	// FailurePolicy, so the source does not acknowledge the event.
	PropagateErrors bool
	FailurePolicy   FailurePolicy
	CloudEvents     *CloudEventsConfig
}

// Pipeline orchestrates the source → sink flow.
type Pipeline struct {
	config   Config
	source   source.Source
	sink     sink.Sink
	dlq      *dlq.Handler
	logger   *slog.Logger
	traceLog *observability.TraceLogger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a new Pipeline. dlqHandler may be nil unless the failure policy
// is PolicyDeadLetter.
func New(cfg Config, src source.Source, sk sink.Sink, dlqHandler *dlq.Handler) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if sk == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyDrop
	}
	if _, err := ParseFailurePolicy(string(cfg.FailurePolicy)); err != nil {
		return nil, err
	}
	if cfg.FailurePolicy == PolicyDeadLetter && dlqHandler == nil && !cfg.PropagateErrors {
		return nil, fmt.Errorf("dead-letter policy requires a dlq handler")
	}
	return &Pipeline{
		config:   cfg,
		source:   src,
		sink:     sk,
		dlq:      dlqHandler,
		logger:   slog.Default(),
		traceLog: observability.NewTraceLogger(slog.Default()),
		tracer:   noop.NewTracerProvider().Tracer("pipeline"),
		now:      time.Now,
	}, nil
}

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger *slog.Logger) {
	p.logger = logger
	p.traceLog = observability.NewTraceLogger(logger)
}

// SetMetrics enables Prometheus metrics for the pipeline.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// SetTracer sets the tracer for the pipeline.
func (p *Pipeline) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Run starts the pipeline and blocks until the source returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline",
		"flow", p.config.FlowName,
		"failure_policy", string(p.config.FailurePolicy),
		"propagate_errors", p.config.PropagateErrors,
	)
	return p.source.Start(ctx, p.handle)
}

func (p *Pipeline) handle(ctx context.Context, evt source.Event) error {
	start := p.now()
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanDeliver,
		trace.WithAttributes(tracing.FlowAttr(p.config.FlowName)),
	)
	defer span.End()

	err := p.processEvent(ctx, evt)
	p.observe(start, err)
	if err == nil {
		tracing.SetSpanOK(span)
		return nil
	}
	tracing.SetSpanError(span, err)
	span.SetAttributes(tracing.ErrorTypeAttr(ErrorCode(err)))

	if p.config.PropagateErrors {
		p.traceLog.Error(ctx, "event delivery failed",
			"flow", p.config.FlowName,
			"topic", evt.Topic,
			"partition", evt.Partition,
			"offset", evt.Offset,
			"correlation_id", evt.CorrelationID,
			"error", err,
		)
		return err
	}

	p.traceLog.Error(ctx, "event delivery failed, not retrying",
		"flow", p.config.FlowName,
		"failure_policy", string(p.config.FailurePolicy),
		"topic", evt.Topic,
		"partition", evt.Partition,
		"offset", evt.Offset,
		"correlation_id", evt.CorrelationID,
		"error", err,
	)
	if p.metrics != nil {
		p.metrics.DroppedTotal.WithLabelValues(p.config.FlowName, string(p.config.FailurePolicy)).Inc()
	}
	if p.config.FailurePolicy == PolicyDeadLetter {
		p.sendToDLQ(ctx, evt, err)
	}
	return nil
}

func (p *Pipeline) processEvent(ctx context.Context, evt source.Event) error {
	headers := make(map[string]string, len(evt.Headers)+8)
	maps.Copy(headers, evt.Headers)

	corrID := correlation.ID{Value: evt.CorrelationID}
	if corrID.Value == "" {
		corrID = correlation.ExtractOrGenerate(headers)
	}
	headers = correlation.AddToHeaders(headers, corrID)

	if p.config.CloudEvents != nil {
		if err := p.addCloudEventHeaders(headers, evt.Value); err != nil {
			return fmt.Errorf("cloudevent attributes: %w", err)
		}
	}

	return p.sink.Deliver(ctx, evt.Value, headers)
}

// addCloudEventHeaders sets ce_* headers for binary content mode. The subject
// is the page title when the payload carries one.
func (p *Pipeline) addCloudEventHeaders(headers map[string]string, payload []byte) error {
	ceSource := p.config.CloudEvents.Source
	if ceSource == "" {
		ceSource = "wikiflow/" + p.config.FlowName
	}
	ceType := p.config.CloudEvents.Type
	if ceType == "" {
		ceType = "org.wikimedia.recentchange"
	}

	e := event.New()
	e.SetID(uuid.NewString())
	e.SetSource(ceSource)
	e.SetType(ceType)
	e.SetTime(p.now().UTC())
	e.SetDataContentType(event.ApplicationJSON)
	if partial, err := recentchange.Decode(payload); err == nil && partial.Title.Value != "" {
		e.SetSubject(partial.Title.Value)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	headers[HeaderCESpecVersion] = e.SpecVersion()
	headers[HeaderCEID] = e.ID()
	headers[HeaderCESource] = e.Source()
	headers[HeaderCEType] = e.Type()
	headers[HeaderCETime] = e.Time().Format(time.RFC3339Nano)
	headers[HeaderContentType] = e.DataContentType()
	if subject := e.Subject(); subject != "" {
		headers[HeaderCESubject] = subject
	}
	return nil
}

func (p *Pipeline) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.EventsTotal.WithLabelValues(p.config.FlowName, status).Inc()
	p.metrics.EventDuration.WithLabelValues(p.config.FlowName).Observe(p.now().Sub(start).Seconds())
}

// ErrorCode classifies a delivery error as CodeInvalidPayload or
// CodeDeliveryFailed.
func ErrorCode(err error) string {
	if errors.Is(err, sink.ErrInvalidPayload) {
		return CodeInvalidPayload
	}
	return CodeDeliveryFailed
}

func (p *Pipeline) sendToDLQ(ctx context.Context, evt source.Event, cause error) {
	info := dlq.FailureInfo{
		OriginalTopic:     evt.Topic,
		OriginalPartition: evt.Partition,
		OriginalOffset:    evt.Offset,
		ErrorCode:         ErrorCode(cause),
		ErrorMessage:      cause.Error(),
		FlowName:          p.config.FlowName,
		CorrelationID:     evt.CorrelationID,
	}
	if err := p.dlq.Send(ctx, evt.Key, evt.Value, info); err != nil {
		p.traceLog.Error(ctx, "failed to send to DLQ",
			"flow", p.config.FlowName,
			"offset", evt.Offset,
			"error", err,
		)
		return
	}
	if p.metrics != nil {
		p.metrics.DLQTotal.WithLabelValues(p.config.FlowName).Inc()
	}
}

// Shutdown performs graceful shutdown of the pipeline components.
// Closes source, sink, and DLQ in order. Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down pipeline", "flow", p.config.FlowName)

	var errs []error

	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "flow", p.config.FlowName, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.sink.Close(); err != nil {
		p.logger.Error("sink close error", "flow", p.config.FlowName, "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if p.dlq != nil {
		if err := p.dlq.Close(); err != nil {
			p.logger.Error("dlq close error", "flow", p.config.FlowName, "error", err)
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}

	p.logger.Info("pipeline shutdown complete", "flow", p.config.FlowName)
	return errors.Join(errs...)
}
