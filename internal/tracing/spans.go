package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrFlowName       = "wikiflow.flow.name"
	AttrCorrelationID  = "wikiflow.correlation_id"
	AttrFeedURL        = "wikiflow.feed.url"
	AttrFeedEventID    = "wikiflow.feed.event_id"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrErrorType      = "error.type"
)

// Span names.
const (
	SpanFeedReceive      = "feed.receive"
	SpanDeliver          = "wikiflow.deliver"
	SpanKafkaConsume     = "kafka.consume"
	SpanKafkaPublish     = "kafka.publish"
	SpanStoreTransaction = "store.transaction"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// FlowAttr returns the flow name attribute.
func FlowAttr(name string) attribute.KeyValue {
	return attribute.String(AttrFlowName, name)
}

// CorrelationAttr returns the correlation ID attribute.
func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// FeedURLAttr returns the attribute for the stream URL an event was read from.
func FeedURLAttr(url string) attribute.KeyValue {
	return attribute.String(AttrFeedURL, url)
}

// FeedEventIDAttr returns the attribute for the server-sent event id.
func FeedEventIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrFeedEventID, id)
}

// KafkaTopicAttr returns the Kafka topic attribute.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns the Kafka partition attribute.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns the Kafka offset attribute.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// ErrorTypeAttr returns the error classification attribute, e.g. INVALID_PAYLOAD.
func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}
