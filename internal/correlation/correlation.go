// Package correlation carries a correlation ID and W3C trace context across
// the feed, the broker, and the consumer.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID  = "wikiflow-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderTraceparent    = "traceparent"
)

// ID is a correlation ID and the header it was taken from.
type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate extracts a correlation ID from headers or generates a new UUID.
// Priority: wikiflow-correlation-id > x-correlation-id > traceparent > new UUID
func ExtractOrGenerate(headers map[string]string) ID {
	if id := headers[HeaderCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderCorrelationID}
	}
	if id := headers[HeaderXCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderXCorrelationID}
	}
	if tp := headers[HeaderTraceparent]; tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.NewString(), Source: "generated"}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders sets the correlation ID header, creating the map if nil.
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}

// InjectTraceContext writes the span context of ctx into headers using the
// global propagator. A nil map is allocated.
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTraceContext returns ctx enriched with the remote span context found
// in headers. ctx is returned unchanged when headers is nil.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
