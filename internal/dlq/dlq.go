// Package dlq publishes messages the consumer could not persist to a
// dead-letter topic.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Failure headers attached to every dead-lettered record.
const (
	HeaderOriginalTopic     = "wikiflow-original-topic"
	HeaderOriginalPartition = "wikiflow-original-partition"
	HeaderOriginalOffset    = "wikiflow-original-offset"
	HeaderErrorCode         = "wikiflow-error-code"
	HeaderErrorMessage      = "wikiflow-error-message"
	HeaderFailedAt          = "wikiflow-failed-at"
	HeaderFlowName          = "wikiflow-flow-name"
	HeaderCorrelationID     = "wikiflow-correlation-id"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo contains metadata about why an event failed processing.
type FailureInfo struct {
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	ErrorCode         string
	ErrorMessage      string
	FlowName          string
	CorrelationID     string
}

// Handler publishes failed events to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(flowName string) string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopic sends every failed event to topic.
func WithTopic(topic string) Option {
	return func(h *Handler) {
		if topic != "" {
			h.topicFn = func(string) string { return topic }
		}
	}
}

// NewHandler creates a new dead-letter handler. Without options the topic is
// "wikiflow-dlq-<flow>".
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(flowName string) string { return "wikiflow-dlq-" + flowName },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes the original key and value with failure headers.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.FlowName)

	headers := map[string]string{
		HeaderOriginalTopic:     info.OriginalTopic,
		HeaderOriginalPartition: strconv.FormatInt(int64(info.OriginalPartition), 10),
		HeaderOriginalOffset:    strconv.FormatInt(info.OriginalOffset, 10),
		HeaderErrorCode:         info.ErrorCode,
		HeaderErrorMessage:      info.ErrorMessage,
		HeaderFailedAt:          h.now().UTC().Format(time.RFC3339),
		HeaderFlowName:          info.FlowName,
	}
	if info.CorrelationID != "" {
		headers[HeaderCorrelationID] = info.CorrelationID
	}

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
