// Package source defines how events enter a flow.
package source

import "context"

// Event represents a raw event consumed from a source.
type Event struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Topic         string
	Partition     int32
	Offset        int64
	CorrelationID string
}

// Source consumes events from an external system.
type Source interface {
	// Start begins consuming events and delivers each one to handler.
	// It blocks until ctx is cancelled or the source is exhausted.
	Start(ctx context.Context, handler func(context.Context, Event) error) error

	// Close performs graceful shutdown.
	Close() error
}
