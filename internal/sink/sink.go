// Package sink defines where events leave a flow.
package sink

import (
	"context"
	"errors"
)

// ErrInvalidPayload is wrapped by sinks that reject an event because its
// payload cannot be decoded. Retrying such an event cannot succeed.
var ErrInvalidPayload = errors.New("invalid payload")

// Sink delivers events to a destination.
type Sink interface {
	// Deliver hands one event to the destination. Sources that track
	// progress advance past the event only after Deliver returns nil.
	Deliver(ctx context.Context, event []byte, headers map[string]string) error

	// Close performs graceful shutdown.
	Close() error
}
