// Package feed reads the Wikimedia recent-changes server-sent-events stream as
// a source.Source.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/r3labs/sse/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/lsm/wikiflow/internal/observability"
	"github.com/lsm/wikiflow/internal/source"
	"github.com/lsm/wikiflow/internal/tracing"
)

const (
	DefaultURL             = "https://stream.wikimedia.org/v2/stream/recentchange"
	DefaultSessionDuration = 10 * time.Minute
	DefaultUserAgent       = "wikiflow/1.0 (https://github.com/lsm/wikiflow)"
	DefaultMaxEventSize    = 1 << 20

	HeaderEventID   = "sse-id"
	HeaderEventType = "sse-event"
)

// Config holds feed configuration.
type Config struct {
	URL             string
	SessionDuration time.Duration
	UserAgent       string
	// MaxEventSize bounds the bytes buffered for a single event.
	MaxEventSize int
}

// subscriber abstracts the SSE client for testing.
type subscriber interface {
	SubscribeRawWithContext(ctx context.Context, handler func(msg *sse.Event)) error
}

// Source streams recent changes for one bounded session. Reconnects are
// handled by the SSE client and stop when the session ends.
type Source struct {
	client     subscriber
	sse        *sse.Client
	url        string
	session    time.Duration
	logger     *slog.Logger
	traceLog   *observability.TraceLogger
	tracer     trace.Tracer
	reconnects prometheus.Counter
}

// NewSource creates a feed source. Zero config fields take their defaults.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SessionDuration < 0 {
		return nil, fmt.Errorf("session duration must not be negative")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxEventSize <= 0 {
		cfg.MaxEventSize = DefaultMaxEventSize
	}

	client := sse.NewClient(cfg.URL, sse.ClientMaxBufferSize(cfg.MaxEventSize))
	client.Headers["User-Agent"] = cfg.UserAgent
	client.Connection.Transport = otelhttp.NewTransport(http.DefaultTransport)

	s := newSource(client, cfg, logger)
	s.sse = client
	return s, nil
}

func newSource(client subscriber, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	session := cfg.SessionDuration
	if session == 0 {
		session = DefaultSessionDuration
	}
	return &Source{
		client:   client,
		url:      cfg.URL,
		session:  session,
		logger:   logger,
		traceLog: observability.NewTraceLogger(logger),
		tracer:   noop.NewTracerProvider().Tracer("feed"),
	}
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetReconnectCounter sets the counter incremented on every reconnect attempt.
func (s *Source) SetReconnectCounter(c prometheus.Counter) {
	s.reconnects = c
}

// Start streams events into handler until the session elapses, in which case
// it returns nil, or ctx is cancelled, in which case it returns ctx.Err().
// Handler errors are logged and do not end the session.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	sessionCtx, cancel := context.WithTimeout(ctx, s.session)
	defer cancel()

	if s.sse != nil {
		// The client's default strategy ignores the subscribe context and
		// keeps reconnecting for up to 15 minutes after it is done.
		s.sse.ReconnectStrategy = backoff.WithContext(backoff.NewExponentialBackOff(), sessionCtx)
		s.sse.ReconnectNotify = func(err error, next time.Duration) {
			s.onReconnect(sessionCtx, err, next)
		}
	}

	s.logger.Info("starting feed session", "url", s.url, "session", s.session.String())

	var received int64
	err := s.client.SubscribeRawWithContext(sessionCtx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		received++
		s.handle(sessionCtx, msg, handler)
	})

	if ctx.Err() != nil {
		s.logger.Info("feed session cancelled", "url", s.url, "received", received)
		return ctx.Err()
	}
	if sessionCtx.Err() != nil {
		s.logger.Info("feed session complete", "url", s.url, "received", received)
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subscribe %s: %w", s.url, err)
	}
	s.logger.Info("feed stream closed", "url", s.url, "received", received)
	return nil
}

func (s *Source) handle(ctx context.Context, msg *sse.Event, handler func(context.Context, source.Event) error) {
	evt := source.Event{
		Value:   append([]byte(nil), msg.Data...),
		Headers: make(map[string]string, 2),
	}
	if len(msg.ID) > 0 {
		evt.Headers[HeaderEventID] = string(msg.ID)
	}
	if len(msg.Event) > 0 {
		evt.Headers[HeaderEventType] = string(msg.Event)
	}

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanFeedReceive,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.FeedURLAttr(s.url),
			tracing.FeedEventIDAttr(string(msg.ID)),
		),
	)
	defer span.End()

	if err := handler(ctx, evt); err != nil {
		tracing.SetSpanError(span, err)
		s.traceLog.Debug(ctx, "feed handler returned error", "url", s.url, "error", err)
		return
	}
	tracing.SetSpanOK(span)
}

// onReconnect accounts for a lost connection. Errors reported after the
// session ended are the session closing, not a reconnect.
func (s *Source) onReconnect(sessionCtx context.Context, err error, next time.Duration) {
	if sessionCtx.Err() != nil {
		return
	}
	if s.reconnects != nil {
		s.reconnects.Inc()
	}
	s.logger.Warn("feed connection lost, reconnecting", "url", s.url, "retry_in", next.String(), "error", err)
}

// Close is a no-op; the connection ends with the session.
func (s *Source) Close() error {
	return nil
}
