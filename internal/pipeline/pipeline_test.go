package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lsm/wikiflow/internal/correlation"
	"github.com/lsm/wikiflow/internal/dlq"
	"github.com/lsm/wikiflow/internal/observability"
	"github.com/lsm/wikiflow/internal/sink"
	"github.com/lsm/wikiflow/internal/source"
	"github.com/lsm/wikiflow/internal/tracing"
)

// --- Mocks ---

// mockSource delivers its events once and records what the handler returned.
type mockSource struct {
	events   []source.Event
	results  []error
	closeErr error
}

func (m *mockSource) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	for _, evt := range m.events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.results = append(m.results, handler(ctx, evt))
	}
	return nil
}

func (m *mockSource) Close() error { return m.closeErr }

type mockSink struct {
	mu       sync.Mutex
	received []sinkMessage
	errFn    func(event []byte) error
	closeErr error
}

type sinkMessage struct {
	event   []byte
	headers map[string]string
}

func (m *mockSink) Deliver(_ context.Context, event []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errFn != nil {
		if err := m.errFn(event); err != nil {
			return err
		}
	}
	m.received = append(m.received, sinkMessage{event: event, headers: headers})
	return nil
}

func (m *mockSink) Close() error { return m.closeErr }

type mockPublisher struct {
	mu        sync.Mutex
	published []dlqMessage
	err       error
	closeErr  error
}

type dlqMessage struct {
	topic   string
	value   []byte
	headers map[string]string
}

func (m *mockPublisher) Publish(_ context.Context, topic string, _, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, dlqMessage{topic: topic, value: value, headers: headers})
	return nil
}

func (m *mockPublisher) Close() error { return m.closeErr }

var _ dlq.Publisher = (*mockPublisher)(nil)

// recordingHandler keeps every log record for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, cfg Config, src source.Source, sk sink.Sink, h *dlq.Handler) (*Pipeline, *recordingHandler) {
	t.Helper()
	p, err := New(cfg, src, sk, h)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := &recordingHandler{}
	p.SetLogger(slog.New(rec))
	return p, rec
}

var errInvalid = fmt.Errorf("%w: unexpected end of JSON input", sink.ErrInvalidPayload)

// --- Tests ---

func TestNew_Validation(t *testing.T) {
	src, sk := &mockSource{}, &mockSink{}
	tests := []struct {
		name string
		cfg  Config
		src  source.Source
		sk   sink.Sink
	}{
		{"nil source", Config{}, nil, sk},
		{"nil sink", Config{}, src, nil},
		{"unknown policy", Config{FailurePolicy: "retry"}, src, sk},
		{"dead-letter without handler", Config{FailurePolicy: PolicyDeadLetter}, src, sk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.src, tt.sk, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_DefaultsToDrop(t *testing.T) {
	p, err := New(Config{FlowName: "normalize"}, &mockSource{}, &mockSink{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.config.FailurePolicy != PolicyDrop {
		t.Errorf("policy = %q, want drop", p.config.FailurePolicy)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", PolicyDrop, false},
		{"drop", PolicyDrop, false},
		{"dead-letter", PolicyDeadLetter, false},
		{"retry", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestPipeline_HappyPath(t *testing.T) {
	payload := []byte(`{"title":"Earth"}`)
	src := &mockSource{events: []source.Event{{
		Value:         payload,
		Topic:         "wikimedia_recent_change",
		CorrelationID: "corr-1",
		Headers:       map[string]string{"sse-id": "abc"},
	}}}
	sk := &mockSink{}
	p, rec := newTestPipeline(t, Config{FlowName: "normalize"}, src, sk, nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sk.received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sk.received))
	}
	msg := sk.received[0]
	if string(msg.event) != string(payload) {
		t.Errorf("event changed: %s", msg.event)
	}
	if msg.headers[correlation.HeaderCorrelationID] != "corr-1" {
		t.Errorf("expected correlation header, got %v", msg.headers)
	}
	if msg.headers["sse-id"] != "abc" {
		t.Errorf("source headers not carried: %v", msg.headers)
	}
	if _, ok := msg.headers[HeaderCEID]; ok {
		t.Error("expected no CloudEvents headers when disabled")
	}
	if rec.count(slog.LevelError) != 0 {
		t.Errorf("expected no error logs, got %d", rec.count(slog.LevelError))
	}
}

func TestPipeline_DoesNotMutateSourceHeaders(t *testing.T) {
	headers := map[string]string{"sse-id": "abc"}
	src := &mockSource{events: []source.Event{{Value: []byte(`{}`), Headers: headers}}}
	p, _ := newTestPipeline(t, Config{FlowName: "produce", CloudEvents: &CloudEventsConfig{}}, src, &mockSink{}, nil)

	_ = p.Run(context.Background())

	if len(headers) != 1 {
		t.Errorf("source headers mutated: %v", headers)
	}
}

func TestPipeline_CloudEventHeaders(t *testing.T) {
	src := &mockSource{events: []source.Event{
		{Value: []byte(`{"title":"Earth","user":"Alice"}`)},
		{Value: []byte(`not json`)},
	}}
	sk := &mockSink{}
	p, _ := newTestPipeline(t, Config{
		FlowName: "produce",
		CloudEvents: &CloudEventsConfig{
			Source: "https://stream.wikimedia.org/v2/stream/recentchange",
		},
	}, src, sk, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	h := sk.received[0].headers
	checks := map[string]string{
		HeaderCESpecVersion: "1.0",
		HeaderCESource:      "https://stream.wikimedia.org/v2/stream/recentchange",
		HeaderCEType:        "org.wikimedia.recentchange",
		HeaderCETime:        "2026-03-04T05:06:07Z",
		HeaderContentType:   "application/json",
		HeaderCESubject:     "Earth",
	}
	for k, want := range checks {
		if h[k] != want {
			t.Errorf("header %s = %q, want %q", k, h[k], want)
		}
	}
	if h[HeaderCEID] == "" || h[HeaderCEID] == sk.received[1].headers[HeaderCEID] {
		t.Error("expected a unique ce_id per event")
	}
	if h[correlation.HeaderCorrelationID] == "" {
		t.Error("expected a generated correlation id")
	}

	if _, ok := sk.received[1].headers[HeaderCESubject]; ok {
		t.Error("expected no subject for a payload without title")
	}
	if string(sk.received[1].event) != "not json" {
		t.Error("payload must be forwarded verbatim")
	}
}

func TestPipeline_DropPolicy_OneErrorLog(t *testing.T) {
	src := &mockSource{events: []source.Event{
		{Value: []byte(`{"title":`), Topic: "wikimedia_recent_change", Offset: 7},
		{Value: []byte(`{"title":"Earth"}`), Topic: "wikimedia_recent_change", Offset: 8},
	}}
	sk := &mockSink{errFn: func(event []byte) error {
		if string(event) == `{"title":` {
			return errInvalid
		}
		return nil
	}}
	p, rec := newTestPipeline(t, Config{FlowName: "normalize"}, src, sk, nil)
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	p.SetMetrics(m)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if src.results[0] != nil || src.results[1] != nil {
		t.Errorf("expected handler to acknowledge both events, got %v", src.results)
	}
	if rec.count(slog.LevelError) != 1 {
		t.Errorf("expected exactly one error log, got %d", rec.count(slog.LevelError))
	}
	if len(sk.received) != 1 {
		t.Errorf("expected the second event to be delivered, got %d", len(sk.received))
	}
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues("normalize", "drop")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("normalize", "success")); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("normalize", "error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestPipeline_DeadLetterPolicy(t *testing.T) {
	tests := []struct {
		name     string
		sinkErr  error
		wantCode string
	}{
		{"invalid payload", errInvalid, CodeInvalidPayload},
		{"store failure", errors.New("insert event: disk full"), CodeDeliveryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockSource{events: []source.Event{{
				Value:         []byte("payload"),
				Topic:         "wikimedia_recent_change",
				Partition:     1,
				Offset:        99,
				CorrelationID: "corr-9",
			}}}
			sk := &mockSink{errFn: func([]byte) error { return tt.sinkErr }}
			pub := &mockPublisher{}
			h := dlq.NewHandler(pub, dlq.WithTopic("wikimedia_recent_change_dlq"))
			p, rec := newTestPipeline(t, Config{FlowName: "normalize", FailurePolicy: PolicyDeadLetter}, src, sk, h)
			m := observability.NewMetrics(prometheus.NewRegistry())
			p.SetMetrics(m)

			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if src.results[0] != nil {
				t.Errorf("expected event to be acknowledged, got %v", src.results[0])
			}
			if rec.count(slog.LevelError) != 1 {
				t.Errorf("expected exactly one error log, got %d", rec.count(slog.LevelError))
			}
			if len(pub.published) != 1 {
				t.Fatalf("expected 1 dead-lettered event, got %d", len(pub.published))
			}
			msg := pub.published[0]
			if msg.topic != "wikimedia_recent_change_dlq" || string(msg.value) != "payload" {
				t.Errorf("unexpected dead letter: %+v", msg)
			}
			if msg.headers[dlq.HeaderErrorCode] != tt.wantCode {
				t.Errorf("error code = %q, want %q", msg.headers[dlq.HeaderErrorCode], tt.wantCode)
			}
			if msg.headers[dlq.HeaderOriginalOffset] != "99" || msg.headers[dlq.HeaderCorrelationID] != "corr-9" {
				t.Errorf("unexpected headers: %v", msg.headers)
			}
			if got := testutil.ToFloat64(m.DLQTotal.WithLabelValues("normalize")); got != 1 {
				t.Errorf("dlq total = %v, want 1", got)
			}
		})
	}
}

func TestPipeline_DeadLetterPublishFailure(t *testing.T) {
	src := &mockSource{events: []source.Event{{Value: []byte("x")}}}
	sk := &mockSink{errFn: func([]byte) error { return errors.New("disk full") }}
	h := dlq.NewHandler(&mockPublisher{err: errors.New("broker down")})
	p, rec := newTestPipeline(t, Config{FlowName: "normalize", FailurePolicy: PolicyDeadLetter}, src, sk, h)

	_ = p.Run(context.Background())

	if src.results[0] != nil {
		t.Errorf("expected event to be acknowledged, got %v", src.results[0])
	}
	if rec.count(slog.LevelError) != 2 {
		t.Errorf("expected delivery and dead-letter failures to be logged, got %d", rec.count(slog.LevelError))
	}
}

func TestPipeline_PropagateErrors(t *testing.T) {
	storeErr := errors.New("insert raw capture: connection refused")
	src := &mockSource{events: []source.Event{{Value: []byte("raw")}}}
	sk := &mockSink{errFn: func([]byte) error { return storeErr }}
	p, rec := newTestPipeline(t, Config{FlowName: "raw", PropagateErrors: true}, src, sk, nil)
	m := observability.NewMetrics(prometheus.NewRegistry())
	p.SetMetrics(m)

	_ = p.Run(context.Background())

	if !errors.Is(src.results[0], storeErr) {
		t.Errorf("expected error returned to source, got %v", src.results[0])
	}
	if rec.count(slog.LevelError) != 1 {
		t.Errorf("expected one error log, got %d", rec.count(slog.LevelError))
	}
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues("raw", "drop")); got != 0 {
		t.Errorf("propagated errors must not count as dropped, got %v", got)
	}
}

func TestPipeline_Shutdown(t *testing.T) {
	pub := &mockPublisher{closeErr: errors.New("dlq close")}
	src := &mockSource{closeErr: errors.New("source close")}
	sk := &mockSink{closeErr: errors.New("sink close")}
	p, _ := newTestPipeline(t, Config{FlowName: "normalize", FailurePolicy: PolicyDeadLetter}, src, sk, dlq.NewHandler(pub))

	err := p.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	for _, want := range []error{src.closeErr, sk.closeErr, pub.closeErr} {
		if !errors.Is(err, want) {
			t.Errorf("expected joined error to wrap %q, got %v", want, err)
		}
	}
}

func TestPipeline_Shutdown_NoDLQ(t *testing.T) {
	p, _ := newTestPipeline(t, Config{FlowName: "produce"}, &mockSource{}, &mockSink{}, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errInvalid, CodeInvalidPayload},
		{fmt.Errorf("normalize: %w", errInvalid), CodeInvalidPayload},
		{errors.New("connection refused"), CodeDeliveryFailed},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestPipeline_FailureRecordsErrorTypeAndTraceIDs(t *testing.T) {
	src := &mockSource{events: []source.Event{{Value: []byte(`{"title":`), Offset: 3}}}
	sk := &mockSink{errFn: func([]byte) error { return errInvalid }}
	p, _ := newTestPipeline(t, Config{FlowName: "normalize"}, src, sk, nil)

	var buf bytes.Buffer
	p.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	p.SetTracer(tp.Tracer("test"))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != tracing.SpanDeliver {
		t.Fatalf("expected one %s span, got %d", tracing.SpanDeliver, len(spans))
	}
	var errType string
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == tracing.AttrErrorType {
			errType = kv.Value.AsString()
		}
	}
	if errType != CodeInvalidPayload {
		t.Errorf("error.type = %q, want %q", errType, CodeInvalidPayload)
	}

	traceID := spans[0].SpanContext().TraceID().String()
	if !strings.Contains(buf.String(), `"trace_id":"`+traceID+`"`) {
		t.Errorf("expected failure log to carry trace_id %s, got %s", traceID, buf.String())
	}
}
