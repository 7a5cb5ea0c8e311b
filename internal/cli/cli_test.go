package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/wikiflow/internal/config"
	"github.com/lsm/wikiflow/internal/kafka"
	"github.com/lsm/wikiflow/internal/store"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validConfig = `
kafka:
  cluster:
    brokers: ["kafka:9092"]
  topic: recent
database:
  url: postgres://wikiflow@localhost/wikiflow?sslmode=disable
`

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

type fakeStore struct {
	stats  store.Stats
	err    error
	closed bool
}

func (f *fakeStore) Stats(context.Context) (store.Stats, error) { return f.stats, f.err }
func (f *fakeStore) Close() error                               { f.closed = true; return nil }

func stubStore(t *testing.T, st *fakeStore, openErr error) *config.DatabaseConfig {
	t.Helper()
	var got config.DatabaseConfig
	orig := openStoreFunc
	openStoreFunc = func(_ context.Context, cfg config.DatabaseConfig) (storeHandle, error) {
		got = cfg
		if openErr != nil {
			return nil, openErr
		}
		return st, nil
	}
	t.Cleanup(func() { openStoreFunc = orig })
	return &got
}

type fakePublisher struct {
	mu        sync.Mutex
	topics    []string
	values    []string
	publishFn func(n int) error
	closed    bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _, value []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishFn != nil {
		if err := f.publishFn(len(f.values)); err != nil {
			return err
		}
	}
	f.topics = append(f.topics, topic)
	f.values = append(f.values, string(value))
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func stubPublisher(t *testing.T, pub *fakePublisher) *[]string {
	t.Helper()
	var brokers []string
	orig := newPublisherFunc
	newPublisherFunc = func(cluster *kafka.ClusterConfig) (publisher, error) {
		brokers = cluster.Brokers
		return pub, nil
	}
	t.Cleanup(func() { newPublisherFunc = orig })
	return &brokers
}

func TestValidate_Valid(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)

	out, _, err := runCommand(t, "validate", "--config", path, "--consumer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Configuration is valid.", "kafka:9092 topic=recent", "database:  configured"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_ReportsEveryError(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", `
kafka:
  topic: ""
consumer:
  mode: archive
`)

	_, stderr, err := runCommand(t, "validate", "--config", path)
	if err == nil || err.Error() != "2 validation error(s) found" {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"field: kafka.topic", "field: consumer.mode"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr missing %q:\n%s", want, stderr)
		}
	}
}

func TestValidate_ConsumerRequiresDatabase(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", "log:\n  level: debug\n")

	if _, _, err := runCommand(t, "validate", "--config", path); err != nil {
		t.Fatalf("producer settings should be valid: %v", err)
	}
	_, stderr, err := runCommand(t, "validate", "--config", path, "--consumer")
	if err == nil {
		t.Fatal("expected error without database.url")
	}
	if !strings.Contains(stderr, "field: database.url") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	_, stderr, err := runCommand(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(stderr, "read config") {
		t.Errorf("expected read error, got %v / %s", err, stderr)
	}
}

func TestMigrate(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	st := &fakeStore{}
	got := stubStore(t, st, nil)

	out, _, err := runCommand(t, "migrate", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("output = %q", out)
	}
	if got.URL != "postgres://wikiflow@localhost/wikiflow?sslmode=disable" {
		t.Errorf("store opened with %+v", *got)
	}
	if !st.closed {
		t.Error("expected store to be closed")
	}
}

func TestMigrate_OpenError(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	stubStore(t, nil, errors.New("connection refused"))

	_, _, err := runCommand(t, "migrate", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStats_Table(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	stubStore(t, &fakeStore{stats: store.Stats{Pages: 1, Users: 2, Events: 3, RawCaptures: 4}}, nil)

	out, _, err := runCommand(t, "stats", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"TABLE", "pages         1", "users         2", "events        3", "raw_captures  4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStats_JSON(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	want := store.Stats{Pages: 10, Users: 7, Events: 25}
	stubStore(t, &fakeStore{stats: want}, nil)

	out, _, err := runCommand(t, "stats", "--config", path, "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got store.Stats
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid json %q: %v", out, err)
	}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

func TestStats_Error(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	st := &fakeStore{err: errors.New("timeout")}
	stubStore(t, st, nil)

	_, _, err := runCommand(t, "stats", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "stats: timeout") {
		t.Errorf("unexpected error: %v", err)
	}
	if !st.closed {
		t.Error("expected store to be closed after error")
	}
}

func TestStats_RequiresDatabase(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", "")
	stubStore(t, &fakeStore{}, nil)

	_, _, err := runCommand(t, "stats", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "database.url") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProduce_InlineJSON(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	pub := &fakePublisher{}
	brokers := stubPublisher(t, pub)

	out, _, err := runCommand(t, "produce", "--config", path, "--json", `{"title":"Earth"}`, "--count", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.values) != 3 {
		t.Fatalf("expected 3 events, got %d", len(pub.values))
	}
	for i := range pub.values {
		if pub.topics[i] != "recent" || pub.values[i] != `{"title":"Earth"}` {
			t.Errorf("event %d = %s %s", i, pub.topics[i], pub.values[i])
		}
	}
	if len(*brokers) != 1 || (*brokers)[0] != "kafka:9092" {
		t.Errorf("publisher brokers = %v", *brokers)
	}
	if !pub.closed {
		t.Error("expected publisher to be closed")
	}
	if !strings.Contains(out, "Produced 3 event(s) to recent") {
		t.Errorf("output = %q", out)
	}
}

func TestProduce_FileWithTopicOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "wikiflow.yaml", validConfig)
	events := writeTestFile(t, dir, "changes.jsonl", "{\"id\":1}\n\n  {\"id\":2}  \n{\"id\":3}\n")
	pub := &fakePublisher{}
	stubPublisher(t, pub)

	if _, _, err := runCommand(t, "produce", "--config", path, "--file", events, "--topic", "replay"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(pub.values, ",") != `{"id":1},{"id":2},{"id":3}` {
		t.Errorf("values = %v", pub.values)
	}
	if pub.topics[0] != "replay" {
		t.Errorf("topic = %q", pub.topics[0])
	}
}

func TestProduce_FileCountLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "wikiflow.yaml", validConfig)
	events := writeTestFile(t, dir, "changes.jsonl", "{\"id\":1}\n{\"id\":2}\n{\"id\":3}\n")
	pub := &fakePublisher{}
	stubPublisher(t, pub)

	if _, _, err := runCommand(t, "produce", "--config", path, "--file", events, "--count", "2", "--rate", "1000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.values) != 2 {
		t.Errorf("expected 2 events, got %d", len(pub.values))
	}
}

func TestProduce_Errors(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "wikiflow.yaml", validConfig)
	badLine := writeTestFile(t, dir, "bad.jsonl", "{\"id\":1}\n{not json\n")
	empty := writeTestFile(t, dir, "empty.jsonl", "\n\n")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no data", nil, "either --file or --json"},
		{"both", []string{"--file", badLine, "--json", "{}"}, "both"},
		{"negative count", []string{"--json", "{}", "--count=-1"}, "--count"},
		{"invalid inline", []string{"--json", "{"}, "invalid json"},
		{"invalid line", []string{"--file", badLine}, "line 2"},
		{"empty file", []string{"--file", empty}, "no events"},
		{"missing file", []string{"--file", filepath.Join(dir, "missing.jsonl")}, "open file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubPublisher(t, &fakePublisher{})
			args := append([]string{"produce", "--config", path}, tt.args...)
			_, _, err := runCommand(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProduce_PublishError(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	pub := &fakePublisher{publishFn: func(n int) error {
		if n == 1 {
			return errors.New("broker down")
		}
		return nil
	}}
	stubPublisher(t, pub)

	_, _, err := runCommand(t, "produce", "--config", path, "--json", "{}", "--count", "3")
	if err == nil || !strings.Contains(err.Error(), "publish event 2: broker down") {
		t.Errorf("unexpected error: %v", err)
	}
}

// mockKafkaConsumer returns one queued fetch per poll and blocks until the
// context is done once the queue is empty.
type mockKafkaConsumer struct {
	mu      sync.Mutex
	fetches []kgo.Fetches
	closed  bool
}

func (m *mockKafkaConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	m.mu.Lock()
	if len(m.fetches) > 0 {
		f := m.fetches[0]
		m.fetches = m.fetches[1:]
		m.mu.Unlock()
		return f
	}
	m.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

func (m *mockKafkaConsumer) Close() { m.closed = true }

func fetchOf(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      records[0].Topic,
		Partitions: []kgo.FetchPartition{{Partition: records[0].Partition, Records: records}},
	}}}}
}

func record(offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     "recent",
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func stubConsumer(t *testing.T, m *mockKafkaConsumer) *string {
	t.Helper()
	var topic string
	orig := createKafkaClientFunc
	createKafkaClientFunc = func(_ *kafka.ClusterConfig, tp string, _ bool) (kafkaConsumer, error) {
		topic = tp
		return m, nil
	}
	t.Cleanup(func() { createKafkaClientFunc = orig })
	return &topic
}

func TestTail_StopsAtMaxMessages(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	m := &mockKafkaConsumer{fetches: []kgo.Fetches{
		fetchOf(record(0, `{"title":"Earth"}`), record(1, `{"title":"Mars"}`)),
		fetchOf(record(2, `{"title":"Venus"}`)),
	}}
	topic := stubConsumer(t, m)

	out, _, err := runCommand(t, "tail", "--config", path, "--max-messages", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *topic != "recent" {
		t.Errorf("topic = %q", *topic)
	}
	if !strings.Contains(out, "Mars") || strings.Contains(out, "Venus") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "Consumed 2 message(s)") {
		t.Errorf("missing summary:\n%s", out)
	}
	if !m.closed {
		t.Error("expected client to be closed")
	}
}

func TestTail_InvalidMaxMessages(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "wikiflow.yaml", validConfig)
	stubConsumer(t, &mockKafkaConsumer{})

	_, _, err := runCommand(t, "tail", "--config", path, "--max-messages", "0")
	if err == nil || !strings.Contains(err.Error(), "--max-messages") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConsumeRecords_StopsOnContext(t *testing.T) {
	m := &mockKafkaConsumer{fetches: []kgo.Fetches{fetchOf(record(0, "plain text"))}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	n, err := consumeRecords(ctx, &out, &bytes.Buffer{}, m, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
	if !strings.Contains(out.String(), "Value:     plain text") {
		t.Errorf("output = %s", out.String())
	}
}

func TestPrintRecord_SortsHeaders(t *testing.T) {
	r := record(7, `{"a":1}`)
	r.Headers = []kgo.RecordHeader{
		{Key: "wikiflow-correlation-id", Value: []byte("abc")},
		{Key: "ce_type", Value: []byte("org.wikimedia.recentchange")},
	}

	var out bytes.Buffer
	printRecord(&out, r)

	s := out.String()
	ce := strings.Index(s, "ce_type")
	corr := strings.Index(s, "wikiflow-correlation-id")
	if ce < 0 || corr < 0 || ce > corr {
		t.Errorf("headers not sorted:\n%s", s)
	}
	if !strings.Contains(s, "Offset:    7") || !strings.Contains(s, `"a": 1`) {
		t.Errorf("unexpected output:\n%s", s)
	}
}

func TestSplitErrors(t *testing.T) {
	joined := fmt.Errorf("invalid config: %w", errors.Join(
		errors.New("kafka.topic is required"),
		errors.New("consumer.mode \"x\" must be normalize or raw"),
	))
	got := splitErrors(joined)
	if len(got) != 2 || got[0] != "kafka.topic is required" {
		t.Errorf("splitErrors = %q", got)
	}
	if got := splitErrors(errors.New("read config x: no such file")); len(got) != 1 {
		t.Errorf("plain error should stay whole, got %q", got)
	}
	if splitErrors(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestInferField(t *testing.T) {
	tests := map[string]string{
		"kafka.topic is required":           "kafka.topic",
		"kafka.cluster: brokers is required": "kafka.cluster",
		"read config x: no such file":        "-",
		"":                                   "-",
	}
	for msg, want := range tests {
		if got := inferField(msg); got != want {
			t.Errorf("inferField(%q) = %q, want %q", msg, got, want)
		}
	}
}
