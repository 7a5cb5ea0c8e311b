// Package config loads wikiflow configuration from a YAML file with
// WIKIFLOW_* environment overrides, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/wikiflow/internal/feed"
	"github.com/lsm/wikiflow/internal/kafka"
	"github.com/lsm/wikiflow/internal/pipeline"
)

// Consumer modes.
const (
	ModeNormalize = "normalize"
	ModeRaw       = "raw"
)

const (
	DefaultTopic           = "wikimedia_recent_change"
	DefaultConsumerGroup   = "myGroup"
	DefaultDeadLetterTopic = "wikimedia_recent_change_dlq"
	DefaultMetricsAddr     = ":9090"
)

// Config is the complete wikiflow configuration.
type Config struct {
	Feed        FeedConfig     `yaml:"feed"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	Producer    ProducerConfig `yaml:"producer"`
	Consumer    ConsumerConfig `yaml:"consumer"`
	Database    DatabaseConfig `yaml:"database"`
	Log         LogConfig      `yaml:"log"`
	MetricsAddr string         `yaml:"metricsAddr"`
}

// FeedConfig configures the recent-changes stream.
type FeedConfig struct {
	URL             string        `yaml:"url"`
	SessionDuration time.Duration `yaml:"sessionDuration"`
	UserAgent       string        `yaml:"userAgent,omitempty"`
	MaxEventSize    int           `yaml:"maxEventSize,omitempty"`
}

// KafkaConfig configures the broker and the recent-change topic.
type KafkaConfig struct {
	Cluster           kafka.ClusterConfig `yaml:"cluster"`
	Topic             string              `yaml:"topic"`
	CreateTopic       bool                `yaml:"createTopic"`
	Partitions        int32               `yaml:"partitions"`
	ReplicationFactor int16               `yaml:"replicationFactor"`
}

// ProducerConfig configures the feed-to-Kafka flow.
type ProducerConfig struct {
	CloudEvents bool   `yaml:"cloudEvents"`
	EventSource string `yaml:"eventSource,omitempty"`
	EventType   string `yaml:"eventType,omitempty"`
}

// ConsumerConfig configures the Kafka-to-database flow.
type ConsumerConfig struct {
	Group           string        `yaml:"group"`
	StartOffset     string        `yaml:"startOffset"`
	Mode            string        `yaml:"mode"`
	OnError         string        `yaml:"onError"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	RetryBackoff    time.Duration `yaml:"retryBackoff"`
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"maxOpenConns,omitempty"`
	MaxIdleConns    int           `yaml:"maxIdleConns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file or override sets a value.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:             feed.DefaultURL,
			SessionDuration: feed.DefaultSessionDuration,
		},
		Kafka: KafkaConfig{
			Cluster:           kafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
			Topic:             DefaultTopic,
			CreateTopic:       true,
			Partitions:        -1,
			ReplicationFactor: -1,
		},
		Producer: ProducerConfig{
			CloudEvents: true,
			EventSource: feed.DefaultURL,
			EventType:   "org.wikimedia.recentchange",
		},
		Consumer: ConsumerConfig{
			Group:           DefaultConsumerGroup,
			StartOffset:     "earliest",
			Mode:            ModeNormalize,
			OnError:         string(pipeline.PolicyDrop),
			DeadLetterTopic: DefaultDeadLetterTopic,
			RetryBackoff:    time.Second,
		},
		Log:         LogConfig{Level: "info"},
		MetricsAddr: DefaultMetricsAddr,
	}
}

// Validate checks everything except the database settings, which only the
// consumer needs (see DatabaseConfig.Validate).
func (c *Config) Validate() error {
	var errs []error

	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	} else if u, err := url.Parse(c.Feed.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("feed.url %q must be an absolute http(s) URL", c.Feed.URL))
	}
	if c.Feed.SessionDuration <= 0 {
		errs = append(errs, errors.New("feed.sessionDuration must be positive"))
	}
	if c.Feed.MaxEventSize < 0 {
		errs = append(errs, errors.New("feed.maxEventSize must not be negative"))
	}

	if err := c.Kafka.Cluster.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka.cluster: %w", err))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}

	if c.Consumer.Group == "" {
		errs = append(errs, errors.New("consumer.group is required"))
	}
	if c.Consumer.StartOffset != "earliest" && c.Consumer.StartOffset != "latest" {
		errs = append(errs, fmt.Errorf("consumer.startOffset %q must be earliest or latest", c.Consumer.StartOffset))
	}
	if c.Consumer.Mode != ModeNormalize && c.Consumer.Mode != ModeRaw {
		errs = append(errs, fmt.Errorf("consumer.mode %q must be %s or %s", c.Consumer.Mode, ModeNormalize, ModeRaw))
	}
	policy, err := pipeline.ParseFailurePolicy(c.Consumer.OnError)
	if err != nil {
		errs = append(errs, fmt.Errorf("consumer.onError: %w", err))
	}
	if policy == pipeline.PolicyDeadLetter && c.Consumer.Mode == ModeRaw {
		errs = append(errs, errors.New("consumer.onError dead-letter is not supported in raw mode, which redelivers failed messages"))
	}
	if policy == pipeline.PolicyDeadLetter && c.Consumer.DeadLetterTopic == "" {
		errs = append(errs, errors.New("consumer.deadLetterTopic is required when onError is dead-letter"))
	}
	if c.Consumer.DeadLetterTopic != "" && c.Consumer.DeadLetterTopic == c.Kafka.Topic {
		errs = append(errs, errors.New("consumer.deadLetterTopic must differ from kafka.topic"))
	}

	return errors.Join(errs...)
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	if d.URL == "" {
		return errors.New("database.url is required")
	}
	return nil
}

// Environment variables that override file values.
const (
	EnvFeedURL             = "WIKIFLOW_FEED_URL"
	EnvFeedSession         = "WIKIFLOW_FEED_SESSION_DURATION"
	EnvKafkaBrokers        = "WIKIFLOW_KAFKA_BROKERS"
	EnvKafkaTopic          = "WIKIFLOW_KAFKA_TOPIC"
	EnvKafkaCreateTopic    = "WIKIFLOW_KAFKA_CREATE_TOPIC"
	EnvKafkaUsername       = "WIKIFLOW_KAFKA_USERNAME"
	EnvKafkaPassword       = "WIKIFLOW_KAFKA_PASSWORD"
	EnvConsumerGroup       = "WIKIFLOW_CONSUMER_GROUP"
	EnvConsumerMode        = "WIKIFLOW_CONSUMER_MODE"
	EnvConsumerOnError     = "WIKIFLOW_CONSUMER_ON_ERROR"
	EnvConsumerDLQTopic    = "WIKIFLOW_CONSUMER_DEAD_LETTER_TOPIC"
	EnvDatabaseURL         = "WIKIFLOW_DATABASE_URL"
	EnvLogLevel            = "WIKIFLOW_LOG_LEVEL"
	EnvMetricsAddr         = "WIKIFLOW_METRICS_ADDR"
	EnvConsumerStartOffset = "WIKIFLOW_CONSUMER_START_OFFSET"
	EnvConfigPath          = "WIKIFLOW_CONFIG"
)

// ResolvePath returns flagValue when set, otherwise $WIKIFLOW_CONFIG. An empty
// result means defaults and environment overrides only.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// ApplyEnv overrides c with any WIKIFLOW_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvFeedURL, &c.Feed.URL)
	str(EnvKafkaTopic, &c.Kafka.Topic)
	str(EnvKafkaUsername, &c.Kafka.Cluster.Auth.Username)
	str(EnvKafkaPassword, &c.Kafka.Cluster.Auth.Password)
	str(EnvConsumerGroup, &c.Consumer.Group)
	str(EnvConsumerMode, &c.Consumer.Mode)
	str(EnvConsumerOnError, &c.Consumer.OnError)
	str(EnvConsumerDLQTopic, &c.Consumer.DeadLetterTopic)
	str(EnvConsumerStartOffset, &c.Consumer.StartOffset)
	str(EnvDatabaseURL, &c.Database.URL)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvMetricsAddr, &c.MetricsAddr)

	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Cluster.Brokers = brokers
	}
	if v, ok := lookup(EnvFeedSession); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvFeedSession, err))
		} else {
			c.Feed.SessionDuration = d
		}
	}
	if v, ok := lookup(EnvKafkaCreateTopic); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvKafkaCreateTopic, err))
		} else {
			c.Kafka.CreateTopic = b
		}
	}

	return errors.Join(errs...)
}

// Loader loads and watches one configuration file.
type Loader struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	lookup   func(string) (string, bool)
	logger   *slog.Logger
	onChange []func(*Config)
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment overrides only.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   path,
		lookup: os.LookupEnv,
		logger: logger,
	}
}

// OnChange registers a callback that fires after the file changed and the new
// configuration loaded and validated.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Load reads the file over the defaults, applies environment overrides and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	if err := cfg.ApplyEnv(l.lookup); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.mu.Lock()
	l.current = &cfg
	l.mu.Unlock()

	return &cfg, nil
}

// Current returns the last successfully loaded configuration, or nil.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file whenever it changes until done is closed. The parent
// directory is watched so editors that replace the file are seen. A reload
// that fails keeps the previous configuration.
func (l *Loader) Watch(done <-chan struct{}) error {
	if l.path == "" {
		<-done
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			l.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
			prev := l.Current()
			cfg, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config, keeping previous", "error", err)
				continue
			}
			if RestartRequired(prev, cfg) {
				l.logger.Warn("config changed outside log settings; restart to apply", "path", l.path)
			}
			l.notify(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// RestartRequired reports whether next differs from prev in anything other
// than the log section, which is the only part applied without a restart.
func RestartRequired(prev, next *Config) bool {
	if prev == nil || next == nil {
		return false
	}
	a, b := *prev, *next
	a.Log, b.Log = LogConfig{}, LogConfig{}
	return !reflect.DeepEqual(a, b)
}

func (l *Loader) notify(cfg *Config) {
	l.mu.RLock()
	listeners := append([]func(*Config){}, l.onChange...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}
