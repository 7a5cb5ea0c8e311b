package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/wikiflow/internal/config"
	"github.com/lsm/wikiflow/internal/feed"
	"github.com/lsm/wikiflow/internal/kafka"
	"github.com/lsm/wikiflow/internal/observability"
	"github.com/lsm/wikiflow/internal/pipeline"
	"github.com/lsm/wikiflow/internal/retry"
	kafkasink "github.com/lsm/wikiflow/internal/sink/kafka"
	"github.com/lsm/wikiflow/internal/tracing"
)

const serviceName = "wikiflow-producer"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level := new(slog.LevelVar)
	logger := observability.NewLogger(serviceName, level)
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(config.ResolvePath(""), logger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(observability.GetLogLevel(cfg.Log.Level))
	loader.OnChange(func(c *config.Config) {
		level.Set(observability.GetLogLevel(c.Log.Level))
		logger.Info("log level updated", "level", level.Level().String())
	})

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig(serviceName), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	if cfg.Kafka.CreateTopic {
		spec := kafka.TopicSpec{
			Name:              cfg.Kafka.Topic,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
		}
		err := retry.Do(ctx, retry.StartupPolicy(), "ensure topic", logger, func(ctx context.Context) error {
			return kafka.EnsureTopic(ctx, &cfg.Kafka.Cluster, spec, logger)
		})
		if err != nil {
			return fmt.Errorf("ensure topic: %w", err)
		}
	}

	p, err := buildPipeline(cfg, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	// Start config watcher
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	health.SetReady(true)
	logger.Info("streaming recent changes",
		"url", cfg.Feed.URL,
		"topic", cfg.Kafka.Topic,
		"session", cfg.Feed.SessionDuration.String(),
	)

	// Blocks until the session elapses or a signal arrives
	pipelineErr := p.Run(ctx)
	if ctx.Err() != nil {
		pipelineErr = nil
	}

	// Graceful shutdown
	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return pipelineErr
}

func buildPipeline(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) (*pipeline.Pipeline, error) {
	src, err := feed.NewSource(feed.Config{
		URL:             cfg.Feed.URL,
		SessionDuration: cfg.Feed.SessionDuration,
		UserAgent:       cfg.Feed.UserAgent,
		MaxEventSize:    cfg.Feed.MaxEventSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("feed source: %w", err)
	}
	src.SetReconnectCounter(metrics.FeedReconnects)
	src.SetTracer(tracer)

	sk, err := kafkasink.NewSink(kafkasink.Config{
		Cluster: &cfg.Kafka.Cluster,
		Topic:   cfg.Kafka.Topic,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	sk.SetTracer(tracer)

	pcfg := pipeline.Config{
		FlowName:      "recentchange-producer",
		FailurePolicy: pipeline.PolicyDrop,
	}
	if cfg.Producer.CloudEvents {
		pcfg.CloudEvents = &pipeline.CloudEventsConfig{
			Source: cfg.Producer.EventSource,
			Type:   cfg.Producer.EventType,
		}
	}

	p, err := pipeline.New(pcfg, src, sk, nil)
	if err != nil {
		_ = sk.Close()
		return nil, err
	}
	p.SetLogger(logger)
	p.SetMetrics(metrics)
	p.SetTracer(tracer)
	return p, nil
}
