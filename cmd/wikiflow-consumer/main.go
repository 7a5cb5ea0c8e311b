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
	"github.com/lsm/wikiflow/internal/dlq"
	"github.com/lsm/wikiflow/internal/observability"
	"github.com/lsm/wikiflow/internal/pipeline"
	"github.com/lsm/wikiflow/internal/retry"
	"github.com/lsm/wikiflow/internal/sink"
	"github.com/lsm/wikiflow/internal/sink/database"
	kafkasource "github.com/lsm/wikiflow/internal/source/kafka"
	"github.com/lsm/wikiflow/internal/store"
	"github.com/lsm/wikiflow/internal/store/postgres"
	"github.com/lsm/wikiflow/internal/tracing"
)

const serviceName = "wikiflow-consumer"

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
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
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

	var st *postgres.PostgresStore
	err = retry.Do(ctx, retry.StartupPolicy(), "open store", logger, func(ctx context.Context) error {
		var err error
		st, err = postgres.New(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()
	st.SetTracer(tracer)

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()
	health.AddCheck("database", st.Ping)

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

	p, err := buildPipeline(cfg, st, logger, metrics, tracer)
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
	logger.Info("consuming recent changes",
		"topic", cfg.Kafka.Topic,
		"group", cfg.Consumer.Group,
		"mode", cfg.Consumer.Mode,
	)

	// Run pipeline until shutdown
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

func buildPipeline(cfg *config.Config, st store.Store, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) (*pipeline.Pipeline, error) {
	pcfg := pipeline.Config{FlowName: "recentchange-" + cfg.Consumer.Mode}

	var sk sink.Sink
	switch cfg.Consumer.Mode {
	case config.ModeRaw:
		rc, err := database.NewRawCapture(st, logger)
		if err != nil {
			return nil, err
		}
		sk = rc
		// Unpersisted raw messages stay uncommitted and are read again.
		pcfg.PropagateErrors = true
	case config.ModeNormalize:
		n, err := database.NewNormalizer(st, logger)
		if err != nil {
			return nil, err
		}
		sk = n
		policy, err := pipeline.ParseFailurePolicy(cfg.Consumer.OnError)
		if err != nil {
			return nil, err
		}
		pcfg.FailurePolicy = policy
	default:
		return nil, fmt.Errorf("unknown consumer mode %q", cfg.Consumer.Mode)
	}

	var dlqHandler *dlq.Handler
	if pcfg.FailurePolicy == pipeline.PolicyDeadLetter {
		pub, err := kafkasource.NewPublisher(&cfg.Kafka.Cluster)
		if err != nil {
			return nil, fmt.Errorf("dlq publisher: %w", err)
		}
		dlqHandler = dlq.NewHandler(pub, dlq.WithTopic(cfg.Consumer.DeadLetterTopic))
	}

	src, err := kafkasource.NewSource(kafkasource.Config{
		Cluster:       &cfg.Kafka.Cluster,
		Topic:         cfg.Kafka.Topic,
		ConsumerGroup: cfg.Consumer.Group,
		StartOffset:   cfg.Consumer.StartOffset,
		RetryBackoff:  cfg.Consumer.RetryBackoff,
	}, logger)
	if err != nil {
		if dlqHandler != nil {
			_ = dlqHandler.Close()
		}
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	src.SetTracer(tracer)

	p, err := pipeline.New(pcfg, src, sk, dlqHandler)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	p.SetLogger(logger)
	p.SetMetrics(metrics)
	p.SetTracer(tracer)
	return p, nil
}
