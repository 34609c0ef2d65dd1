package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmalhotra/crashlake/internal/clean"
	"github.com/jmalhotra/crashlake/internal/config"
	"github.com/jmalhotra/crashlake/internal/extract"
	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store"
	vk "github.com/jmalhotra/crashlake/internal/store/valkey"
	"github.com/jmalhotra/crashlake/internal/transform"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = logger.With(slog.String("consumer", cfg.Worker.ConsumerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := store.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	s := store.New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := registry.New(s, logger)

	// MinIO
	objects, err := objstore.NewClient(cfg.MinIO)
	if err != nil {
		logger.Error("failed to connect to minio", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logger.Error("failed to ensure bucket", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("connected to minio", slog.String("bucket", objects.Bucket()))

	// Valkey
	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("failed to connect to valkey", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()
	logger.Info("connected to valkey")

	// RabbitMQ
	qc, err := queue.Dial(cfg.Rabbit.URL, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer qc.Close()
	logger.Info("connected to rabbitmq")

	// Source API and schema cache
	source := extract.NewSocrataClient(cfg.Socrata)
	datasets := extract.DefaultDatasetIDs()
	schema := extract.NewCachedSchemaProvider(source, datasets, vkClient, cfg.Socrata.SchemaTTL, logger)

	extractStage := extract.NewStage(extract.StageParams{
		Source:         source,
		Schema:         schema,
		Datasets:       datasets,
		Objects:        objects,
		Registry:       reg,
		Locker:         reg,
		Publisher:      qc,
		TransformQueue: cfg.Rabbit.TransformQueue,
		EnrichWorkers:  cfg.Worker.EnrichWorkers,
		IDBatchSize:    cfg.Worker.IDBatchSize,
		Logger:         logger,
	})

	transformStage := transform.NewStage(transform.StageParams{
		Objects:    objects,
		Registry:   reg,
		Locker:     reg,
		Publisher:  qc,
		CleanQueue: cfg.Rabbit.CleanQueue,
		Logger:     logger,
	})

	cleanStage := clean.NewStage(clean.StageParams{
		Objects:        objects,
		Registry:       reg,
		Locker:         reg,
		Gold:           s,
		ConflictPolicy: cfg.Gold.ConflictPolicy,
		Logger:         logger,
	})

	// A dead-lettered message means the run is not recoverable by retry;
	// record the terminal failure so the registry agrees with the broker.
	onDead := func(ctx context.Context, env queue.Envelope, cat pipeline.Category, cause error) {
		if err := reg.Fail(ctx, env.CorrID, cat, cause.Error()); err != nil {
			logger.Error("failed to mark run failed",
				slog.String("corrid", env.CorrID.String()),
				slog.String("error", err.Error()))
		}
	}

	// Metrics and liveness; the stage counters live in this process.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	consumers := []struct {
		queue   string
		handler queue.Handler
	}{
		{cfg.Rabbit.ExtractQueue, extractStage.Handle},
		{cfg.Rabbit.TransformQueue, transformStage.Handle},
		{cfg.Rabbit.CleanQueue, cleanStage.Handle},
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := qc.Consume(ctx, c.queue, cfg.Rabbit.MaxRetries, cfg.Rabbit.Prefetch, c.handler, onDead); err != nil {
				logger.Error("consumer stopped", slog.String("queue", c.queue), slog.String("error", err.Error()))
				stop()
			}
		}()
	}
	logger.Info("worker started",
		slog.String("extract_queue", cfg.Rabbit.ExtractQueue),
		slog.String("transform_queue", cfg.Rabbit.TransformQueue),
		slog.String("clean_queue", cfg.Rabbit.CleanQueue))

	<-ctx.Done()
	logger.Info("shutting down worker")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("worker stopped")
}
