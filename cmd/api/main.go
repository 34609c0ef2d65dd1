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

	"github.com/joho/godotenv"

	"github.com/jmalhotra/crashlake/internal/api"
	"github.com/jmalhotra/crashlake/internal/config"
	"github.com/jmalhotra/crashlake/internal/extract"
	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store"
	vk "github.com/jmalhotra/crashlake/internal/store/valkey"
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

	ctx := context.Background()
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

	deps := api.RouterDeps{
		Registry:     reg,
		ExtractQueue: cfg.Rabbit.ExtractQueue,
	}

	// MinIO (optional — enables artifact purge)
	objects, err := objstore.NewClient(cfg.MinIO)
	if err != nil {
		logger.Warn("minio connection failed, artifact purge disabled", slog.String("error", err.Error()))
	} else {
		deps.Objects = objects
		logger.Info("connected to minio")
	}

	// RabbitMQ (optional — enables manual run triggers)
	qc, err := queue.Dial(cfg.Rabbit.URL, logger)
	if err != nil {
		logger.Warn("rabbitmq connection failed, run triggers disabled", slog.String("error", err.Error()))
	} else {
		deps.Publisher = qc
		defer qc.Close()
		logger.Info("connected to rabbitmq")
	}

	// Valkey (optional — enables schema inspection endpoints)
	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Warn("valkey connection failed, schema endpoints disabled", slog.String("error", err.Error()))
	} else {
		source := extract.NewSocrataClient(cfg.Socrata)
		deps.Schema = extract.NewCachedSchemaProvider(source, extract.DefaultDatasetIDs(), vkClient, cfg.Socrata.SchemaTTL, logger)
		defer vkClient.Close()
		logger.Info("connected to valkey")
	}

	router := api.NewRouter(logger, s, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting API server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}
