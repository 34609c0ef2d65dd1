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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmalhotra/crashlake/internal/config"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/scheduler"
	"github.com/jmalhotra/crashlake/internal/store"
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
	reg := registry.New(s, logger)

	// RabbitMQ
	qc, err := queue.Dial(cfg.Rabbit.URL, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer qc.Close()
	logger.Info("connected to rabbitmq")

	sched := scheduler.New(scheduler.Params{
		Schedules:    s,
		Registry:     reg,
		Publisher:    qc,
		ExtractQueue: cfg.Rabbit.ExtractQueue,
		Interval:     cfg.Schedule.TickInterval,
		Logger:       logger,
	})

	// Metrics and liveness on the server port; the scheduler has no API.
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

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("scheduler stopped")
}
