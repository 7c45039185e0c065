package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llhls-buffer/internal/hls"
	"llhls-buffer/internal/platform/config"
	"llhls-buffer/internal/platform/logger"
	"llhls-buffer/internal/platform/metrics"
	"llhls-buffer/internal/stream"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	settings, err := config.StreamSettings()
	if err != nil {
		log.Error("invalid stream settings", "error", err)
		os.Exit(1)
	}

	repo := hls.NewInMemoryRepository(settings, stream.NewProviders(), log)
	met := metrics.New()
	svc := hls.NewService(repo, settings, log, met)
	h := hls.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(repo.ActiveStreamCount()) }).ServeHTTP(w, r)
	})
	h.Mount(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"ll_hls", settings.LLHLS,
		"target_part_duration", settings.TargetPartDuration,
		"min_segment_duration", settings.MinSegmentDuration,
		"output_capacity", settings.OutputCapacity,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
