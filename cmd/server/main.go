package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgallion1/cpcetl/internal/api"
	"github.com/dgallion1/cpcetl/internal/archive"
	"github.com/dgallion1/cpcetl/internal/config"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/metrics"
	"github.com/dgallion1/cpcetl/internal/pipeline"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.ValidateServer(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients.
	m := metrics.New(prometheus.DefaultRegisterer)
	stats := fetch.NewDownloadStats(24 * time.Hour)
	downloader := fetch.NewHTTPDownloader(cfg.HTTPTimeout, log)

	// Initialize pipeline.
	worker := pipeline.NewWorker(cfg, downloader, archive.ZipDepackager{}, stats, m, log)
	orch := pipeline.NewOrchestrator(cfg, worker, stats, m, log)
	orch.Start(ctx)

	// Initialize HTTP server.
	srv := api.NewServer(orch, prometheus.DefaultGatherer, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		downloader.Close()
	}()

	log.Info("starting cpcetl", "port", cfg.Port, "data_dir", cfg.DataDir, "source", cfg.BulkPageURL())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
