// Command cpcetl downloads one CPC bulk-data release, merges titles with
// definitions, validates every symbol and writes the joined table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgallion1/cpcetl/internal/archive"
	"github.com/dgallion1/cpcetl/internal/config"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/metrics"
	"github.com/dgallion1/cpcetl/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	fs := flag.NewFlagSet("cpcetl", flag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory for raw/ and output/")
	fs.StringVar(&cfg.Version, "version", cfg.Version, "release to process as YYYYMM (default: latest)")
	fs.BoolVar(&cfg.ForceDownload, "force", cfg.ForceDownload, "download archives even if they exist locally")
	fs.StringVar(&cfg.ExportFormats, "format", cfg.ExportFormats, "comma-separated output formats: csv, parquet")
	fs.StringVar(&cfg.DuplicatePolicy, "duplicates", cfg.DuplicatePolicy, "duplicate title policy: first, last, flag")
	fs.StringVar(&cfg.OrphanPolicy, "orphans", cfg.OrphanPolicy, "definition-only symbol policy: drop, emit")
	fs.BoolVar(&cfg.ExportValidSubset, "valid-subset", cfg.ExportValidSubset, "also write cpc_data_* with valid rows only")
	fs.BoolVar(&cfg.UseValidityFile, "validity", cfg.UseValidityFile, "use the validity file to detect retired symbols")
	fs.BoolVar(&cfg.UseSymbolList, "symbol-list", cfg.UseSymbolList, "check symbols against the published symbol list")
	prereleases := fs.Bool("prereleases", false, "download the dated pre-release archives instead of running the pipeline")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return 2
	}
	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		log.Error("invalid options", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics are recorded but not served in one-shot mode.
	m := metrics.New(prometheus.NewRegistry())
	stats := fetch.NewDownloadStats(24 * time.Hour)
	downloader := fetch.NewHTTPDownloader(cfg.HTTPTimeout, log)
	defer downloader.Close()

	worker := pipeline.NewWorker(cfg, downloader, archive.ZipDepackager{}, stats, m, log)
	orch := pipeline.NewOrchestrator(cfg, worker, stats, m, log)

	if *prereleases {
		arts, err := orch.FetchPrereleases(ctx, cfg.ForceDownload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cpcetl:", err)
			return 1
		}
		for _, a := range arts {
			fmt.Fprintf(os.Stderr, "%s\t%d\tcached=%t\n", a.Path, a.Size, a.Cached)
		}
		return 0
	}

	r := pipeline.NewRun("cli", opts)
	if err := orch.Execute(ctx, r); err != nil {
		fmt.Fprintln(os.Stderr, "cpcetl:", err)
		return 1
	}
	fmt.Fprint(os.Stderr, pipeline.RenderReport(r.Snapshot()))
	return 0
}
