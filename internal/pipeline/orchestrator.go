package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/cpcetl/internal/config"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/metrics"
)

// Orchestrator queues pipeline runs and executes them one at a time, so
// two runs never write the same raw or output files concurrently.
type Orchestrator struct {
	runs    *RunStore
	queue   chan *Run
	worker  *Worker
	stats   *fetch.DownloadStats
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires a worker around the given downloader. Call Start
// before submitting runs; Execute works without it.
func NewOrchestrator(cfg config.Config, w *Worker, stats *fetch.DownloadStats, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runs:    NewRunStore(cfg.JobTTL),
		queue:   make(chan *Run, cfg.MaxQueueSize),
		worker:  w,
		stats:   stats,
		metrics: m,
		log:     log,
		cfg:     cfg,
	}
}

// Start launches the worker goroutine and the run store cleanup.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-workerCtx.Done():
				return
			case run, ok := <-o.queue:
				if !ok {
					return
				}
				o.metrics.SetQueueDepth(len(o.queue))
				_ = o.worker.Process(workerCtx, run)
			}
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.runs.Cleanup()
			}
		}
	}()
}

// Stop cancels the running run and waits for the goroutines to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	close(o.queue)
	o.wg.Wait()
}

// Submit queues a run for the background worker.
func (o *Orchestrator) Submit(run *Run) error {
	o.runs.Put(run)
	select {
	case o.queue <- run:
		o.metrics.SetQueueDepth(len(o.queue))
		o.log.Info("run queued", "run_id", run.ID, "trigger", run.Trigger)
		return nil
	default:
		run.AddError("queue full")
		run.SetStatus(StatusFailed, "queue_full")
		return fmt.Errorf("run queue is full (%d)", o.cfg.MaxQueueSize)
	}
}

// Execute runs synchronously on the caller's goroutine.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) error {
	o.runs.Put(run)
	return o.worker.Process(ctx, run)
}

// GetRun returns a run by ID, or nil.
func (o *Orchestrator) GetRun(id string) *Run {
	return o.runs.Get(id)
}

// ListRuns returns every tracked run, newest first.
func (o *Orchestrator) ListRuns() []RunSnapshot {
	return o.runs.List()
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Releases lists the releases available to a run.
func (o *Orchestrator) Releases(ctx context.Context) ([]fetch.Release, error) {
	return o.worker.Releases(ctx)
}

// Prereleases lists the dated pre-release archives.
func (o *Orchestrator) Prereleases(ctx context.Context) ([]fetch.Prerelease, error) {
	return o.worker.Prereleases(ctx)
}

// FetchPrereleases downloads the pre-release archives outside the run queue.
func (o *Orchestrator) FetchPrereleases(ctx context.Context, force bool) ([]fetch.Artifact, error) {
	return o.worker.FetchPrereleases(ctx, force)
}

// DownloadStats returns rolling transfer statistics.
func (o *Orchestrator) DownloadStats() fetch.StatsSnapshot {
	if o.stats == nil {
		return fetch.StatsSnapshot{}
	}
	return o.stats.Snapshot()
}
