package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/cpcetl/internal/cpc"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/merge"
	"github.com/dgallion1/cpcetl/internal/parser"
)

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	StatusQueued      RunStatus = "queued"
	StatusResolving   RunStatus = "resolving"
	StatusDownloading RunStatus = "downloading"
	StatusParsing     RunStatus = "parsing"
	StatusExporting   RunStatus = "exporting"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
)

// Terminal reports whether no further transitions will happen.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run tracks the state of a single pipeline execution.
type Run struct {
	mu sync.Mutex

	ID      string            `json:"run_id"`
	Trigger string            `json:"trigger"`
	Version cpc.SchemaVersion `json:"version"`

	Status RunStatus `json:"status"`
	Phase  string    `json:"phase"`

	Progress Progress `json:"progress"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// Internal: not serialized.
	opts   Options
	errors []string
}

// Progress collects what each stage produced.
type Progress struct {
	Archives []fetch.Artifact        `json:"archives"`
	Parse    map[string]parser.Stats `json:"parse"`
	Merge    *merge.Report           `json:"merge,omitempty"`
	Outputs  []string                `json:"outputs"`
	Errors   []string                `json:"errors"`
}

// NewRun creates a queued run with a time-ordered ID.
func NewRun(trigger string, opts Options) *Run {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := time.Now()
	return &Run{
		ID:        id.String(),
		Trigger:   trigger,
		Version:   opts.Version,
		Status:    StatusQueued,
		Phase:     "queued",
		CreatedAt: now,
		UpdatedAt: now,
		opts:      opts,
	}
}

// Options returns the settings the run was submitted with.
func (r *Run) Options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// SetStatus updates run status atomically.
func (r *Run) SetStatus(status RunStatus, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
	r.Phase = phase
	r.UpdatedAt = time.Now()
	if status.Terminal() {
		r.FinishedAt = r.UpdatedAt
	}
}

// SetVersion records the release the run resolved to.
func (r *Run) SetVersion(v cpc.SchemaVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Version = v
	r.UpdatedAt = time.Now()
}

// AddError records an error.
func (r *Run) AddError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
	r.Progress.Errors = r.errors
	r.UpdatedAt = time.Now()
}

// AddArchive records a fetched archive.
func (r *Run) AddArchive(a fetch.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress.Archives = append(r.Progress.Archives, a)
	r.UpdatedAt = time.Now()
}

// SetParseStats records the tallies of one parsed source.
func (r *Run) SetParseStats(source string, st parser.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Progress.Parse == nil {
		r.Progress.Parse = make(map[string]parser.Stats)
	}
	r.Progress.Parse[source] = st
	r.UpdatedAt = time.Now()
}

// SetMergeReport records the merge outcome.
func (r *Run) SetMergeReport(rep merge.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress.Merge = &rep
	r.UpdatedAt = time.Now()
}

// AddOutput records an exported file.
func (r *Run) AddOutput(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress.Outputs = append(r.Progress.Outputs, path)
	r.UpdatedAt = time.Now()
}

// ClearOutputs forgets exported files after they were removed.
func (r *Run) ClearOutputs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress.Outputs = nil
	r.UpdatedAt = time.Now()
}

// RunSnapshot is a read-only, JSON-safe copy of run state.
type RunSnapshot struct {
	ID         string            `json:"run_id"`
	Trigger    string            `json:"trigger"`
	Version    cpc.SchemaVersion `json:"version"`
	Status     RunStatus         `json:"status"`
	Phase      string            `json:"phase"`
	Progress   Progress          `json:"progress"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// Snapshot returns a JSON-safe copy of the run state.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	parse := make(map[string]parser.Stats, len(r.Progress.Parse))
	for k, v := range r.Progress.Parse {
		parse[k] = v
	}
	var rep *merge.Report
	if r.Progress.Merge != nil {
		cp := *r.Progress.Merge
		rep = &cp
	}
	errs := slices.Clone(r.Progress.Errors)
	if errs == nil {
		errs = []string{}
	}
	outputs := slices.Clone(r.Progress.Outputs)
	if outputs == nil {
		outputs = []string{}
	}
	archives := slices.Clone(r.Progress.Archives)
	if archives == nil {
		archives = []fetch.Artifact{}
	}
	return RunSnapshot{
		ID:      r.ID,
		Trigger: r.Trigger,
		Version: r.Version,
		Status:  r.Status,
		Phase:   r.Phase,
		Progress: Progress{
			Archives: archives,
			Parse:    parse,
			Merge:    rep,
			Outputs:  outputs,
			Errors:   errs,
		},
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		FinishedAt: r.FinishedAt,
	}
}

// RunStore is a thread-safe in-memory run registry with TTL eviction.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	ttl  time.Duration
}

func NewRunStore(ttl time.Duration) *RunStore {
	return &RunStore{
		runs: make(map[string]*Run),
		ttl:  ttl,
	}
}

func (s *RunStore) Put(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

func (s *RunStore) Get(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// List returns snapshots of every tracked run, newest first.
func (s *RunStore) List() []RunSnapshot {
	s.mu.Lock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]RunSnapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	slices.SortFunc(out, func(a, b RunSnapshot) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// Cleanup removes finished runs older than the TTL. Active runs are kept.
func (s *RunStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, run := range s.runs {
		run.mu.Lock()
		expired := run.Status.Terminal() && now.Sub(run.UpdatedAt) > s.ttl
		run.mu.Unlock()
		if expired {
			delete(s.runs, id)
		}
	}
}
