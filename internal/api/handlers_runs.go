package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/cpcetl/internal/pipeline"
)

// maxOptionsBytes bounds the run options body.
const maxOptionsBytes = 64 << 10

// runIDHeader carries the ID of a run created by the request.
const runIDHeader = "X-Run-ID"

// handleCreateRun queues a pipeline run. The optional JSON body overrides
// the configured run options field by field.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	opts, err := pipeline.OptionsFromConfig(s.cfg)
	if err != nil {
		jsonError(w, "invalid server configuration: "+err.Error(), http.StatusInternalServerError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxOptionsBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid run options: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := opts.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run := pipeline.NewRun("api", opts)
	if err := s.orchestrator.Submit(run); err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(runIDHeader, run.ID)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"run_id":     run.ID,
		"status":     run.Snapshot().Status,
		"options":    opts,
		"poll_url":   fmt.Sprintf("/api/runs/%s/status", run.ID),
		"report_url": fmt.Sprintf("/api/runs/%s/report", run.ID),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"runs":        s.orchestrator.ListRuns(),
		"queue_depth": s.orchestrator.QueueDepth(),
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run := s.orchestrator.GetRun(chi.URLParam(r, "runID"))
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run.Snapshot())
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
