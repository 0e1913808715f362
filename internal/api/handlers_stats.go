package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dgallion1/cpcetl/internal/fetch"
)

func (s *Server) handleDownloadStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"source": s.cfg.BulkPageURL(),
		"stats":  s.orchestrator.DownloadStats(),
	})
}

// handleReleases lists the bulk-data releases a run could use, newest first.
func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.orchestrator.Releases(r.Context())
	if err != nil {
		jsonError(w, "list releases: "+err.Error(), http.StatusBadGateway)
		return
	}
	out := make([]any, 0, len(releases))
	for i := len(releases) - 1; i >= 0; i-- {
		out = append(out, releases[i])
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"releases": out})
}

func (s *Server) handlePrereleases(w http.ResponseWriter, r *http.Request) {
	prs, err := s.orchestrator.Prereleases(r.Context())
	if err != nil {
		jsonError(w, "list pre-releases: "+err.Error(), http.StatusBadGateway)
		return
	}
	if prs == nil {
		prs = []fetch.Prerelease{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"source":      s.cfg.PrereleasePageURL(),
		"dates":       fetch.PrereleaseDates(prs),
		"prereleases": prs,
	})
}

// handleFetchPrereleases downloads the pre-release archives before
// answering. ?force=true re-downloads archives already on disk.
func (s *Server) handleFetchPrereleases(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			jsonError(w, "invalid force parameter", http.StatusBadRequest)
			return
		}
		force = b
	}
	arts, err := s.orchestrator.FetchPrereleases(r.Context(), force)
	if err != nil {
		jsonError(w, "fetch pre-releases: "+err.Error(), http.StatusBadGateway)
		return
	}
	if arts == nil {
		arts = []fetch.Artifact{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"archives": arts})
}
