package api

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/dgallion1/cpcetl/internal/pipeline"
)

var reportMarkdown = goldmark.New(goldmark.WithExtensions(extension.Table))

var reportPage = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>CPC run {{.ID}}</title></head>
<body>{{.Body}}</body></html>
`))

// handleRunReport renders the run summary as HTML, or as markdown with
// ?format=md.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run := s.orchestrator.GetRun(chi.URLParam(r, "runID"))
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	snap := run.Snapshot()
	md := pipeline.RenderReport(snap)

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(md))
		return
	}

	var body bytes.Buffer
	if err := reportMarkdown.Convert([]byte(md), &body); err != nil {
		jsonError(w, "render report: "+err.Error(), http.StatusInternalServerError)
		return
	}
	var page bytes.Buffer
	// goldmark omits raw HTML from the markdown unless built with WithUnsafe.
	err := reportPage.Execute(&page, map[string]any{"ID": snap.ID, "Body": template.HTML(body.String())})
	if err != nil {
		jsonError(w, "render report: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page.Bytes())
}
