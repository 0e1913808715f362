package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/cpcetl/internal/archive"
	"github.com/dgallion1/cpcetl/internal/config"
	"github.com/dgallion1/cpcetl/internal/export"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/merge"
	"github.com/dgallion1/cpcetl/internal/metrics"
	"github.com/dgallion1/cpcetl/internal/parser"
	"github.com/dgallion1/cpcetl/internal/validate"
)

const (
	titlesSectionA = "A01B\t\tSOIL WORKING IN AGRICULTURE OR FORESTRY\n" +
		"A01B1/00\t7\tHand tools\n" +
		"A01B1/02\t8\tSpades; Shovels\n" +
		"A01B1/04\t8\tWithdrawn tool\n" +
		"bogus line\n"
	titlesSectionB = "B65D2565/00\t7\tDetails of packages\n"

	definitionsXML = `<?xml version="1.0" encoding="UTF-8"?>
<definitions>
  <definition-item>
    <classification-symbol>A01B1/00</classification-symbol>
    <definition-statement><section-body><paragraph-text>Hand tools for working the soil.</paragraph-text></section-body></definition-statement>
  </definition-item>
  <definition-item>
    <classification-symbol>A01B99/00</classification-symbol>
    <definition-statement><section-body><paragraph-text>Orphan definition.</paragraph-text></section-body></definition-statement>
  </definition-item>
</definitions>`

	validityTSV = "symbol\tvalid_from\tvalid_to\n" +
		"A01B1/00\t2013-01-01\t\n" +
		"A01B1/04\t2013-01-01\t2024-01-01\n"
)

// failingDownloader simulates an unreachable bulk site.
type failingDownloader struct{}

func (failingDownloader) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("network unreachable")
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func releaseArchives(t *testing.T, version, definitions string) map[string][]byte {
	t.Helper()
	return map[string][]byte{
		"CPCTitleList" + version + ".zip": zipBytes(t, map[string]string{
			"cpc-section-A_" + version + "01.txt": titlesSectionA,
			"cpc-section-B_" + version + "01.txt": titlesSectionB,
		}),
		"FullCPCDefinitionXML" + version + ".zip": zipBytes(t, map[string]string{
			"FullCPCDefinitionXML" + version + "/definitions-A01B.xml": definitions,
		}),
		"CPCValidityFile" + version + ".zip": zipBytes(t, map[string]string{
			"CPCValidityFile" + version + ".txt": validityTSV,
		}),
	}
}

func writeRaw(t *testing.T, cfg config.Config, archives map[string][]byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.RawDir(), 0o755))
	for name, b := range archives {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.RawDir(), name), b, 0o644))
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Port:             "8090",
		DataDir:          t.TempDir(),
		BaseURL:          "http://cpc.invalid",
		BulkPath:         "/bulk",
		UseValidityFile:  true,
		HTTPTimeout:      5 * time.Second,
		MaxDownloadBytes: 1 << 20,
		ExportFormats:    "csv,parquet",
		DuplicatePolicy:  "first",
		OrphanPolicy:     "drop",
		MaxQueueSize:     2,
		JobTTL:           time.Hour,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(cfg config.Config, d fetch.Downloader) *Worker {
	return NewWorker(cfg, d, archive.ZipDepackager{}, fetch.NewDownloadStats(time.Hour),
		metrics.New(prometheus.NewRegistry()), testLogger())
}

func readCSVOutput(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := export.ReadCSV(f)
	require.NoError(t, err)
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{r.Symbol.String(), r.Title, r.Description, string(r.SchemaVersion), fmt.Sprint(r.IsValid)}
	}
	return out
}

func TestWorker_OfflineRunFromLocalArchives(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", definitionsXML))
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{UseValidity: true})
	require.NoError(t, w.Process(context.Background(), run))

	snap := run.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "202505", string(snap.Version))
	assert.Len(t, snap.Progress.Archives, 3)
	for _, a := range snap.Progress.Archives {
		assert.True(t, a.Cached, a.Name)
		assert.Len(t, a.SHA256, 64)
	}

	titles := snap.Progress.Parse[parser.SourceTitleList]
	assert.Equal(t, 5, titles.Parsed)
	assert.Equal(t, 1, titles.Malformed)
	assert.Equal(t, 2, snap.Progress.Parse[parser.SourceDefinitions].Parsed)
	assert.Equal(t, 2, snap.Progress.Parse[parser.SourceValidity].Parsed)

	rep := snap.Progress.Merge
	require.NotNil(t, rep)
	assert.Equal(t, 5, rep.Rows)
	assert.Equal(t, 1, rep.OrphanSymbols)
	assert.False(t, rep.OrphansEmitted)
	assert.Equal(t, 4, rep.Validation.ByReason[validate.ReasonOK])
	assert.Equal(t, 1, rep.Validation.ByReason[validate.ReasonNotInSchema])
	assert.Equal(t, 1, rep.Validation.ByReason[validate.ReasonRetired])

	require.Len(t, snap.Progress.Outputs, 2)
	csvPath := filepath.Join(cfg.OutputDir(), "cpc_schema_202505.csv")
	assert.Contains(t, snap.Progress.Outputs, csvPath)
	assert.FileExists(t, filepath.Join(cfg.OutputDir(), "cpc_schema_202505.parquet"))

	assert.Equal(t, [][]string{
		{"A01B", "SOIL WORKING IN AGRICULTURE OR FORESTRY", "", "202505", "true"},
		{"A01B1/00", "Hand tools", "Hand tools for working the soil.", "202505", "true"},
		{"A01B1/02", "Spades; Shovels", "", "202505", "true"},
		{"A01B1/04", "Withdrawn tool", "", "202505", "false"},
		{"B65D2565/00", "Details of packages", "", "202505", "true"},
	}, readCSVOutput(t, csvPath))
}

func TestWorker_ForceIgnoredForLocalRelease(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", definitionsXML))
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{Force: true, UseValidity: true})
	require.NoError(t, w.Process(context.Background(), run))

	snap := run.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	require.Len(t, snap.Progress.Archives, 3)
	for _, a := range snap.Progress.Archives {
		assert.True(t, a.Cached, a.Name)
	}
	assert.Empty(t, snap.Progress.Errors)
}

func TestWorker_SymbolListStatus(t *testing.T) {
	cfg := testConfig(t)
	archives := releaseArchives(t, "202505", definitionsXML)
	archives["CPCSymbolList202505.zip"] = zipBytes(t, map[string]string{
		"CPCSymbolList202505.csv": "SYMBOL,level,status\n" +
			"A01B,5,published\n" +
			"A01B1/00,7,published\n" +
			"A01B1/02,8,deleted\n" +
			"A01B1/04,8,published\n",
		"readme.txt": "not a symbol list",
	})
	writeRaw(t, cfg, archives)
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{UseValidity: true, UseSymbols: true, Formats: []export.Format{export.FormatCSV}})
	require.NoError(t, w.Process(context.Background(), run))

	snap := run.Snapshot()
	assert.Len(t, snap.Progress.Archives, 4)
	symbols := snap.Progress.Parse[parser.SourceSymbolList]
	assert.Equal(t, 4, symbols.Parsed)
	assert.Equal(t, 1, symbols.Headers)

	rep := snap.Progress.Merge
	require.NotNil(t, rep)
	assert.Equal(t, 2, rep.Validation.ByReason[validate.ReasonOK])
	assert.Equal(t, 2, rep.Validation.ByReason[validate.ReasonRetired])
	assert.Equal(t, 2, rep.Validation.ByReason[validate.ReasonNotInSchema])

	rows := readCSVOutput(t, filepath.Join(cfg.OutputDir(), "cpc_schema_202505.csv"))
	require.Len(t, rows, 5)
	assert.Equal(t, "false", rows[2][4], "deleted in symbol list")
	assert.Equal(t, "false", rows[4][4], "missing from symbol list")
}

func TestWorker_SymbolListDisabled(t *testing.T) {
	cfg := testConfig(t)
	archives := releaseArchives(t, "202505", definitionsXML)
	archives["CPCSymbolList202505.zip"] = zipBytes(t, map[string]string{
		"CPCSymbolList202505.csv": "SYMBOL,status\nA01B,deleted\n",
	})
	writeRaw(t, cfg, archives)
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{UseValidity: true})
	require.NoError(t, w.Process(context.Background(), run))

	snap := run.Snapshot()
	assert.Len(t, snap.Progress.Archives, 3)
	_, parsed := snap.Progress.Parse[parser.SourceSymbolList]
	assert.False(t, parsed)
	assert.Equal(t, 4, snap.Progress.Merge.Validation.ByReason[validate.ReasonOK])
}

func TestWorker_FetchPrereleases(t *testing.T) {
	files := map[string][]byte{
		"CPC_2025-05-01.zip": zipBytes(t, map[string]string{"a.txt": "a"}),
		"CPC_2025-08-01.zip": zipBytes(t, map[string]string{"b.txt": "b"}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/CPCRevisions/prereleases", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		for name := range files {
			fmt.Fprintf(&b, `<a href="/files/%s">%s</a>`, name, name)
		}
		fmt.Fprintf(w, "<html><body>%s</body></html>", b.String())
	})
	var downloads atomic.Int32
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		b, ok := files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		downloads.Add(1)
		w.Write(b)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.BaseURL = srv.URL
	cfg.PrereleasePath = "/CPCRevisions/prereleases"
	d := fetch.NewHTTPDownloader(5*time.Second, testLogger())
	defer d.Close()
	w := newTestWorker(cfg, d)

	arts, err := w.FetchPrereleases(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "CPC_2025-05-01.zip", arts[0].Name)
	assert.Equal(t, int32(2), downloads.Load())
	for name := range files {
		assert.FileExists(t, filepath.Join(cfg.PrereleaseDir(), name))
	}

	again, err := w.FetchPrereleases(context.Background(), false)
	require.NoError(t, err)
	for _, a := range again {
		assert.True(t, a.Cached, a.Name)
	}
	assert.Equal(t, int32(2), downloads.Load())

	_, err = w.FetchPrereleases(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(4), downloads.Load())

	// Pre-releases never show up as a release.
	_, err = fetch.LocalReleases(cfg.RawDir())
	assert.ErrorIs(t, err, fetch.ErrNoReleases)
}

func TestWorker_ValidSubsetAndOrphanEmit(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", definitionsXML))
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{
		Formats:     []export.Format{export.FormatCSV},
		ValidSubset: true,
		Orphans:     merge.OrphanEmit,
		UseValidity: true,
	})
	require.NoError(t, w.Process(context.Background(), run))

	schema := readCSVOutput(t, filepath.Join(cfg.OutputDir(), "cpc_schema_202505.csv"))
	require.Len(t, schema, 6)
	assert.Equal(t, []string{"A01B99/00", "", "Orphan definition.", "202505", "false"}, schema[4])

	data := readCSVOutput(t, filepath.Join(cfg.OutputDir(), "cpc_data_202505.csv"))
	assert.Len(t, data, 4)
	for _, row := range data {
		assert.Equal(t, "true", row[4], row[0])
	}
}

func TestWorker_WithoutValidityFileNothingIsRetired(t *testing.T) {
	cfg := testConfig(t)
	archives := releaseArchives(t, "202505", definitionsXML)
	delete(archives, "CPCValidityFile202505.zip")
	writeRaw(t, cfg, archives)
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{UseValidity: true})
	require.NoError(t, w.Process(context.Background(), run))

	rep := run.Snapshot().Progress.Merge
	require.NotNil(t, rep)
	assert.Zero(t, rep.Validation.ByReason[validate.ReasonRetired])
	assert.Equal(t, 5, rep.Validation.ByReason[validate.ReasonOK])
}

func TestWorker_StructuralErrorWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", `<definitions><definition-item>`))
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{})
	err := w.Process(context.Background(), run)
	require.Error(t, err)
	assert.True(t, parser.IsStructural(err), "got %v", err)
	assert.Contains(t, err.Error(), "definitions-A01B.xml")

	snap := run.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "parsing", snap.Phase)
	assert.NotEmpty(t, snap.Progress.Errors)
	assert.Empty(t, snap.Progress.Outputs)
	assert.NoDirExists(t, cfg.OutputDir())
}

func TestWorker_NoReleasesAnywhere(t *testing.T) {
	cfg := testConfig(t)
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{})
	err := w.Process(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Snapshot().Status)
}

func TestWorker_PinnedVersionMissing(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", definitionsXML))
	w := newTestWorker(cfg, failingDownloader{})

	run := NewRun("test", Options{Version: "202408"})
	err := w.Process(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "202408")
}

func TestWorker_DownloadsFromBulkPage(t *testing.T) {
	archives := releaseArchives(t, "202508", definitionsXML)
	older := releaseArchives(t, "202501", definitionsXML)

	mux := http.NewServeMux()
	mux.HandleFunc("/bulk", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("<html><body><ul>")
		for name := range older {
			fmt.Fprintf(&b, `<li><a href="/files/%s">%s</a></li>`, name, name)
		}
		for name := range archives {
			fmt.Fprintf(&b, `<li><a href="files/%s?dl=1">%s</a></li>`, name, name)
		}
		b.WriteString(`<li><a href="/files/CPCDefinitionPDF202508.pdf">pdf</a></li></ul></body></html>`)
		fmt.Fprint(w, b.String())
	})
	var downloads atomic.Int32
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		b, ok := archives[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		downloads.Add(1)
		w.Write(b)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.BaseURL = srv.URL
	d := fetch.NewHTTPDownloader(5*time.Second, testLogger())
	defer d.Close()
	w := newTestWorker(cfg, d)

	run := NewRun("test", Options{Formats: []export.Format{export.FormatParquet}, UseValidity: true})
	require.NoError(t, w.Process(context.Background(), run))
	assert.Equal(t, "202508", string(run.Snapshot().Version))
	assert.Equal(t, int32(3), downloads.Load())
	for name := range archives {
		assert.FileExists(t, filepath.Join(cfg.RawDir(), name))
	}

	path := filepath.Join(cfg.OutputDir(), "cpc_schema_202508.parquet")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	fi, err := f.Stat()
	require.NoError(t, err)
	rows, err := export.ReadParquet(f, fi.Size())
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	// A second run reuses the raw files.
	rerun := NewRun("test", Options{Formats: []export.Format{export.FormatCSV}, UseValidity: true})
	require.NoError(t, w.Process(context.Background(), rerun))
	assert.Equal(t, int32(3), downloads.Load())
}

func TestOrchestrator_SubmitProcessesQueuedRun(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", definitionsXML))
	stats := fetch.NewDownloadStats(time.Hour)
	m := metrics.New(prometheus.NewRegistry())
	o := NewOrchestrator(cfg, NewWorker(cfg, failingDownloader{}, archive.ZipDepackager{}, stats, m, testLogger()), stats, m, testLogger())
	o.Start(context.Background())
	defer o.Stop()

	run := NewRun("api", Options{Formats: []export.Format{export.FormatCSV}})
	require.NoError(t, o.Submit(run))

	require.Eventually(t, func() bool {
		return o.GetRun(run.ID).Snapshot().Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusCompleted, run.Snapshot().Status)
	assert.Len(t, o.ListRuns(), 1)

	releases, err := o.Releases(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "202505", string(releases[0].Version))
}

func TestOrchestrator_SubmitQueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxQueueSize = 1
	o := NewOrchestrator(cfg, newTestWorker(cfg, failingDownloader{}), nil, nil, testLogger())
	// Not started: nothing drains the queue.

	require.NoError(t, o.Submit(NewRun("api", Options{})))
	overflow := NewRun("api", Options{})
	require.Error(t, o.Submit(overflow))
	assert.Equal(t, StatusFailed, overflow.Snapshot().Status)
	assert.Equal(t, 1, o.QueueDepth())
	assert.Equal(t, fetch.StatsSnapshot{}, o.DownloadStats())
}

func TestOrchestrator_ExecuteIsSynchronous(t *testing.T) {
	cfg := testConfig(t)
	writeRaw(t, cfg, releaseArchives(t, "202505", definitionsXML))
	o := NewOrchestrator(cfg, newTestWorker(cfg, failingDownloader{}), nil, nil, testLogger())

	run := NewRun("cli", Options{})
	require.NoError(t, o.Execute(context.Background(), run))
	assert.Equal(t, StatusCompleted, run.Snapshot().Status)
	assert.NotNil(t, o.GetRun(run.ID))
}
