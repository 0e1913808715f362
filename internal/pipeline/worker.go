package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/cpcetl/internal/archive"
	"github.com/dgallion1/cpcetl/internal/config"
	"github.com/dgallion1/cpcetl/internal/cpc"
	"github.com/dgallion1/cpcetl/internal/export"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/merge"
	"github.com/dgallion1/cpcetl/internal/metrics"
	"github.com/dgallion1/cpcetl/internal/parser"
	"github.com/dgallion1/cpcetl/internal/validate"
)

// Archive roles within a run.
const (
	roleTitles      = "titles"
	roleDefinitions = "definitions"
	roleValidity    = "validity"
	roleSymbols     = "symbols"
	rolePrerelease  = "prerelease"
)

// maxPrereleaseFetches bounds concurrent pre-release downloads.
const maxPrereleaseFetches = 4

// maxLoggedSamples caps symbol lists written to the log.
const maxLoggedSamples = 10

// Worker executes a single pipeline run: resolve the release, fetch the
// archives, parse, merge and export.
type Worker struct {
	downloader fetch.Downloader
	depackager archive.Depackager
	stats      *fetch.DownloadStats
	metrics    *metrics.Metrics
	log        *slog.Logger

	bulkPageURL       string
	prereleasePageURL string
	rawDir            string
	prereleaseDir     string
	outputDir         string
	maxDownloadBytes  int64
}

func NewWorker(cfg config.Config, d fetch.Downloader, dp archive.Depackager, stats *fetch.DownloadStats, m *metrics.Metrics, log *slog.Logger) *Worker {
	return &Worker{
		downloader:        d,
		depackager:        dp,
		stats:             stats,
		metrics:           m,
		log:               log,
		bulkPageURL:       cfg.BulkPageURL(),
		prereleasePageURL: cfg.PrereleasePageURL(),
		rawDir:            cfg.RawDir(),
		prereleaseDir:     cfg.PrereleaseDir(),
		outputDir:         cfg.OutputDir(),
		maxDownloadBytes:  cfg.MaxDownloadBytes,
	}
}

// Process runs the full pipeline for a run. The run records the outcome;
// the returned error is the one that failed it.
func (w *Worker) Process(ctx context.Context, run *Run) error {
	start := time.Now()
	log := w.log.With("run_id", run.ID)

	err := w.process(ctx, run, log)
	if err != nil {
		log.Error("run failed", "phase", run.Snapshot().Phase, "error", err)
		run.AddError(err.Error())
		run.SetStatus(StatusFailed, run.Snapshot().Phase)
		w.metrics.ObserveRun(string(StatusFailed), time.Since(start))
		return err
	}
	run.SetStatus(StatusCompleted, "done")
	w.metrics.ObserveRun(string(StatusCompleted), time.Since(start))
	log.Info("run complete", "version", run.Snapshot().Version, "duration", time.Since(start))
	return nil
}

func (w *Worker) process(ctx context.Context, run *Run, log *slog.Logger) error {
	opts := run.Options().withDefaults()

	// Phase 1: pick the release.
	run.SetStatus(StatusResolving, "resolving release")
	rel, err := w.resolve(ctx, opts.Version, log)
	if err != nil {
		return err
	}
	run.SetVersion(rel.Version)
	log = log.With("version", rel.Version)
	log.Info("release selected", "files", len(rel.Files))

	// Phase 2: fetch archives.
	run.SetStatus(StatusDownloading, "downloading archives")
	arts, err := w.download(ctx, run, rel, opts, log)
	if err != nil {
		return err
	}

	// Phase 3: parse, validate and merge.
	run.SetStatus(StatusParsing, "parsing")
	res, err := w.parseAndMerge(run, arts, rel.Version, opts, log)
	if err != nil {
		return err
	}

	// Phase 4: export.
	run.SetStatus(StatusExporting, "exporting")
	return w.export(run, res, rel.Version, opts, log)
}

// Releases lists the releases on the bulk page, falling back to archives
// already on disk when the page cannot be read.
func (w *Worker) Releases(ctx context.Context) ([]fetch.Release, error) {
	releases, err := fetch.DiscoverReleases(ctx, w.downloader, w.bulkPageURL)
	if err == nil {
		return releases, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	w.log.Warn("release discovery failed, using local archives", "error", err)
	local, lerr := fetch.LocalReleases(w.rawDir)
	if lerr != nil {
		return nil, fmt.Errorf("discover releases: %w", err)
	}
	return local, nil
}

// Prereleases lists the dated archives on the pre-release page.
func (w *Worker) Prereleases(ctx context.Context) ([]fetch.Prerelease, error) {
	return fetch.DiscoverPrereleases(ctx, w.downloader, w.prereleasePageURL)
}

// FetchPrereleases downloads every listed pre-release archive into the
// pre-release directory. Archives already there are kept unless force is set.
func (w *Worker) FetchPrereleases(ctx context.Context, force bool) ([]fetch.Artifact, error) {
	prs, err := w.Prereleases(ctx)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		w.log.Info("no pre-releases listed", "page", w.prereleasePageURL)
		return nil, nil
	}
	cache := &fetch.CachedDownloader{
		Dir:      w.prereleaseDir,
		Source:   w.downloader,
		Force:    force,
		MaxBytes: w.maxDownloadBytes,
		Stats:    w.stats,
	}

	arts := make([]fetch.Artifact, len(prs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPrereleaseFetches)
	for i, pr := range prs {
		g.Go(func() error {
			art, err := cache.Fetch(gctx, pr.URL)
			if err != nil {
				return fmt.Errorf("fetch pre-release %s: %w", pr.Name, err)
			}
			w.metrics.ObserveDownload(rolePrerelease, art.Duration, art.Size, art.Cached)
			arts[i] = *art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	w.log.Info("pre-releases fetched", "count", len(arts), "dates", fetch.PrereleaseDates(prs))
	return arts, nil
}

func (w *Worker) resolve(ctx context.Context, version cpc.SchemaVersion, log *slog.Logger) (fetch.Release, error) {
	releases, err := w.Releases(ctx)
	if err != nil {
		return fetch.Release{}, err
	}
	rel, err := fetch.Select(releases, version)
	if err != nil {
		return fetch.Release{}, err
	}
	if version == "" {
		log.Info("using latest release", "version", rel.Version, "available", len(releases))
	}
	return rel, nil
}

type archiveJob struct {
	role     string
	url      string
	optional bool
}

func (w *Worker) download(ctx context.Context, run *Run, rel fetch.Release, opts Options, log *slog.Logger) (map[string]*fetch.Artifact, error) {
	titlesURL, ok := rel.TitleArchive()
	if !ok {
		return nil, fmt.Errorf("release %s has no title list archive", rel.Version)
	}
	defsURL, ok := rel.Archives[fetch.ArchiveDefinitions]
	if !ok {
		return nil, fmt.Errorf("release %s has no definitions archive", rel.Version)
	}
	jobs := []archiveJob{
		{role: roleTitles, url: titlesURL},
		{role: roleDefinitions, url: defsURL},
	}
	if opts.UseValidity {
		if u, ok := rel.Archives[fetch.ArchiveValidity]; ok {
			jobs = append(jobs, archiveJob{role: roleValidity, url: u, optional: true})
		} else {
			log.Warn("release has no validity file, RETIRED will not be reported")
		}
	}
	if opts.UseSymbols {
		if u, ok := rel.Archives[fetch.ArchiveSymbolList]; ok {
			jobs = append(jobs, archiveJob{role: roleSymbols, url: u, optional: true})
		} else {
			log.Warn("release has no symbol list, titles alone decide validity")
		}
	}

	force := opts.Force
	if force && rel.Local {
		log.Warn("release found on disk only, force re-download ignored")
		force = false
	}
	cache := &fetch.CachedDownloader{
		Dir:      w.rawDir,
		Source:   w.downloader,
		Force:    force,
		MaxBytes: w.maxDownloadBytes,
		Stats:    w.stats,
	}

	var mu sync.Mutex
	arts := make(map[string]*fetch.Artifact, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			art, err := cache.Fetch(gctx, job.url)
			if err != nil {
				if job.optional && gctx.Err() == nil {
					log.Warn("optional archive unavailable", "role", job.role, "error", err)
					return nil
				}
				return fmt.Errorf("fetch %s archive: %w", job.role, err)
			}
			w.metrics.ObserveDownload(job.role, art.Duration, art.Size, art.Cached)
			run.AddArchive(*art)
			if art.Cached {
				log.Info("archive exists, skipping download", "role", job.role, "file", art.Name)
			} else {
				log.Info("archive downloaded", "role", job.role, "file", art.Name, "bytes", art.Size, "duration", art.Duration)
			}
			mu.Lock()
			arts[job.role] = art
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arts, nil
}

func (w *Worker) parseAndMerge(run *Run, arts map[string]*fetch.Artifact, version cpc.SchemaVersion, opts Options, log *slog.Logger) (*merge.Result, error) {
	titlePkg, err := w.depackager.Open(arts[roleTitles].Path)
	if err != nil {
		return nil, err
	}
	defer titlePkg.Close()
	defsPkg, err := w.depackager.Open(arts[roleDefinitions].Path)
	if err != nil {
		return nil, err
	}
	defer defsPkg.Close()

	titles, err := titleStream(titlePkg)
	if err != nil {
		return nil, err
	}
	defs, err := definitionStream(defsPkg)
	if err != nil {
		return nil, err
	}

	validator := &validate.SchemaValidator{}
	if art, ok := arts[roleValidity]; ok {
		retired, err := w.retiredSet(run, art)
		if err != nil {
			return nil, err
		}
		validator.Retired = retired
		log.Info("validity file loaded", "retired", retired.Len())
	}
	if art, ok := arts[roleSymbols]; ok {
		symbols, err := w.symbolList(run, art)
		if err != nil {
			return nil, err
		}
		if symbols.Len() > 0 {
			validator.Symbols = symbols
			log.Info("symbol list loaded", "symbols", symbols.Len(), "unpublished", symbols.Unpublished())
		} else {
			log.Warn("symbol list has no symbols, ignoring it", "file", art.Name)
		}
	}

	merger := &merge.Merger{
		Validator:  validator,
		Duplicates: opts.Duplicates,
		Orphans:    opts.Orphans,
	}
	res, mergeErr := merger.Merge(titles.Records(), defs.Records(), version)

	// A structural failure in either document outranks anything the merge saw.
	if err := titles.Err(); err != nil {
		return nil, fmt.Errorf("parse title list: %w", err)
	}
	if err := defs.Err(); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	w.recordParse(run, titles.Source(), titles.Stats(), log)
	w.recordParse(run, defs.Source(), defs.Stats(), log)
	if mergeErr != nil {
		return nil, mergeErr
	}

	run.SetMergeReport(res.Report)
	w.logMerge(res.Report, log)
	return res, nil
}

func titleStream(pkg *archive.Package) (*parser.Stream[cpc.TitleRecord], error) {
	var members []archive.Member
	for _, m := range pkg.Members() {
		if parser.IsSupportedExtension(m.Name) {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return nil, &parser.StructuralParseError{Source: parser.SourceTitleList, Reason: "archive " + pkg.Name + " has no title list members"}
	}
	streams := make([]*parser.Stream[cpc.TitleRecord], 0, len(members))
	for _, m := range members {
		tp, err := parser.TitleParserFor(m.Name)
		if err != nil {
			return nil, err
		}
		streams = append(streams, parser.Deferred(m.Name, m.Open, tp.Parse))
	}
	return parser.Concat(parser.SourceTitleList, streams...), nil
}

func definitionStream(pkg *archive.Package) (*parser.Stream[cpc.DefinitionRecord], error) {
	members := pkg.Members(".xml")
	if len(members) == 0 {
		return nil, &parser.StructuralParseError{Source: parser.SourceDefinitions, Reason: "archive " + pkg.Name + " has no definition documents"}
	}
	streams := make([]*parser.Stream[cpc.DefinitionRecord], 0, len(members))
	for _, m := range members {
		streams = append(streams, parser.Deferred(m.Name, m.Open, parser.NewDefinitionsParser().Parse))
	}
	return parser.Concat(parser.SourceDefinitions, streams...), nil
}

func (w *Worker) retiredSet(run *Run, art *fetch.Artifact) (*validate.RetiredSet, error) {
	pkg, err := w.depackager.Open(art.Path)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	members := pkg.Members(".txt", ".tsv")
	streams := make([]*parser.Stream[cpc.ValidityRecord], 0, len(members))
	for _, m := range members {
		streams = append(streams, parser.Deferred(m.Name, m.Open, (&parser.ValidityParser{}).Parse))
	}
	stream := parser.Concat(parser.SourceValidity, streams...)
	retired := validate.BuildRetiredSet(stream.Records())
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("parse validity file: %w", err)
	}
	run.SetParseStats(stream.Source(), stream.Stats())
	return retired, nil
}

func (w *Worker) symbolList(run *Run, art *fetch.Artifact) (*validate.SymbolList, error) {
	pkg, err := w.depackager.Open(art.Path)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	var members []archive.Member
	for _, m := range pkg.Members(".csv") {
		if strings.Contains(strings.ToLower(m.Name), "symbollist") {
			members = append(members, m)
		}
	}
	streams := make([]*parser.Stream[cpc.SymbolListRecord], 0, len(members))
	for _, m := range members {
		streams = append(streams, parser.Deferred(m.Name, m.Open, (&parser.SymbolListParser{}).Parse))
	}
	stream := parser.Concat(parser.SourceSymbolList, streams...)
	symbols := validate.BuildSymbolList(stream.Records())
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("parse symbol list: %w", err)
	}
	run.SetParseStats(stream.Source(), stream.Stats())
	return symbols, nil
}

func (w *Worker) recordParse(run *Run, source string, st parser.Stats, log *slog.Logger) {
	run.SetParseStats(source, st)
	w.metrics.AddParsed(source, st.Parsed, st.Malformed, st.Orphaned)
	log.Info("parsed", "source", source,
		"parsed", st.Parsed, "malformed", st.Malformed, "orphaned", st.Orphaned,
		"headers", st.Headers, "empty", st.Empty)
}

func (w *Worker) logMerge(rep merge.Report, log *slog.Logger) {
	vr := rep.Validation
	for _, reason := range validate.Reasons {
		w.metrics.AddValidation(string(reason), vr.ByReason[reason])
	}
	log.Info("merged",
		"symbols", rep.Symbols, "rows", rep.Rows, "described", rep.Described,
		"duplicate_titles", rep.DuplicateTitles, "orphan_symbols", rep.OrphanSymbols)

	if len(rep.Duplicates) > 0 {
		log.Warn("duplicate title symbols", "count", rep.DuplicateTitles, "symbols", symbolStrings(rep.Duplicates, maxLoggedSamples))
	}
	if rep.OrphanSymbols > 0 && !rep.OrphansEmitted {
		log.Info("definition-only symbols dropped", "count", rep.OrphanSymbols, "symbols", symbolStrings(rep.Orphans, maxLoggedSamples))
	}

	attrs := []any{
		"checked", vr.Checked, "valid", vr.Valid, "invalid", vr.Invalid,
		"not_in_schema", vr.ByReason[validate.ReasonNotInSchema],
		"retired", vr.ByReason[validate.ReasonRetired],
	}
	if !vr.HasMismatches() {
		log.Info("validation passed", attrs...)
		return
	}
	for _, reason := range validate.Reasons {
		if samples := vr.SampleStrings(reason); len(samples) > 0 {
			attrs = append(attrs, "sample_"+string(reason), samples[:min(len(samples), maxLoggedSamples)])
		}
	}
	log.Warn("validation mismatches", attrs...)
}

func (w *Worker) export(run *Run, res *merge.Result, version cpc.SchemaVersion, opts Options, log *slog.Logger) error {
	var written []string
	fail := func(err error) error {
		for _, p := range written {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("could not remove partial output", "path", p, "error", rmErr)
			}
		}
		run.ClearOutputs()
		return err
	}

	var validRows []cpc.OutputRow
	if opts.ValidSubset {
		validRows = res.ValidRows()
	}
	for _, f := range opts.Formats {
		e, err := export.For(f)
		if err != nil {
			return fail(err)
		}
		path, err := export.WriteFile(w.outputDir, e, export.DatasetSchema, version, res.Rows)
		if err != nil {
			return fail(err)
		}
		written = append(written, path)
		run.AddOutput(path)
		log.Info("exported", "path", path, "rows", len(res.Rows))

		if !opts.ValidSubset {
			continue
		}
		path, err = export.WriteFile(w.outputDir, e, export.DatasetData, version, validRows)
		if err != nil {
			return fail(err)
		}
		written = append(written, path)
		run.AddOutput(path)
		log.Info("exported", "path", path, "rows", len(validRows))
	}
	w.metrics.SetRowsExported(len(res.Rows))
	return nil
}

func symbolStrings(syms []cpc.Symbol, limit int) []string {
	n := min(len(syms), limit)
	out := make([]string, n)
	for i := range n {
		out[i] = syms[i].String()
	}
	return out
}
