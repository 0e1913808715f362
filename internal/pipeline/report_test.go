package pipeline

import (
	"strings"
	"testing"

	"github.com/dgallion1/cpcetl/internal/cpc"
	"github.com/dgallion1/cpcetl/internal/fetch"
	"github.com/dgallion1/cpcetl/internal/merge"
	"github.com/dgallion1/cpcetl/internal/parser"
	"github.com/dgallion1/cpcetl/internal/validate"
)

func TestRenderReport_CompletedRun(t *testing.T) {
	vr := validate.NewReport()
	vr.Add(cpc.MustNormalize("A01B1/00"), validate.Result{Valid: true, Reason: validate.ReasonOK})
	vr.Add(cpc.MustNormalize("A01B99/00"), validate.Result{Reason: validate.ReasonNotInSchema})

	run := NewRun("cli", Options{})
	run.SetVersion("202505")
	run.AddArchive(fetch.Artifact{Name: "CPCTitleList202505.zip", Size: 42, SHA256: "0123456789abcdef0123"})
	run.SetParseStats(parser.SourceTitleList, parser.Stats{Parsed: 1, Malformed: 2})
	run.SetMergeReport(merge.Report{Symbols: 2, Rows: 1, OrphanSymbols: 1, Validation: vr})
	run.AddOutput("/data/output/cpc_schema_202505.csv")
	run.SetStatus(StatusCompleted, "done")

	md := RenderReport(run.Snapshot())

	for _, want := range []string{
		"# CPC run " + run.ID,
		"- **Schema version:** 202505",
		"| CPCTitleList202505.zip | 42 | `0123456789ab` | false |",
		"| title list | 1 | 2 | 0 | 0 | 0 |",
		"- Definition-only symbols: 1 (dropped)",
		"| NOT_IN_SCHEMA | 1 |",
		"| RETIRED | 0 |",
		"Sample NOT_IN_SCHEMA: `A01B99/00`",
		"- `cpc_schema_202505.csv`",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q\n%s", want, md)
		}
	}
	if strings.Contains(md, "## Errors") {
		t.Error("expected no errors section for a clean run")
	}
}

func TestRenderReport_FailedRun(t *testing.T) {
	run := NewRun("api", Options{})
	run.AddError("discover releases: fetch: no cpc releases found")
	run.SetStatus(StatusFailed, "resolving release")

	md := RenderReport(run.Snapshot())
	if !strings.Contains(md, "- **Schema version:** unresolved") {
		t.Errorf("expected unresolved version, got\n%s", md)
	}
	if !strings.Contains(md, "- **Status:** failed (resolving release)") {
		t.Errorf("expected failed status line, got\n%s", md)
	}
	if !strings.Contains(md, "## Errors\n\n- discover releases") {
		t.Errorf("expected errors section, got\n%s", md)
	}
	if strings.Contains(md, "## Merge") {
		t.Error("expected no merge section before parsing")
	}
}
