package pipeline

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dgallion1/cpcetl/internal/validate"
)

// RenderReport formats a run as a markdown summary.
func RenderReport(snap RunSnapshot) string {
	var b strings.Builder

	version := string(snap.Version)
	if version == "" {
		version = "unresolved"
	}
	fmt.Fprintf(&b, "# CPC run %s\n\n", snap.ID)
	fmt.Fprintf(&b, "- **Status:** %s (%s)\n", snap.Status, snap.Phase)
	fmt.Fprintf(&b, "- **Schema version:** %s\n", version)
	fmt.Fprintf(&b, "- **Trigger:** %s\n", snap.Trigger)
	fmt.Fprintf(&b, "- **Started:** %s\n", snap.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	if !snap.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- **Duration:** %s\n", snap.FinishedAt.Sub(snap.CreatedAt).Round(time.Millisecond))
	}

	p := snap.Progress
	if len(p.Archives) > 0 {
		b.WriteString("\n## Archives\n\n| file | bytes | sha256 | cached |\n|---|---:|---|---|\n")
		for _, a := range p.Archives {
			fmt.Fprintf(&b, "| %s | %d | `%s` | %t |\n", a.Name, a.Size, shortHash(a.SHA256), a.Cached)
		}
	}

	if len(p.Parse) > 0 {
		b.WriteString("\n## Parsing\n\n| source | parsed | malformed | orphaned | headers | empty |\n|---|---:|---:|---:|---:|---:|\n")
		sources := make([]string, 0, len(p.Parse))
		for s := range p.Parse {
			sources = append(sources, s)
		}
		slices.Sort(sources)
		for _, s := range sources {
			st := p.Parse[s]
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %d |\n", s, st.Parsed, st.Malformed, st.Orphaned, st.Headers, st.Empty)
		}
	}

	if m := p.Merge; m != nil {
		b.WriteString("\n## Merge\n\n")
		fmt.Fprintf(&b, "- Title records: %d\n", m.TitleRecords)
		fmt.Fprintf(&b, "- Definition fragments: %d\n", m.DefinitionRecords)
		fmt.Fprintf(&b, "- Symbols: %d (%d with a description)\n", m.Symbols, m.Described)
		fmt.Fprintf(&b, "- Rows: %d\n", m.Rows)
		fmt.Fprintf(&b, "- Duplicate titles: %d\n", m.DuplicateTitles)
		verb := "dropped"
		if m.OrphansEmitted {
			verb = "emitted"
		}
		fmt.Fprintf(&b, "- Definition-only symbols: %d (%s)\n", m.OrphanSymbols, verb)
		if len(m.Duplicates) > 0 {
			fmt.Fprintf(&b, "\nDuplicated symbols: %s\n", joinSymbols(symbolStrings(m.Duplicates, len(m.Duplicates))))
		}

		if vr := m.Validation; vr != nil {
			b.WriteString("\n## Validation\n\n| reason | count |\n|---|---:|\n")
			for _, r := range validate.Reasons {
				fmt.Fprintf(&b, "| %s | %d |\n", r, vr.ByReason[r])
			}
			for _, r := range validate.Reasons {
				samples := vr.SampleStrings(r)
				if len(samples) == 0 {
					continue
				}
				fmt.Fprintf(&b, "\nSample %s: %s\n", r, joinSymbols(samples))
			}
		}
	}

	if len(p.Outputs) > 0 {
		b.WriteString("\n## Outputs\n\n")
		for _, o := range p.Outputs {
			fmt.Fprintf(&b, "- `%s`\n", filepath.Base(o))
		}
	}

	if len(p.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range p.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

func joinSymbols(syms []string) string {
	quoted := make([]string, len(syms))
	for i, s := range syms {
		quoted[i] = "`" + s + "`"
	}
	return strings.Join(quoted, ", ")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
