// Package merge joins title and definition records into output rows.
package merge

import (
	"errors"
	"iter"
	"slices"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
	"github.com/dgallion1/cpcetl/internal/validate"
)

// ErrNoTitles means the title list produced no usable records.
var ErrNoTitles = errors.New("merge: title list is empty")

// DefaultSeparator joins description fragments of one symbol.
const DefaultSeparator = "\n"

// maxListed caps the symbol lists kept in a Report.
const maxListed = 50

// Merger joins titles and definitions by symbol. The zero value keeps the
// first duplicate title, drops orphan definitions and joins fragments with
// a newline.
type Merger struct {
	Validator  *validate.SchemaValidator
	Duplicates DuplicatePolicy
	Orphans    OrphanPolicy
	Separator  string
}

// Report describes what the merge saw. Validation covers every candidate
// symbol, including dropped orphans.
type Report struct {
	TitleRecords      int              `json:"title_records"`
	DefinitionRecords int              `json:"definition_records"`
	Symbols           int              `json:"symbols"`
	Described         int              `json:"described"`
	DuplicateTitles   int              `json:"duplicate_titles"`
	Duplicates        []cpc.Symbol     `json:"duplicates,omitempty"`
	OrphanSymbols     int              `json:"orphan_symbols"`
	OrphansEmitted    bool             `json:"orphans_emitted"`
	Orphans           []cpc.Symbol     `json:"orphans,omitempty"`
	Rows              int              `json:"rows"`
	Validation        *validate.Report `json:"validation"`
}

// Result holds the sorted rows and the report.
type Result struct {
	Rows   []cpc.OutputRow
	Report Report
}

// ValidRows returns only rows with IsValid set.
func (r *Result) ValidRows() []cpc.OutputRow {
	out := make([]cpc.OutputRow, 0, len(r.Rows))
	for _, row := range r.Rows {
		if row.IsValid {
			out = append(out, row)
		}
	}
	return out
}

// Merge consumes both sequences once, outer-joins them on symbol, validates
// every candidate against the active set built from the titles, and returns
// rows sorted in CPC order stamped with version.
func (m *Merger) Merge(titles iter.Seq[cpc.TitleRecord], definitions iter.Seq[cpc.DefinitionRecord], version cpc.SchemaVersion) (*Result, error) {
	if version == "" {
		return nil, errors.New("merge: schema version is required")
	}
	duplicates := m.Duplicates
	if duplicates == "" {
		duplicates = DuplicateFirst
	}
	orphans := m.Orphans
	if orphans == "" {
		orphans = OrphanDrop
	}
	sep := m.Separator
	if sep == "" {
		sep = DefaultSeparator
	}

	rep := Report{OrphansEmitted: orphans == OrphanEmit, Validation: validate.NewReport()}

	titleOf := make(map[cpc.Symbol]string)
	flagged := make(map[cpc.Symbol]bool)
	for rec := range titles {
		rep.TitleRecords++
		if _, dup := titleOf[rec.Symbol]; dup {
			rep.DuplicateTitles++
			if duplicates == DuplicateFlag && !flagged[rec.Symbol] {
				flagged[rec.Symbol] = true
				if len(rep.Duplicates) < maxListed {
					rep.Duplicates = append(rep.Duplicates, rec.Symbol)
				}
			}
			if duplicates != DuplicateLast {
				continue
			}
		}
		titleOf[rec.Symbol] = rec.Title
	}
	if len(titleOf) == 0 {
		return nil, ErrNoTitles
	}

	fragments := make(map[cpc.Symbol][]string)
	var orphanOrder []cpc.Symbol
	for rec := range definitions {
		rep.DefinitionRecords++
		if _, ok := titleOf[rec.Symbol]; !ok {
			if _, seen := fragments[rec.Symbol]; !seen {
				orphanOrder = append(orphanOrder, rec.Symbol)
			}
		}
		fragments[rec.Symbol] = append(fragments[rec.Symbol], rec.Description)
	}

	active := validate.BuildActiveSet(func(yield func(cpc.TitleRecord) bool) {
		for sym, title := range titleOf {
			if !yield(cpc.TitleRecord{Symbol: sym, Title: title}) {
				return
			}
		}
	})

	rows := make([]cpc.OutputRow, 0, len(titleOf)+len(orphanOrder))
	for sym, title := range titleOf {
		res := m.Validator.Validate(sym, active)
		rep.Validation.Add(sym, res)
		desc := strings.Join(fragments[sym], sep)
		if desc != "" {
			rep.Described++
		}
		rows = append(rows, cpc.OutputRow{
			Symbol:        sym,
			Title:         title,
			Description:   desc,
			SchemaVersion: version,
			IsValid:       res.Valid,
		})
	}

	rep.OrphanSymbols = len(orphanOrder)
	for _, sym := range orphanOrder {
		res := m.Validator.Validate(sym, active)
		rep.Validation.Add(sym, res)
		if len(rep.Orphans) < maxListed {
			rep.Orphans = append(rep.Orphans, sym)
		}
		if orphans != OrphanEmit {
			continue
		}
		rows = append(rows, cpc.OutputRow{
			Symbol:        sym,
			Description:   strings.Join(fragments[sym], sep),
			SchemaVersion: version,
			IsValid:       res.Valid,
		})
	}

	slices.SortFunc(rows, func(a, b cpc.OutputRow) int { return cpc.Compare(a.Symbol, b.Symbol) })
	rep.Symbols = len(titleOf) + len(orphanOrder)
	rep.Rows = len(rows)
	return &Result{Rows: rows, Report: rep}, nil
}
