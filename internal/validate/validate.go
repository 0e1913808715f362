// Package validate checks normalized CPC symbols against the symbols a
// release actually defines.
package validate

import (
	"iter"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// Reason classifies a validation outcome.
type Reason string

const (
	ReasonOK          Reason = "OK"
	ReasonNotInSchema Reason = "NOT_IN_SCHEMA"
	ReasonRetired     Reason = "RETIRED"
)

// Reasons lists every reason in report order.
var Reasons = []Reason{ReasonOK, ReasonNotInSchema, ReasonRetired}

// Result is the outcome for a single symbol. A mismatch is data, not an error.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason"`
}

// ActiveSet is the read-only set of symbols present in a release's title list.
type ActiveSet struct {
	symbols map[cpc.Symbol]struct{}
}

// BuildActiveSet collects every title symbol.
func BuildActiveSet(titles iter.Seq[cpc.TitleRecord]) *ActiveSet {
	set := &ActiveSet{symbols: make(map[cpc.Symbol]struct{})}
	for rec := range titles {
		set.symbols[rec.Symbol] = struct{}{}
	}
	return set
}

// Contains reports whether sym is part of the release.
func (s *ActiveSet) Contains(sym cpc.Symbol) bool {
	if s == nil {
		return false
	}
	_, ok := s.symbols[sym]
	return ok
}

// Len returns the number of active symbols.
func (s *ActiveSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.symbols)
}

// RetiredSet holds symbols the validity file marks as withdrawn. A symbol
// with any open-ended validity row is current again and is not retired.
type RetiredSet struct {
	current map[cpc.Symbol]bool
}

// BuildRetiredSet folds validity rows into a RetiredSet.
func BuildRetiredSet(rows iter.Seq[cpc.ValidityRecord]) *RetiredSet {
	set := &RetiredSet{current: make(map[cpc.Symbol]bool)}
	for row := range rows {
		if !row.Retired() {
			set.current[row.Symbol] = true
			continue
		}
		if _, seen := set.current[row.Symbol]; !seen {
			set.current[row.Symbol] = false
		}
	}
	return set
}

// Contains reports whether sym was withdrawn and never reinstated.
func (s *RetiredSet) Contains(sym cpc.Symbol) bool {
	if s == nil {
		return false
	}
	current, ok := s.current[sym]
	return ok && !current
}

// Len returns the number of retired symbols.
func (s *RetiredSet) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, current := range s.current {
		if !current {
			n++
		}
	}
	return n
}

// SymbolList is the release's symbol list with each symbol's publication
// state. A symbol listed several times is published if any row says so.
type SymbolList struct {
	published map[cpc.Symbol]bool
}

// BuildSymbolList folds symbol list rows into a SymbolList.
func BuildSymbolList(rows iter.Seq[cpc.SymbolListRecord]) *SymbolList {
	set := &SymbolList{published: make(map[cpc.Symbol]bool)}
	for row := range rows {
		set.published[row.Symbol] = set.published[row.Symbol] || row.Published()
	}
	return set
}

// Contains reports whether sym is listed at all.
func (s *SymbolList) Contains(sym cpc.Symbol) bool {
	if s == nil {
		return false
	}
	_, ok := s.published[sym]
	return ok
}

// Published reports whether sym is listed as published.
func (s *SymbolList) Published(sym cpc.Symbol) bool {
	if s == nil {
		return false
	}
	return s.published[sym]
}

// Len returns the number of listed symbols.
func (s *SymbolList) Len() int {
	if s == nil {
		return 0
	}
	return len(s.published)
}

// Unpublished returns the number of listed symbols that are not published.
func (s *SymbolList) Unpublished() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, ok := range s.published {
		if !ok {
			n++
		}
	}
	return n
}

// SchemaValidator decides whether a symbol is currently active. Retired and
// Symbols are optional; without either RETIRED is never reported.
type SchemaValidator struct {
	Retired *RetiredSet
	Symbols *SymbolList
}

// Validate checks sym against the active set. A retired symbol is reported
// as RETIRED even if a stale title entry still lists it. With a symbol list,
// an unlisted symbol is NOT_IN_SCHEMA and an unpublished one is RETIRED
// before the title list is consulted.
func (v *SchemaValidator) Validate(sym cpc.Symbol, active *ActiveSet) Result {
	if v != nil {
		if v.Retired.Contains(sym) {
			return Result{Reason: ReasonRetired}
		}
		if v.Symbols != nil {
			if !v.Symbols.Contains(sym) {
				return Result{Reason: ReasonNotInSchema}
			}
			if !v.Symbols.Published(sym) {
				return Result{Reason: ReasonRetired}
			}
		}
	}
	if active.Contains(sym) {
		return Result{Valid: true, Reason: ReasonOK}
	}
	return Result{Reason: ReasonNotInSchema}
}
