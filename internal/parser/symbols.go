package parser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// symbolListStatusFields is the row width from which the last field is read
// as the status when the header names no status column.
const symbolListStatusFields = 7

// SymbolListParser reads the comma-separated CPC symbol list. The symbol is
// the first column. The status comes from a column headed "status" when
// there is one, otherwise from the last field of rows at least
// symbolListStatusFields wide.
type SymbolListParser struct{}

func (p *SymbolListParser) Parse(r io.Reader) *Stream[cpc.SymbolListRecord] {
	return newStream(SourceSymbolList, func(emit func(cpc.SymbolListRecord) bool, st *Stats) error {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		cr.TrimLeadingSpace = true

		statusCol := -1
		first := true
		for {
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				var pErr *csv.ParseError
				if errors.As(err, &pErr) {
					st.Malformed++
					first = false
					continue
				}
				return &StructuralParseError{Source: SourceSymbolList, Reason: "read failed", Err: err}
			}
			if len(row) == 0 || strings.TrimSpace(strings.Join(row, "")) == "" {
				continue
			}

			sym, err := cpc.Normalize(row[0])
			if err != nil {
				if first {
					st.Headers++
					statusCol = headerIndex(row, "status")
				} else {
					st.Malformed++
				}
				first = false
				continue
			}
			first = false

			rec := cpc.SymbolListRecord{Symbol: sym}
			switch {
			case statusCol > 0 && statusCol < len(row):
				rec.Status = strings.TrimSpace(row[statusCol])
			case statusCol < 0 && len(row) >= symbolListStatusFields:
				rec.Status = strings.TrimSpace(row[len(row)-1])
			}
			st.Parsed++
			if !emit(rec) {
				return errStopped
			}
		}
		return nil
	})
}

func headerIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}
