package parser

import (
	"bufio"
	"io"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// ValidityParser reads the tab-separated CPC validity file:
// symbol, valid-from date, optional valid-to date. A leading header row is
// skipped.
type ValidityParser struct{}

func (p *ValidityParser) Parse(r io.Reader) *Stream[cpc.ValidityRecord] {
	return newStream(SourceValidity, func(emit func(cpc.ValidityRecord) bool, st *Stats) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		first := true
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r\n")
			if strings.TrimSpace(line) == "" {
				continue
			}
			fields := strings.Split(line, "\t")
			sym, err := cpc.Normalize(fields[0])
			if err != nil {
				if first {
					st.Headers++
				} else {
					st.Malformed++
				}
				first = false
				continue
			}
			first = false

			rec := cpc.ValidityRecord{Symbol: sym}
			if len(fields) > 1 {
				rec.ValidFrom = strings.TrimSpace(fields[1])
			}
			if len(fields) > 2 {
				rec.ValidTo = strings.TrimSpace(fields[2])
			}
			st.Parsed++
			if !emit(rec) {
				return errStopped
			}
		}
		if err := scanner.Err(); err != nil {
			return &StructuralParseError{Source: SourceValidity, Reason: "read failed", Err: err}
		}
		return nil
	})
}
