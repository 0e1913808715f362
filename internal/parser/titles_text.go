package parser

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// TitleTextParser handles the per-section text files of the CPC title list
// (cpc-section-A_*.txt). Lines are "SYMBOL<ws>[LEVEL<ws>]TITLE"; tab-separated
// files may leave the level column empty for section and class rows.
type TitleTextParser struct{}

var (
	leveledLine = regexp.MustCompile(`^(\S+)\s+(\d+)\s+(.+)$`)
	plainLine   = regexp.MustCompile(`^(\S+)(?:\s+(.*))?$`)
)

func (p *TitleTextParser) Parse(r io.Reader) *Stream[cpc.TitleRecord] {
	return newStream(SourceTitleList, func(emit func(cpc.TitleRecord) bool, st *Stats) error {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		lines := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lines++

			raw, title := splitTitleLine(line)
			sym, err := cpc.Normalize(raw)
			if err != nil {
				st.Malformed++
				continue
			}
			title = cpc.Flatten(title)
			if title == "" {
				st.Empty++
			}
			st.Parsed++
			if !emit(cpc.TitleRecord{Symbol: sym, Title: title}) {
				return errStopped
			}
		}
		if err := scanner.Err(); err != nil {
			return &StructuralParseError{Source: SourceTitleList, Reason: "read failed", Err: err}
		}
		if lines == 0 {
			return &StructuralParseError{Source: SourceTitleList, Reason: "empty document"}
		}
		return nil
	})
}

func splitTitleLine(line string) (symbol, title string) {
	if strings.Contains(line, "\t") {
		fields := strings.Split(line, "\t")
		symbol = fields[0]
		rest := fields[1:]
		if len(rest) > 1 && isDigits(strings.TrimSpace(rest[0])) {
			rest = rest[1:]
		}
		return symbol, strings.Join(rest, " ")
	}
	if m := leveledLine.FindStringSubmatch(line); m != nil {
		return m[1], m[3]
	}
	if m := plainLine.FindStringSubmatch(line); m != nil {
		return m[1], m[2]
	}
	return line, ""
}

func isDigits(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
