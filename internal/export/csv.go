package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// CSVExporter writes a header row followed by one record per row.
type CSVExporter struct{}

func (CSVExporter) Format() Format { return FormatCSV }

func (CSVExporter) Write(w io.Writer, rows []cpc.OutputRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	rec := make([]string, len(Columns))
	for _, row := range rows {
		rec[0] = row.Symbol.String()
		rec[1] = row.Title
		rec[2] = row.Description
		rec[3] = row.SchemaVersion.String()
		rec[4] = strconv.FormatBool(row.IsValid)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a file written by CSVExporter. Columns are located by
// header name, so extra or reordered columns are tolerated.
func ReadCSV(r io.Reader) ([]cpc.OutputRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[h] = i
	}
	for _, col := range Columns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("parse csv: missing column %s", col)
		}
	}

	var rows []cpc.OutputRow
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		line++
		cell := func(col string) string {
			if i := idx[col]; i < len(rec) {
				return rec[i]
			}
			return ""
		}

		sym, err := cpc.Normalize(cell(ColCode))
		if err != nil {
			return nil, fmt.Errorf("parse csv line %d: %w", line, err)
		}
		valid, err := strconv.ParseBool(cell(ColIsValid))
		if err != nil {
			return nil, fmt.Errorf("parse csv line %d: %s: %w", line, ColIsValid, err)
		}
		rows = append(rows, cpc.OutputRow{
			Symbol:        sym,
			Title:         cell(ColName),
			Description:   cell(ColDescription),
			SchemaVersion: cpc.SchemaVersion(cell(ColSchemaVersion)),
			IsValid:       valid,
		})
	}
	return rows, nil
}
