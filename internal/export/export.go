// Package export writes merged CPC rows to CSV and Parquet files.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// Format is an output file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Dataset distinguishes the full table from the valid-only subset.
type Dataset string

const (
	DatasetSchema Dataset = "schema" // every row
	DatasetData   Dataset = "data"   // rows with is_valid set
)

// Column names shared by every format.
const (
	ColCode          = "cpc_code"
	ColName          = "cpc_name"
	ColDescription   = "cpc_description"
	ColSchemaVersion = "cpc_schema_version"
	ColIsValid       = "is_valid"
)

// Columns is the output column order.
var Columns = []string{ColCode, ColName, ColDescription, ColSchemaVersion, ColIsValid}

// FileName builds cpc_{data|schema}_{YYYYMM}.{csv|parquet}.
func FileName(dataset Dataset, version cpc.SchemaVersion, format Format) string {
	return fmt.Sprintf("cpc_%s_%s.%s", dataset, version, format)
}

// ParseFormats reads a comma-separated format list such as "csv,parquet".
func ParseFormats(s string) ([]Format, error) {
	var out []Format
	seen := make(map[Format]bool)
	for _, part := range strings.Split(s, ",") {
		f := Format(strings.ToLower(strings.TrimSpace(part)))
		if f == "" || seen[f] {
			continue
		}
		if f != FormatCSV && f != FormatParquet {
			return nil, fmt.Errorf("unknown export format %q", part)
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no export format in %q", s)
	}
	return out, nil
}

// Exporter serializes rows in one format.
type Exporter interface {
	Format() Format
	Write(w io.Writer, rows []cpc.OutputRow) error
}

// For returns the exporter for a format.
func For(f Format) (Exporter, error) {
	switch f {
	case FormatCSV:
		return CSVExporter{}, nil
	case FormatParquet:
		return ParquetExporter{}, nil
	}
	return nil, fmt.Errorf("unknown export format %q", f)
}

// WriteFile writes rows to dir under the conventional name and returns the
// path. The file appears only once it is complete; on failure nothing is
// left behind.
func WriteFile(dir string, e Exporter, dataset Dataset, version cpc.SchemaVersion, rows []cpc.OutputRow) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	dest := filepath.Join(dir, FileName(dataset, version, e.Format()))
	tmp := dest + ".part"

	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	werr := e.Write(out, rows)
	cerr := out.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", filepath.Base(dest), werr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize %s: %w", filepath.Base(dest), err)
	}
	return dest, nil
}
