package export

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// parquetRow is the on-disk schema; column names match the CSV header.
type parquetRow struct {
	Code          string `parquet:"cpc_code"`
	Name          string `parquet:"cpc_name"`
	Description   string `parquet:"cpc_description"`
	SchemaVersion string `parquet:"cpc_schema_version"`
	IsValid       bool   `parquet:"is_valid"`
}

// ParquetExporter writes a single-row-group Parquet file.
type ParquetExporter struct{}

func (ParquetExporter) Format() Format { return FormatParquet }

func (ParquetExporter) Write(w io.Writer, rows []cpc.OutputRow) error {
	pw := parquet.NewGenericWriter[parquetRow](w)
	batch := make([]parquetRow, len(rows))
	for i, row := range rows {
		batch[i] = parquetRow{
			Code:          row.Symbol.String(),
			Name:          row.Title,
			Description:   row.Description,
			SchemaVersion: row.SchemaVersion.String(),
			IsValid:       row.IsValid,
		}
	}
	if _, err := pw.Write(batch); err != nil {
		pw.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	return pw.Close()
}

// ReadParquet loads a file written by ParquetExporter.
func ReadParquet(r io.ReaderAt, size int64) ([]cpc.OutputRow, error) {
	recs, err := parquet.Read[parquetRow](r, size)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	rows := make([]cpc.OutputRow, len(recs))
	for i, rec := range recs {
		sym, err := cpc.Normalize(rec.Code)
		if err != nil {
			return nil, fmt.Errorf("read parquet row %d: %w", i, err)
		}
		rows[i] = cpc.OutputRow{
			Symbol:        sym,
			Title:         rec.Name,
			Description:   rec.Description,
			SchemaVersion: cpc.SchemaVersion(rec.SchemaVersion),
			IsValid:       rec.IsValid,
		}
	}
	return rows, nil
}
