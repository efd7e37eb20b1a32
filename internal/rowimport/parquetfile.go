package rowimport

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// parquetFile wraps the opened footer plus the file handle backing it, so
// callers can read one row group at a time without materialising the whole
// file in memory.
type parquetFile struct {
	f        *os.File
	pf       *parquet.File
	colNames []string
}

func openParquetFile(path string) (*parquetFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rowimport: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("rowimport: stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("rowimport: reading footer of %s: %w", path, err)
	}

	fields := pf.Schema().Fields()
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name()
	}

	return &parquetFile{f: f, pf: pf, colNames: names}, nil
}

func (p *parquetFile) Close() error {
	return p.f.Close()
}

func (p *parquetFile) NumRowGroups() int {
	return p.pf.NumRowGroups()
}

// readRowGroup materialises row group i as a slice of column-name-keyed
// rows, in on-disk order.
func (p *parquetFile) readRowGroup(i int) ([]map[string]any, error) {
	rg := p.pf.RowGroup(i)
	numRows := rg.NumRows()

	reader := rg.Rows()
	defer reader.Close()

	out := make([]map[string]any, 0, numRows)
	buf := make([]parquet.Row, 256)

	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			out = append(out, rowToMap(row, p.colNames))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("rowimport: reading row group %d: %w", i, err)
		}
		if n == 0 {
			break
		}
	}

	return out, nil
}

// rowToMap converts a flat parquet.Row (one value per top-level column, no
// nested repeated groups) into a column-name-keyed map. Source tables for
// this pipeline are flat snapshot exports, so each value's leaf column
// index lines up with colNames.
func rowToMap(row parquet.Row, colNames []string) map[string]any {
	out := make(map[string]any, len(colNames))
	for _, v := range row {
		idx := v.Column()
		if idx < 0 || idx >= len(colNames) {
			continue
		}
		out[colNames[idx]] = valueToGo(v)
	}
	return out
}

func valueToGo(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
