package local

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

// ReadCSV reads a header row followed by records. Every value is returned as a string; typing
// is the validator's job. Short records are padded with empty values.
func ReadCSV(r io.Reader) (core.Batch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return core.Batch{}, nil
	}
	if err != nil {
		return core.Batch{}, fmt.Errorf("read header: %w", err)
	}
	cols, err := normalizeHeader(header)
	if err != nil {
		return core.Batch{}, err
	}

	var rows []core.Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return core.Batch{}, fmt.Errorf("read row: %w", err)
		}
		if len(rec) > len(cols) {
			return core.Batch{}, fmt.Errorf("line %d: %d values for %d columns", line, len(rec), len(cols))
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" && len(cols) > 1 {
			continue
		}
		row := make(core.Row, len(cols))
		for i, c := range cols {
			if i < len(rec) {
				row[c] = rec[i]
			} else {
				row[c] = ""
			}
		}
		rows = append(rows, row)
	}
	return core.Batch{Columns: cols, Rows: rows}, nil
}

// WriteCSV writes b with a header in b.ColumnOrder(). Values are rendered with core.FormatValue.
func WriteCSV(w io.Writer, b core.Batch) error {
	cols := b.ColumnOrder()
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	rec := make([]string, len(cols))
	for _, r := range b.Rows {
		for i, c := range cols {
			rec[i] = core.FormatValue(r[c])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// normalizeHeader lower-cases and trims column names (extracts mix DESYNPUF_ID and desynpuf_id)
// and rejects blanks and duplicates.
func normalizeHeader(header []string) ([]string, error) {
	cols := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		c := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if c == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate header column %q", c)
		}
		seen[c] = true
		cols[i] = c
	}
	return cols, nil
}
