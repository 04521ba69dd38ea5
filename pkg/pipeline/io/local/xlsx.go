package local

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

// ReadXLSX reads one sheet of a workbook (the first when sheet is empty) the same way ReadCSV
// reads a file: header row first, all values as displayed text.
func ReadXLSX(r io.Reader, sheet string) (core.Batch, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return core.Batch{}, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return core.Batch{}, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return core.Batch{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(records) == 0 {
		return core.Batch{}, nil
	}
	cols, err := normalizeHeader(records[0])
	if err != nil {
		return core.Batch{}, fmt.Errorf("sheet %q: %w", sheet, err)
	}

	rows := make([]core.Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) == 0 {
			continue
		}
		if len(rec) > len(cols) {
			return core.Batch{}, fmt.Errorf("sheet %q row %d: %d values for %d columns", sheet, i+2, len(rec), len(cols))
		}
		row := make(core.Row, len(cols))
		for j, c := range cols {
			if j < len(rec) {
				row[c] = rec[j]
			} else {
				row[c] = ""
			}
		}
		rows = append(rows, row)
	}
	return core.Batch{Columns: cols, Rows: rows}, nil
}

// WriteXLSX renders b as a single-sheet workbook, for handing gold tables to spreadsheet users.
func WriteXLSX(w io.Writer, sheet string, b core.Batch) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	if sheet == "" {
		sheet = "Sheet1"
	}
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return err
		}
	}

	cols := b.ColumnOrder()
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range b.Rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = core.FormatValue(r[c])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}
