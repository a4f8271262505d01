package source

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/prodvec/internal/models"
)

// xlsxIterator streams rows from the first sheet of a workbook.
type xlsxIterator struct {
	f      *excelize.File
	rows   *excelize.Rows
	cols   *Columns
	source string
}

func openXLSX(path string) (RowIterator, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("workbook %s has no sheets", filepath.Base(path))
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rows for sheet %q: %w", sheets[0], err)
	}
	it := &xlsxIterator{f: f, rows: rows, source: filepath.Base(path)}
	if !rows.Next() {
		_ = it.Close()
		return nil, fmt.Errorf("workbook %s is empty", filepath.Base(path))
	}
	header, err := rows.Columns()
	if err != nil {
		_ = it.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if it.cols, err = NewColumns(header); err != nil {
		_ = it.Close()
		return nil, fmt.Errorf("workbook %s: %w", filepath.Base(path), err)
	}
	return it, nil
}

func (it *xlsxIterator) Next() (models.ProductRow, error) {
	if !it.rows.Next() {
		if err := it.rows.Error(); err != nil {
			return models.ProductRow{}, fmt.Errorf("read %s: %w", it.source, err)
		}
		return models.ProductRow{}, io.EOF
	}
	record, err := it.rows.Columns()
	if err != nil {
		return models.ProductRow{}, fmt.Errorf("read %s: %w", it.source, err)
	}
	return it.cols.Row(record, it.source), nil
}

func (it *xlsxIterator) Close() error {
	_ = it.rows.Close()
	return it.f.Close()
}
