// Package source reads product rows out of export files (CSV, TSV and XLSX)
// and serves them as a paged row source.
package source

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/prodvec/internal/models"
)

// RowIterator yields product rows in file order. Next returns io.EOF after
// the last row.
type RowIterator interface {
	Next() (models.ProductRow, error)
	Close() error
}

// SupportedExtensions lists the export formats Open understands.
var SupportedExtensions = []string{".csv", ".tsv", ".xlsx"}

// Supported reports whether path has an export extension Open can read.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Open returns an iterator over the rows of the export at path, chosen by
// extension. Rows carry the file's base name as Source.
func Open(path string) (RowIterator, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return openCSV(path, ',')
	case ".tsv":
		return openCSV(path, '\t')
	case ".xlsx":
		return openXLSX(path)
	default:
		return nil, fmt.Errorf("unsupported export format %q", ext)
	}
}
