package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/prodvec/internal/models"
)

type csvIterator struct {
	f      *os.File
	r      *csv.Reader
	cols   *Columns
	source string
}

func openCSV(path string, delim rune) (RowIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	r := csv.NewReader(f)
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("export %s is empty", filepath.Base(path))
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols, err := NewColumns(header)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("export %s: %w", filepath.Base(path), err)
	}
	return &csvIterator{f: f, r: r, cols: cols, source: filepath.Base(path)}, nil
}

func (it *csvIterator) Next() (models.ProductRow, error) {
	record, err := it.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return models.ProductRow{}, io.EOF
		}
		return models.ProductRow{}, fmt.Errorf("read %s: %w", it.source, err)
	}
	return it.cols.Row(record, it.source), nil
}

func (it *csvIterator) Close() error {
	return it.f.Close()
}

// FileSource serves an export file directly as a paged row source. Offsets
// count data rows after the header. Sequential pages continue from an open
// cursor; any other offset reopens the file and skips ahead.
type FileSource struct {
	path string

	mu  sync.Mutex
	it  RowIterator
	pos int
}

// NewFileSource returns a row source over the export at path.
func NewFileSource(path string) (*FileSource, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("unsupported export format %q", filepath.Ext(path))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("export file: %w", err)
	}
	return &FileSource{path: path}, nil
}

// FetchPage returns up to limit rows starting at offset. An empty page means
// the end of the file.
func (s *FileSource) FetchPage(ctx context.Context, offset, limit int) ([]models.ProductRow, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid page offset=%d limit=%d", offset, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.it == nil || offset != s.pos {
		if err := s.seekLocked(ctx, offset); err != nil {
			return nil, err
		}
		if s.it == nil {
			return nil, nil
		}
	}

	rows := make([]models.ProductRow, 0, limit)
	for len(rows) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := s.it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.closeLocked()
			return nil, err
		}
		rows = append(rows, row)
		s.pos++
	}
	return rows, nil
}

// seekLocked reopens the file and skips offset rows. It leaves s.it nil when
// the file has fewer rows than offset.
func (s *FileSource) seekLocked(ctx context.Context, offset int) error {
	s.closeLocked()
	it, err := Open(s.path)
	if err != nil {
		return err
	}
	for i := 0; i < offset; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				_ = it.Close()
				return err
			}
		}
		if _, err := it.Next(); err != nil {
			_ = it.Close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	s.it = it
	s.pos = offset
	return nil
}

func (s *FileSource) closeLocked() {
	if s.it != nil {
		_ = s.it.Close()
		s.it = nil
	}
	s.pos = 0
}

// Close releases the open cursor, if any.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
