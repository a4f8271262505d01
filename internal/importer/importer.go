// Package importer loads product export files into storage, where the
// ingestion driver pages through them.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/source"
	"github.com/hyperjump/prodvec/internal/storage"
	"github.com/hyperjump/prodvec/pkg/utils"
)

const defaultBatchSize = 500

// Importer streams export rows into storage in batches.
type Importer struct {
	storage     storage.Storage
	allowedExts []string
	batchSize   int
	logger      *zap.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets a logger for import progress.
func WithLogger(l *zap.Logger) Option {
	return func(im *Importer) { im.logger = utils.OrNop(l) }
}

// WithBatchSize sets how many rows go into one insert transaction.
func WithBatchSize(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// Result describes one imported file.
type Result struct {
	Path      string `json:"path"`
	Rows      int    `json:"rows"`
	Inserted  int    `json:"inserted"`
	Unchanged bool   `json:"unchanged,omitempty"`
}

// NewImporter returns an importer writing to store. allowedExts restricts the
// accepted extensions; when empty every format the source package reads is
// accepted.
func NewImporter(store storage.Storage, allowedExts []string, opts ...Option) *Importer {
	im := &Importer{
		storage:     store,
		allowedExts: allowedExts,
		batchSize:   defaultBatchSize,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Accepts reports whether path has an extension the importer will take.
func (im *Importer) Accepts(path string) bool {
	if !source.Supported(path) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	return len(im.allowedExts) == 0 || extensionAllowed(ext, im.allowedExts)
}

// ImportFile imports the export at path. A file already imported with the
// same size and modification time is left alone and reported Unchanged.
func (im *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("absolute path: %w", err)
	}
	res := Result{Path: absPath}
	if !im.Accepts(absPath) {
		return res, fmt.Errorf("extension %q not accepted", filepath.Ext(absPath))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return res, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return res, fmt.Errorf("not a regular file: %s", absPath)
	}

	prev, err := im.storage.GetImport(ctx, absPath)
	if err != nil {
		return res, fmt.Errorf("lookup import: %w", err)
	}
	if prev != nil && prev.Size == info.Size() && prev.ModTime.Equal(info.ModTime()) {
		im.logger.Debug("Skipping unchanged export", zap.String("path", absPath))
		res.Unchanged = true
		return res, nil
	}

	it, err := source.Open(absPath)
	if err != nil {
		return res, err
	}
	defer it.Close()

	batch := make([]models.ProductRow, 0, im.batchSize)
	flush := func() error {
		n, err := im.storage.InsertProducts(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		res.Inserted += n
		batch = batch[:0]
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		res.Rows++
		batch = append(batch, row)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return res, err
		}
	}

	if err := im.storage.RecordImport(ctx, storage.ImportRecord{
		Path:     absPath,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Rows:     res.Rows,
		Inserted: res.Inserted,
	}); err != nil {
		return res, fmt.Errorf("record import: %w", err)
	}
	im.logger.Info("Export imported",
		zap.String("path", absPath),
		zap.Int("rows", res.Rows),
		zap.Int("inserted", res.Inserted))
	return res, nil
}

// ImportDirectory walks dir recursively and imports each accepted regular
// file. It returns the per-file results and the first error encountered.
func (im *Importer) ImportDirectory(ctx context.Context, dir string) ([]Result, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var results []Result
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !im.Accepts(path) {
			return nil
		}
		// Resolve symlinks so only regular files are imported.
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		res, importErr := im.ImportFile(ctx, path)
		if importErr != nil {
			return fmt.Errorf("import %s: %w", path, importErr)
		}
		results = append(results, res)
		return nil
	})
	return results, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
