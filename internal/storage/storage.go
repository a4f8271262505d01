// Package storage defines the persistence interface for imported product rows.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/prodvec/internal/models"
)

// ErrNotFound is returned when a product does not exist.
var ErrNotFound = errors.New("storage: not found")

// ImportRecord remembers an export file that was imported.
type ImportRecord struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Rows       int       `json:"rows"`
	Inserted   int       `json:"inserted"`
	ImportedAt time.Time `json:"imported_at"`
}

// Storage persists product rows in a stable, append-only order so that they
// can be paged by offset.
type Storage interface {
	// Product operations
	InsertProducts(ctx context.Context, rows []models.ProductRow) (int, error)
	GetProduct(ctx context.Context, productID string) (*models.ProductRow, error)
	FetchPage(ctx context.Context, offset, limit int) ([]models.ProductRow, error)
	CountProducts(ctx context.Context) (int64, error)

	// Import bookkeeping
	RecordImport(ctx context.Context, rec ImportRecord) error
	GetImport(ctx context.Context, path string) (*ImportRecord, error)
	ListImports(ctx context.Context) ([]ImportRecord, error)

	Close() error
}
