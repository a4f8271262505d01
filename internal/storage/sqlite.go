package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/prodvec/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// seq orders products by first import and never changes for a stored row,
// which keeps OFFSET paging stable while new exports are appended.
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		brand TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '',
		rating TEXT NOT NULL DEFAULT '',
		rating_count TEXT NOT NULL DEFAULT '',
		rank TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS imports (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL,
		row_count INTEGER NOT NULL,
		inserted INTEGER NOT NULL,
		imported_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

const productColumns = `product_id, title, brand, category, description, price, rating, rating_count, rank, url, image_url, source`

func scanProduct(sc interface{ Scan(...any) error }) (models.ProductRow, error) {
	var p models.ProductRow
	err := sc.Scan(&p.ProductID, &p.Title, &p.Brand, &p.Category, &p.Description, &p.Price,
		&p.Rating, &p.RatingCount, &p.Rank, &p.URL, &p.ImageURL, &p.Source)
	return p, err
}

// InsertProducts inserts rows in a transaction. Rows without a product ID and
// rows whose product ID is already stored are ignored; the first import of a
// product wins. Returns the number of rows actually inserted.
func (s *SQLiteStorage) InsertProducts(ctx context.Context, rows []models.ProductRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO products (`+productColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range rows {
		if !p.HasIdentity() {
			continue
		}
		res, err := stmt.ExecContext(ctx, p.ProductID, p.Title, p.Brand, p.Category, p.Description,
			p.Price, p.Rating, p.RatingCount, p.Rank, p.URL, p.ImageURL, p.Source)
		if err != nil {
			return 0, fmt.Errorf("insert product %s: %w", p.ProductID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetProduct returns a product by its product ID.
func (s *SQLiteStorage) GetProduct(ctx context.Context, productID string) (*models.ProductRow, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE product_id = ?`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FetchPage returns up to limit products in import order starting at offset.
// An empty page means there are no more rows.
func (s *SQLiteStorage) FetchPage(ctx context.Context, offset, limit int) ([]models.ProductRow, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid page offset=%d limit=%d", offset, limit)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY seq LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []models.ProductRow
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, p)
	}
	return page, rows.Err()
}

// CountProducts returns the total number of stored products.
func (s *SQLiteStorage) CountProducts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&count)
	return count, err
}

// RecordImport stores or replaces the import record for rec.Path.
func (s *SQLiteStorage) RecordImport(ctx context.Context, rec ImportRecord) error {
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO imports (path, size, mod_time, row_count, inserted, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Path, rec.Size, rec.ModTime.UTC(), rec.Rows, rec.Inserted, rec.ImportedAt.UTC(),
	)
	return err
}

// GetImport returns the import record for path, or nil when the file was never imported.
func (s *SQLiteStorage) GetImport(ctx context.Context, path string) (*ImportRecord, error) {
	var rec ImportRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT path, size, mod_time, row_count, inserted, imported_at FROM imports WHERE path = ?`, path,
	).Scan(&rec.Path, &rec.Size, &rec.ModTime, &rec.Rows, &rec.Inserted, &rec.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListImports returns all import records, most recent first.
func (s *SQLiteStorage) ListImports(ctx context.Context) ([]ImportRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, mod_time, row_count, inserted, imported_at FROM imports ORDER BY imported_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ImportRecord
	for rows.Next() {
		var rec ImportRecord
		if err := rows.Scan(&rec.Path, &rec.Size, &rec.ModTime, &rec.Rows, &rec.Inserted, &rec.ImportedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
