package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/vector"
)

// sidecar is the JSON file stored next to the binary index.
type sidecar struct {
	Documents      []models.Document `json:"documents"`
	Dimension      int               `json:"dimension"`
	MaxElements    int               `json:"maxElements"`
	IndexBuilt     bool              `json:"indexBuilt"`
	SpaceName      string            `json:"spaceName"`
	EfConstruction int               `json:"efConstruction"`
	M              int               `json:"M"`
	EfSearch       int               `json:"efSearch,omitempty"`
	Cursor         *Cursor           `json:"cursor,omitempty"`
}

// Cursor records how far the producer of a snapshot had read its source
// when the snapshot was written. Processed equals the document count.
type Cursor struct {
	Offset    int `json:"offset"`
	Processed int `json:"processed"`
}

// IndexPath and MetaPath name the two files of a snapshot at base.
func IndexPath(base string) string { return base + ".index" }
func MetaPath(base string) string  { return base + ".json" }

// SnapshotExists reports whether both files of the snapshot at base exist.
func SnapshotExists(base string) bool {
	for _, p := range []string{IndexPath(base), MetaPath(base)} {
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

// Save writes the snapshot pair at base: the binary index to base.index, then
// the sidecar to base.json. Each file is replaced atomically by rename, but a
// crash between the two renames leaves a pair from different saves; Load
// detects that through the document count check and fails.
//
// Save returns false without writing anything when the store is
// uninitialized or empty.
func (s *Store) Save(base string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked(base, s.cursorLocked())
}

// SaveAt is Save with the source position the current documents cover. The
// cursor is written into the sidecar and kept until the documents change.
func (s *Store) SaveAt(base string, c Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saveLocked(base, &c) {
		return false
	}
	s.cursor, s.cursorDocs = &c, len(s.documents)
	return true
}

// Cursor returns the position recorded by the last SaveAt or Load, as long
// as no document was added since.
func (s *Store) Cursor() (Cursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.cursorLocked(); c != nil {
		return *c, true
	}
	return Cursor{}, false
}

func (s *Store) cursorLocked() *Cursor {
	if s.cursor == nil || s.cursorDocs != len(s.documents) {
		return nil
	}
	return s.cursor
}

func (s *Store) saveLocked(base string, c *Cursor) bool {
	if !s.initialized || s.index == nil || len(s.documents) == 0 {
		s.logger.Warn("Nothing to save", zap.String("path", base), zap.Bool("initialized", s.initialized))
		return false
	}
	if err := s.index.SaveFile(IndexPath(base)); err != nil {
		s.logger.Error("Failed to save index", zap.String("path", base), zap.Error(err))
		return false
	}

	cfg := s.index.Config()
	meta := sidecar{
		Documents:      s.documents,
		Dimension:      cfg.Dim,
		MaxElements:    cfg.MaxElements,
		IndexBuilt:     s.built,
		SpaceName:      vector.SpaceCosine,
		EfConstruction: cfg.EfConstruction,
		M:              cfg.M,
		EfSearch:       cfg.EfSearch,
		Cursor:         c,
	}
	if err := writeJSONAtomic(MetaPath(base), meta); err != nil {
		s.logger.Error("Failed to save metadata", zap.String("path", base), zap.Error(err))
		return false
	}
	s.logger.Info("Vector store saved",
		zap.String("path", base),
		zap.Int("documents", len(s.documents)),
		zap.Int("capacity", cfg.MaxElements))
	return true
}

// Load replaces the store's state with the snapshot at base. Both files must
// exist and agree on dimension and document count. On any failure the store
// is left uninitialized and Load returns false.
func (s *Store) Load(base string) bool {
	idx, docs, built, cursor, err := s.readSnapshot(base)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.clearLocked()
		s.logger.Error("Failed to load vector store", zap.String("path", base), zap.Error(err))
		return false
	}
	cfg := idx.Config()
	s.index = idx
	s.documents = docs
	s.initialized = true
	s.built = built && len(docs) > 0
	s.cursor, s.cursorDocs = cursor, len(docs)
	s.opts.Dimension = cfg.Dim
	s.opts.M = cfg.M
	s.opts.EfConstruction = cfg.EfConstruction
	s.generation++
	s.logger.Info("Vector store loaded",
		zap.String("path", base),
		zap.Int("documents", len(docs)),
		zap.Int("capacity", cfg.MaxElements))
	return true
}

func (s *Store) readSnapshot(base string) (*vector.HNSW, []models.Document, bool, *Cursor, error) {
	if _, err := os.Stat(IndexPath(base)); err != nil {
		return nil, nil, false, nil, fmt.Errorf("index file: %w", err)
	}
	data, err := os.ReadFile(MetaPath(base))
	if err != nil {
		return nil, nil, false, nil, fmt.Errorf("metadata file: %w", err)
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, false, nil, fmt.Errorf("parse metadata: %w", err)
	}
	if meta.SpaceName != vector.SpaceCosine {
		return nil, nil, false, nil, fmt.Errorf("unsupported space %q", meta.SpaceName)
	}
	if meta.Dimension <= 0 {
		return nil, nil, false, nil, fmt.Errorf("invalid dimension %d", meta.Dimension)
	}
	if s.embedder != nil && s.embedder.Dimensions() != meta.Dimension {
		return nil, nil, false, nil, fmt.Errorf("snapshot dimension %d does not match embedder dimension %d",
			meta.Dimension, s.embedder.Dimensions())
	}

	idx, err := vector.LoadFile(IndexPath(base), meta.MaxElements, meta.Dimension)
	if err != nil {
		return nil, nil, false, nil, err
	}
	cfg := idx.Config()
	if cfg.Dim != meta.Dimension {
		return nil, nil, false, nil, fmt.Errorf("index dimension %d does not match metadata dimension %d", cfg.Dim, meta.Dimension)
	}
	if idx.Len() != len(meta.Documents) {
		return nil, nil, false, nil, fmt.Errorf("index holds %d vectors but metadata lists %d documents", idx.Len(), len(meta.Documents))
	}
	if s.opts.EfSearch > 0 {
		idx.SetEfSearch(s.opts.EfSearch)
	}
	return idx, meta.Documents, meta.IndexBuilt, meta.Cursor, nil
}

// RemoveSnapshot deletes both files of the snapshot at base.
func RemoveSnapshot(base string) error {
	var errs []error
	for _, p := range []string{IndexPath(base), MetaPath(base)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
