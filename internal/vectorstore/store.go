// Package vectorstore pairs an HNSW index with the ordered list of documents
// whose vectors it holds. Slot i in the index always belongs to documents[i].
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/embedding"
	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/vector"
	"github.com/hyperjump/prodvec/pkg/utils"
)

var (
	// ErrEmbed wraps embedding provider failures. They are transient and the
	// caller may retry the batch.
	ErrEmbed = errors.New("vectorstore: embedding failed")
	// ErrInsert wraps a failed index insertion of a single document.
	ErrInsert = errors.New("vectorstore: insert failed")
	// ErrReset is returned by AddDocuments when the store was reset while the
	// batch was being embedded.
	ErrReset = errors.New("vectorstore: store reset during batch")
)

// Options configures the index a store allocates on Initialize.
type Options struct {
	Dimension      int
	MaxElements    int
	M              int
	EfConstruction int
	EfSearch       int
}

func (o *Options) setDefaults() {
	if o.MaxElements <= 0 {
		o.MaxElements = 10000
	}
	// Same rule as the index: fewer than two links per node is not a graph.
	if o.M < 2 {
		o.M = 16
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = 200
	}
	if o.EfSearch <= 0 {
		o.EfSearch = 50
	}
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Initialized    bool   `json:"initialized"`
	Built          bool   `json:"index_built"`
	Searchable     bool   `json:"searchable"`
	Documents      int    `json:"documents"`
	Capacity       int    `json:"capacity"`
	Dimension      int    `json:"dimension"`
	Space          string `json:"space"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
}

// Store is the vector store. It moves through Uninitialized, Initialized
// (empty) and Built (at least one document); Reset returns it to Initialized.
//
// A RWMutex guards the index and documents. Embedding runs outside the lock,
// so searches can interleave with AddDocuments and observe a prefix of the
// corpus being built.
type Store struct {
	embedder embedding.Embedder
	opts     Options
	logger   *zap.Logger

	mu          sync.RWMutex
	index       *vector.HNSW
	documents   []models.Document
	initialized bool
	built       bool
	generation  uint64

	cursor     *Cursor
	cursorDocs int // document count the cursor was recorded at
}

// New creates an uninitialized store. The dimension defaults to the
// embedder's. logger may be nil.
func New(embedder embedding.Embedder, opts Options, logger *zap.Logger) *Store {
	if opts.Dimension <= 0 && embedder != nil {
		opts.Dimension = embedder.Dimensions()
	}
	opts.setDefaults()
	return &Store{embedder: embedder, opts: opts, logger: utils.OrNop(logger)}
}

// Initialize allocates an empty cosine index. It is a no-op when the store is
// already initialized; use Reset to discard existing state.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Store) initLocked() error {
	if s.initialized {
		return nil
	}
	return s.allocLocked()
}

func (s *Store) allocLocked() error {
	idx, err := vector.NewHNSW(vector.Config{
		Dim:            s.opts.Dimension,
		MaxElements:    s.opts.MaxElements,
		M:              s.opts.M,
		EfConstruction: s.opts.EfConstruction,
		EfSearch:       s.opts.EfSearch,
	})
	if err != nil {
		return fmt.Errorf("initialize index: %w", err)
	}
	s.index = idx
	s.documents = nil
	s.initialized = true
	s.built = false
	s.cursor = nil
	s.generation++
	return nil
}

// Reset discards the index and all documents and leaves the store
// initialized and empty.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allocLocked(); err != nil {
		s.clearLocked()
		return err
	}
	s.logger.Info("Vector store reset")
	return nil
}

func (s *Store) clearLocked() {
	s.index = nil
	s.documents = nil
	s.initialized = false
	s.built = false
	s.cursor = nil
	s.generation++
}

// AddDocuments embeds and appends docs in order. Documents with empty content
// or without a usable vector are skipped. Provider and insertion failures do
// not stop the batch; they are joined into the returned error (wrapping
// ErrEmbed or ErrInsert) alongside the number of documents actually added.
func (s *Store) AddDocuments(ctx context.Context, docs []models.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if err := s.initLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if err := s.growLocked(len(s.documents) + len(docs)); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	gen := s.generation
	dim := s.index.Config().Dim
	s.mu.Unlock()

	var errs []error
	added := 0
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if doc.Content == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, doc.Content)
		if err != nil {
			s.logger.Warn("Embedding failed", zap.Int("batch_pos", i), zap.Error(err))
			errs = append(errs, fmt.Errorf("%w: document %d: %w", ErrEmbed, i, err))
			continue
		}
		if reason := unusable(vec, dim); reason != "" {
			s.logger.Warn("Skipping document without usable vector",
				zap.Int("batch_pos", i),
				zap.String("reason", reason),
				zap.Any("product_id", doc.Metadata["product_id"]))
			continue
		}

		if err := s.insert(gen, vec, doc); err != nil {
			if errors.Is(err, ErrReset) {
				errs = append(errs, err)
				break
			}
			s.logger.Warn("Insert failed", zap.Int("batch_pos", i), zap.Error(err))
			errs = append(errs, fmt.Errorf("%w: document %d: %w", ErrInsert, i, err))
			continue
		}
		added++
	}
	return added, errors.Join(errs...)
}

func (s *Store) insert(gen uint64, vec []float32, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.initialized {
		return ErrReset
	}
	// Another writer may have filled the capacity reserved for this batch.
	if s.index.Len() >= s.index.Cap() {
		if err := s.growLocked(s.index.Len() + 1); err != nil {
			return err
		}
	}
	slot, err := s.index.Add(vec)
	if err != nil {
		return err
	}
	if slot != len(s.documents) {
		return fmt.Errorf("slot %d does not match document count %d", slot, len(s.documents))
	}
	s.documents = append(s.documents, doc)
	s.built = true
	return nil
}

// growLocked raises capacity to max(2*old, required) when required exceeds it.
func (s *Store) growLocked(required int) error {
	old := s.index.Cap()
	if required <= old {
		return nil
	}
	newCap := max(2*old, required)
	if err := s.index.Resize(newCap); err != nil {
		return fmt.Errorf("grow capacity to %d: %w", newCap, err)
	}
	s.logger.Debug("Index capacity grown", zap.Int("from", old), zap.Int("to", newCap))
	return nil
}

func unusable(vec []float32, dim int) string {
	switch {
	case len(vec) == 0:
		return "no vector"
	case len(vec) != dim:
		return fmt.Sprintf("dimension %d, want %d", len(vec), dim)
	}
	nonZero := false
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return "non-finite value"
		}
		nonZero = nonZero || v != 0
	}
	if !nonZero {
		return "zero vector"
	}
	return ""
}

// SimilaritySearch returns up to k documents nearest to query, closest first,
// with Score set to the cosine distance. It never fails: an unsearchable
// store, k <= 0 or a failed query embedding all yield an empty result.
func (s *Store) SimilaritySearch(ctx context.Context, query string, k int) []models.SearchResult {
	results := []models.SearchResult{}
	if k <= 0 || !s.IsSearchable() {
		return results
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("Query embedding failed", zap.Error(err))
		return results
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil || len(s.documents) == 0 {
		return results
	}
	if reason := unusable(vec, s.index.Config().Dim); reason != "" {
		s.logger.Debug("Query has no usable vector", zap.String("reason", reason))
		return results
	}
	k = min(k, len(s.documents))
	matches, err := s.index.Search(vec, k)
	if err != nil {
		s.logger.Warn("Index search failed", zap.Error(err))
		return results
	}
	for _, m := range matches {
		doc := s.documents[m.Slot]
		meta := make(map[string]interface{}, len(doc.Metadata))
		for key, v := range doc.Metadata {
			meta[key] = v
		}
		results = append(results, models.SearchResult{
			Content:  doc.Content,
			Metadata: meta,
			Score:    float64(m.Distance),
		})
	}
	return results
}

// IsSearchable reports whether the store is initialized, built and holds at
// least one document.
func (s *Store) IsSearchable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized && s.built && len(s.documents) > 0
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// Capacity returns the index's declared capacity, or 0 when uninitialized.
func (s *Store) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return 0
	}
	return s.index.Cap()
}

// Dimension returns the vector dimension.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index != nil {
		return s.index.Config().Dim
	}
	return s.opts.Dimension
}

// Document returns the document at slot.
func (s *Store) Document(slot int) (models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slot < 0 || slot >= len(s.documents) {
		return models.Document{}, false
	}
	return s.documents[slot], true
}

// Stats returns a snapshot of the store state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Initialized: s.initialized,
		Built:       s.built,
		Searchable:  s.initialized && s.built && len(s.documents) > 0,
		Documents:   len(s.documents),
		Space:       vector.SpaceCosine,
		Dimension:   s.opts.Dimension,
		M:           s.opts.M,
	}
	st.EfConstruction = s.opts.EfConstruction
	if s.index != nil {
		cfg := s.index.Config()
		st.Capacity = cfg.MaxElements
		st.Dimension = cfg.Dim
		st.M = cfg.M
		st.EfConstruction = cfg.EfConstruction
	}
	return st
}
