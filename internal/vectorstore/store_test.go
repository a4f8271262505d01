package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/hyperjump/prodvec/internal/embedding"
	"github.com/hyperjump/prodvec/internal/models"
)

func newTestStore(t *testing.T, maxElements int) *Store {
	t.Helper()
	return New(embedding.NewHashEmbedder(64, 1), Options{MaxElements: maxElements}, nil)
}

func productDocs(n int) []models.Document {
	docs := make([]models.Document, n)
	for i := range docs {
		docs[i] = models.Document{
			Content:  fmt.Sprintf("Product: item%d model%d series%d", i, i*7, i*13),
			Metadata: map[string]interface{}{"product_id": fmt.Sprintf("P%d", i)},
		}
	}
	return docs
}

// stubEmbedder returns canned answers by content.
type stubEmbedder struct {
	dim     int
	vectors map[string][]float32
	errs    map[string]error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := s.errs[text]; err != nil {
		return nil, err
	}
	return s.vectors[text], nil
}
func (s *stubEmbedder) Dimensions() int { return s.dim }
func (s *stubEmbedder) Close() error    { return nil }

func TestStore_DegradedBeforeAdd(t *testing.T) {
	s := newTestStore(t, 10)
	if s.IsSearchable() {
		t.Error("new store should not be searchable")
	}
	res := s.SimilaritySearch(context.Background(), "widget", 5)
	if res == nil || len(res) != 0 {
		t.Errorf("expected empty non-nil result, got %v", res)
	}
	if s.Save(filepath.Join(t.TempDir(), "store")) {
		t.Error("Save of an uninitialized store should return false")
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.IsSearchable() {
		t.Error("initialized empty store should not be searchable")
	}
	if s.Save(filepath.Join(t.TempDir(), "store")) {
		t.Error("Save of an empty store should return false")
	}
}

func TestStore_SelfRetrieval(t *testing.T) {
	s := newTestStore(t, 100)
	docs := productDocs(50)
	added, err := s.AddDocuments(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if added != 50 || s.Len() != 50 {
		t.Fatalf("added=%d Len=%d", added, s.Len())
	}
	for i, d := range docs {
		res := s.SimilaritySearch(context.Background(), d.Content, 1)
		if len(res) != 1 {
			t.Fatalf("doc %d: %d results", i, len(res))
		}
		if res[0].Metadata["product_id"] != d.Metadata["product_id"] {
			t.Errorf("doc %d: got %v", i, res[0].Metadata["product_id"])
		}
		if res[0].Score > 1e-4 {
			t.Errorf("doc %d: self distance %f", i, res[0].Score)
		}
	}
}

func TestStore_WidgetQuery(t *testing.T) {
	s := newTestStore(t, 10)
	docs := []models.Document{
		{Content: "Product: Widget", Metadata: map[string]interface{}{"product_id": "A1"}},
		{Content: "Product: Gadget", Metadata: map[string]interface{}{"product_id": "A2"}},
		{Content: "", Metadata: map[string]interface{}{"product_id": "A3"}},
	}
	added, err := s.AddDocuments(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("added=%d, want 2", added)
	}
	res := s.SimilaritySearch(context.Background(), "Widget", 1)
	if len(res) != 1 || res[0].Metadata["product_id"] != "A1" {
		t.Fatalf("expected A1, got %+v", res)
	}
	all := s.SimilaritySearch(context.Background(), "Widget", 10)
	if len(all) != 2 {
		t.Fatalf("k should clamp to 2, got %d", len(all))
	}
	if all[0].Score > all[1].Score {
		t.Error("results not ascending by distance")
	}
}

func TestStore_SaveLoadEquivalence(t *testing.T) {
	base := filepath.Join(t.TempDir(), "snap", "products")
	s := newTestStore(t, 40)
	docs := productDocs(30)
	if _, err := s.AddDocuments(context.Background(), docs); err != nil {
		t.Fatal(err)
	}
	if !s.Save(base) {
		t.Fatal("Save returned false")
	}
	if !SnapshotExists(base) {
		t.Fatal("snapshot files missing")
	}

	loaded := newTestStore(t, 5)
	if !loaded.Load(base) {
		t.Fatal("Load returned false")
	}
	if loaded.Len() != 30 || loaded.Capacity() != s.Capacity() {
		t.Errorf("Len=%d Capacity=%d, want 30/%d", loaded.Len(), loaded.Capacity(), s.Capacity())
	}
	if !loaded.IsSearchable() {
		t.Error("loaded store should be searchable")
	}

	for _, q := range []string{"item3", "model42 series", "unrelated words", docs[17].Content} {
		want := s.SimilaritySearch(context.Background(), q, 5)
		got := loaded.SimilaritySearch(context.Background(), q, 5)
		if len(got) != len(want) {
			t.Fatalf("%q: %d vs %d results", q, len(got), len(want))
		}
		for i := range want {
			if got[i].Content != want[i].Content || got[i].Metadata["product_id"] != want[i].Metadata["product_id"] {
				t.Errorf("%q rank %d: got %q want %q", q, i, got[i].Content, want[i].Content)
			}
			if math.Abs(got[i].Score-want[i].Score) > 1e-6 {
				t.Errorf("%q rank %d: score %f vs %f", q, i, got[i].Score, want[i].Score)
			}
		}
	}
}

func TestStore_ResetThenInitializeMatchesFresh(t *testing.T) {
	s := newTestStore(t, 10)
	if _, err := s.AddDocuments(context.Background(), productDocs(5)); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	fresh := newTestStore(t, 10)
	if err := fresh.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Stats() != fresh.Stats() {
		t.Errorf("stats differ: %+v vs %+v", s.Stats(), fresh.Stats())
	}
	if len(s.SimilaritySearch(context.Background(), "item1", 3)) != 0 {
		t.Error("reset store should return no results")
	}

	docs := productDocs(3)
	_, _ = s.AddDocuments(context.Background(), docs)
	_, _ = fresh.AddDocuments(context.Background(), docs)
	a := s.SimilaritySearch(context.Background(), "item2", 3)
	b := fresh.SimilaritySearch(context.Background(), "item2", 3)
	for i := range a {
		if a[i].Content != b[i].Content || a[i].Score != b[i].Score {
			t.Errorf("rank %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestStore_InitializeIsNoOpWhenInitialized(t *testing.T) {
	s := newTestStore(t, 10)
	_, _ = s.AddDocuments(context.Background(), productDocs(2))
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Errorf("Initialize discarded documents: Len=%d", s.Len())
	}
}

func TestStore_ResizeAcrossBatches(t *testing.T) {
	const maxElements = 8
	s := newTestStore(t, maxElements)
	docs := productDocs(maxElements + 1)
	if _, err := s.AddDocuments(context.Background(), docs[:maxElements]); err != nil {
		t.Fatal(err)
	}
	if s.Capacity() != maxElements {
		t.Errorf("Capacity=%d before overflow", s.Capacity())
	}
	if _, err := s.AddDocuments(context.Background(), docs[maxElements:]); err != nil {
		t.Fatal(err)
	}
	if s.Len() != maxElements+1 {
		t.Fatalf("Len=%d, want %d", s.Len(), maxElements+1)
	}
	if s.Capacity() != 2*maxElements {
		t.Errorf("Capacity=%d, want %d", s.Capacity(), 2*maxElements)
	}
	for i, d := range docs {
		got, ok := s.Document(i)
		if !ok || got.Content != d.Content {
			t.Errorf("slot %d holds %q, want %q", i, got.Content, d.Content)
		}
	}
}

func TestStore_GrowsToRequiredCapacity(t *testing.T) {
	s := newTestStore(t, 2)
	if _, err := s.AddDocuments(context.Background(), productDocs(9)); err != nil {
		t.Fatal(err)
	}
	if s.Capacity() != 9 {
		t.Errorf("Capacity=%d, want 9", s.Capacity())
	}
}

func TestStore_SkipEmptyContentPersists(t *testing.T) {
	s := newTestStore(t, 10)
	docs := productDocs(3)
	docs[1].Content = ""
	added, err := s.AddDocuments(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 || s.Len() != 2 {
		t.Fatalf("added=%d Len=%d", added, s.Len())
	}
	base := filepath.Join(t.TempDir(), "skip")
	if !s.Save(base) {
		t.Fatal("Save failed")
	}
	loaded := newTestStore(t, 10)
	if !loaded.Load(base) || loaded.Len() != 2 {
		t.Errorf("loaded Len=%d, want 2", loaded.Len())
	}
}

func TestStore_UnusableVectorsAndErrors(t *testing.T) {
	boom := errors.New("provider unavailable")
	emb := &stubEmbedder{
		dim: 2,
		vectors: map[string][]float32{
			"good":  {1, 0},
			"short": {1},
			"nan":   {float32(math.NaN()), 1},
			"zero":  {0, 0},
			"good2": {0, 1},
		},
		errs: map[string]error{"flaky": boom},
	}
	s := New(emb, Options{MaxElements: 4}, nil)
	docs := []models.Document{
		{Content: "good"}, {Content: "none"}, {Content: "short"},
		{Content: "nan"}, {Content: "zero"}, {Content: "flaky"}, {Content: "good2"},
	}
	added, err := s.AddDocuments(context.Background(), docs)
	if added != 2 || s.Len() != 2 {
		t.Fatalf("added=%d Len=%d, want 2", added, s.Len())
	}
	if !errors.Is(err, ErrEmbed) || !errors.Is(err, boom) {
		t.Errorf("expected joined ErrEmbed wrapping provider error, got %v", err)
	}
	d, _ := s.Document(1)
	if d.Content != "good2" {
		t.Errorf("slot 1 = %q, want good2", d.Content)
	}
}

func TestStore_QueryEmbeddingFailure(t *testing.T) {
	emb := &stubEmbedder{
		dim:     2,
		vectors: map[string][]float32{"doc": {1, 0}},
		errs:    map[string]error{"bad query": errors.New("down")},
	}
	s := New(emb, Options{}, nil)
	_, _ = s.AddDocuments(context.Background(), []models.Document{{Content: "doc"}})
	if res := s.SimilaritySearch(context.Background(), "bad query", 1); len(res) != 0 {
		t.Errorf("expected empty result, got %v", res)
	}
	if res := s.SimilaritySearch(context.Background(), "doc", 0); len(res) != 0 {
		t.Errorf("k=0 should be empty, got %v", res)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s := newTestStore(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	added, err := s.AddDocuments(ctx, productDocs(3))
	if added != 0 || !errors.Is(err, context.Canceled) {
		t.Errorf("added=%d err=%v", added, err)
	}
}

func TestStore_MDefaultMatchesIndex(t *testing.T) {
	tests := []struct {
		m, want int
	}{
		{0, 16},
		{1, 16},
		{2, 2},
		{12, 12},
	}
	for _, tt := range tests {
		s := New(embedding.NewHashEmbedder(8, 1), Options{MaxElements: 4, M: tt.m}, nil)
		if s.opts.M != tt.want {
			t.Errorf("M=%d: options M = %d, want %d", tt.m, s.opts.M, tt.want)
		}
		if err := s.Initialize(); err != nil {
			t.Fatal(err)
		}
		if got := s.index.Config().M; got != s.opts.M {
			t.Errorf("M=%d: index runs with %d, options say %d", tt.m, got, s.opts.M)
		}
		if st := s.Stats(); st.M != tt.want {
			t.Errorf("M=%d: Stats().M = %d, want %d", tt.m, st.M, tt.want)
		}
	}
}

func TestStore_CursorFollowsSnapshot(t *testing.T) {
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "products")
	s := newTestStore(t, 8)
	if _, err := s.AddDocuments(ctx, productDocs(3)); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Cursor(); ok {
		t.Error("a store never saved with a cursor should report none")
	}
	if !s.SaveAt(base, Cursor{Offset: 5, Processed: 3}) {
		t.Fatal("SaveAt failed")
	}
	if c, ok := s.Cursor(); !ok || c.Offset != 5 || c.Processed != 3 {
		t.Errorf("Cursor() = %+v, %v", c, ok)
	}

	loaded := newTestStore(t, 8)
	if !loaded.Load(base) {
		t.Fatal("Load failed")
	}
	if c, ok := loaded.Cursor(); !ok || c.Offset != 5 {
		t.Errorf("loaded Cursor() = %+v, %v", c, ok)
	}

	// Adding documents invalidates the cursor, and a plain Save drops it.
	if _, err := loaded.AddDocuments(ctx, productDocs(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := loaded.Cursor(); ok {
		t.Error("cursor should not survive new documents")
	}
	if !loaded.Save(base) {
		t.Fatal("Save failed")
	}
	again := newTestStore(t, 8)
	if !again.Load(base) {
		t.Fatal("Load failed")
	}
	if _, ok := again.Cursor(); ok {
		t.Error("plain Save after new documents should not record a cursor")
	}
	if err := again.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, ok := again.Cursor(); ok {
		t.Error("Reset should clear the cursor")
	}
}

func TestStore_ZeroQueryVectorFindsNothing(t *testing.T) {
	emb := &stubEmbedder{dim: 2, vectors: map[string][]float32{"doc": {1, 0}, "blank": {0, 0}}}
	s := New(emb, Options{MaxElements: 2}, nil)
	if _, err := s.AddDocuments(context.Background(), []models.Document{{Content: "doc"}}); err != nil {
		t.Fatal(err)
	}
	if res := s.SimilaritySearch(context.Background(), "blank", 1); len(res) != 0 {
		t.Errorf("zero query vector returned %v", res)
	}
	if res := s.SimilaritySearch(context.Background(), "doc", 1); len(res) != 1 {
		t.Errorf("usable query returned %d results", len(res))
	}
}
