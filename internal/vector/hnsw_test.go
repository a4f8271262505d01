package vector

import (
	"errors"
	"math/rand/v2"
	"sort"
	"testing"
)

func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestHNSW_AddSearch(t *testing.T) {
	h, err := NewHNSW(Config{Dim: 3, MaxElements: 10})
	if err != nil {
		t.Fatal(err)
	}
	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	for i, v := range vecs {
		slot, err := h.Add(v)
		if err != nil {
			t.Fatal(err)
		}
		if slot != i {
			t.Errorf("slot=%d, want %d", slot, i)
		}
	}
	if h.Len() != 3 {
		t.Errorf("Len=%d", h.Len())
	}

	matches, err := h.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Slot != 0 {
		t.Errorf("top match should be slot 0, got %d", matches[0].Slot)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Errorf("matches not ascending: %v", matches)
	}
}

func TestHNSW_SelfRetrieval(t *testing.T) {
	const n, dim = 300, 16
	h, err := NewHNSW(Config{Dim: dim, MaxElements: n})
	if err != nil {
		t.Fatal(err)
	}
	vecs := randomVectors(n, dim, 7)
	for _, v := range vecs {
		if _, err := h.Add(v); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range vecs {
		matches, err := h.Search(v, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 1 || matches[0].Slot != i {
			t.Fatalf("vector %d: top match %v", i, matches)
		}
		if matches[0].Distance > 1e-5 {
			t.Errorf("vector %d: self distance %f", i, matches[0].Distance)
		}
	}
}

func TestHNSW_SearchClampsK(t *testing.T) {
	h, _ := NewHNSW(Config{Dim: 2})
	_, _ = h.Add([]float32{1, 0})
	_, _ = h.Add([]float32{0, 1})

	matches, err := h.Search([]float32{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 matches, got %d", len(matches))
	}
	matches, _ = h.Search([]float32{1, 0}, 0)
	if len(matches) != 0 {
		t.Errorf("k=0 should return nothing, got %d", len(matches))
	}
}

func TestHNSW_EmptySearch(t *testing.T) {
	h, _ := NewHNSW(Config{Dim: 2})
	matches, err := h.Search([]float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("empty index returned %d matches", len(matches))
	}
}

func TestHNSW_Capacity(t *testing.T) {
	h, _ := NewHNSW(Config{Dim: 2, MaxElements: 2})
	_, _ = h.Add([]float32{1, 0})
	_, _ = h.Add([]float32{0, 1})
	if _, err := h.Add([]float32{1, 1}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if h.Len() != 2 {
		t.Errorf("failed add changed Len to %d", h.Len())
	}

	if err := h.Resize(3); err != nil {
		t.Fatal(err)
	}
	if h.Cap() != 3 {
		t.Errorf("Cap=%d after resize", h.Cap())
	}
	slot, err := h.Add([]float32{1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if slot != 2 {
		t.Errorf("slot=%d, want 2", slot)
	}
	if err := h.Resize(1); err == nil {
		t.Error("resize below Len should fail")
	}
}

func TestHNSW_DimensionMismatch(t *testing.T) {
	h, _ := NewHNSW(Config{Dim: 3})
	if _, err := h.Add([]float32{1, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := h.Search([]float32{1, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := NewHNSW(Config{Dim: 0}); err == nil {
		t.Error("zero dimension should fail")
	}
}

func TestHNSW_Defaults(t *testing.T) {
	h, _ := NewHNSW(Config{Dim: 4})
	cfg := h.Config()
	if cfg.M != 16 || cfg.EfConstruction != 200 || cfg.EfSearch != 50 || cfg.MaxElements != 10000 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	h.SetEfSearch(120)
	if h.Config().EfSearch != 120 {
		t.Errorf("SetEfSearch not applied")
	}
}

func TestHNSW_Vector(t *testing.T) {
	h, _ := NewHNSW(Config{Dim: 2})
	_, _ = h.Add([]float32{0.5, 0.25})
	v, ok := h.Vector(0)
	if !ok || v[0] != 0.5 || v[1] != 0.25 {
		t.Errorf("Vector(0)=%v,%v", v, ok)
	}
	if _, ok := h.Vector(1); ok {
		t.Error("Vector(1) should be missing")
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 2},
		{"mismatch", []float32{1}, []float32{1, 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDistance(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("CosineDistance=%f, want %f", got, tt.want)
			}
		})
	}
}

// bruteForce returns the k closest slots by exhaustive scan.
func bruteForce(vecs [][]float32, q []float32, k int) []int {
	type scored struct {
		slot int
		dist float32
	}
	all := make([]scored, len(vecs))
	for i, v := range vecs {
		all[i] = scored{i, CosineDistance(q, v)}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	out := make([]int, 0, k)
	for _, s := range all[:k] {
		out = append(out, s.slot)
	}
	return out
}

func TestHNSW_RecallAgainstBruteForce(t *testing.T) {
	const n, dim, k = 500, 24, 10
	vecs := randomVectors(n, dim, 21)
	h, err := NewHNSW(Config{Dim: dim, MaxElements: n, EfSearch: 100})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range vecs {
		if _, err := h.Add(v); err != nil {
			t.Fatal(err)
		}
	}
	queries := randomVectors(20, dim, 99)
	hits := 0
	for _, q := range queries {
		want := make(map[int]bool, k)
		for _, s := range bruteForce(vecs, q, k) {
			want[s] = true
		}
		got, err := h.Search(q, k)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range got {
			if want[m.Slot] {
				hits++
			}
		}
	}
	if recall := float64(hits) / float64(len(queries)*k); recall < 0.9 {
		t.Errorf("recall@%d = %.2f, want >= 0.90", k, recall)
	}
}
