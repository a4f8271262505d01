package embedding

import (
	"context"
	"errors"
	"testing"
)

func TestEmbeddingCache_GetSet(t *testing.T) {
	c := NewEmbeddingCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	c.Set("c", []float32{6}) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}
	if c.Len() != 2 {
		t.Errorf("Len=%d", c.Len())
	}
}

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if text == "" {
		return nil, nil
	}
	return []float32{1, 0}, nil
}

func (c *countingEmbedder) Dimensions() int { return 2 }
func (c *countingEmbedder) Close() error    { return nil }

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachedEmbedder(inner, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Embed(ctx, "widget"); err != nil {
			t.Fatal(err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", inner.calls)
	}

	_, _ = e.Embed(ctx, "")
	_, _ = e.Embed(ctx, "")
	if inner.calls != 3 {
		t.Errorf("nil results should not be cached, calls=%d", inner.calls)
	}

	inner.err = errors.New("boom")
	if _, err := e.Embed(ctx, "other"); err == nil {
		t.Error("expected provider error")
	}
	if e.Dimensions() != 2 {
		t.Errorf("Dimensions=%d", e.Dimensions())
	}
}
