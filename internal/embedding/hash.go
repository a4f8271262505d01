package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/hyperjump/prodvec/pkg/utils"
)

// HashEmbedder embeds text by feature hashing: each term and adjacent term
// pair lands in a signed bucket, counts are log-scaled and the result is
// L2-normalized. It needs no model files and is deterministic, so it serves
// both as the fallback provider and as the provider in tests.
type HashEmbedder struct {
	dimensions int
	minTerms   int
}

// NewHashEmbedder returns a hashing embedder of the given dimension. Text with
// fewer than minTerms terms embeds to nil.
func NewHashEmbedder(dimensions, minTerms int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	if minTerms < 1 {
		minTerms = 1
	}
	return &HashEmbedder{dimensions: dimensions, minTerms: minTerms}
}

// Embed returns the hashed embedding of text, or nil when text has too few terms.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := Terms(text)
	if len(terms) < e.minTerms {
		return nil, nil
	}
	emb := make([]float32, e.dimensions)
	for i, term := range terms {
		e.add(emb, term, 1)
		if i > 0 {
			e.add(emb, terms[i-1]+" "+term, 0.5)
		}
	}
	for i, v := range emb {
		if v != 0 {
			sign := float32(1)
			if v < 0 {
				sign = -1
			}
			emb[i] = sign * float32(math.Log1p(math.Abs(float64(v))))
		}
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

func (e *HashEmbedder) add(emb []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dimensions))
	if sum>>63 == 1 {
		weight = -weight
	}
	emb[bucket] += weight
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for HashEmbedder.
func (e *HashEmbedder) Close() error {
	return nil
}
