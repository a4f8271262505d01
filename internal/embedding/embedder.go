// Package embedding turns product text into dense vectors. Providers return a
// flat []float32 or nil when the text carries nothing worth embedding; model
// specific tensor handling stays inside each provider.
package embedding

import "context"

// Embedder produces vector embeddings for text.
//
// Embed returns (nil, nil) for text that is too short or has no content. A
// non-nil error is a transient failure and the caller may retry.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
}
