// Package vector provides an append-only HNSW index for approximate
// nearest-neighbor search over dense float32 vectors.
package vector

import "errors"

// SpaceCosine is the only distance space supported by the index.
const SpaceCosine = "cosine"

var (
	// ErrCapacityExceeded is returned by Add when the index is full. Callers
	// must Resize before inserting past MaxElements.
	ErrCapacityExceeded = errors.New("vector: index capacity exceeded")
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
)

// Config configures a new HNSW index.
type Config struct {
	// Dim is the vector dimension. Required.
	Dim int
	// MaxElements is the declared capacity. Default: 10000.
	MaxElements int
	// M is the maximum number of links per node on layers above 0 (layer 0
	// allows 2*M). Default: 16.
	M int
	// EfConstruction is the candidate list size while building. Default: 200.
	EfConstruction int
	// EfSearch is the default candidate list size while querying. Default: 50.
	EfSearch int
	// Seed drives level assignment so that builds are reproducible. Default: 100.
	Seed uint64
}

func (c *Config) setDefaults() {
	if c.MaxElements <= 0 {
		c.MaxElements = 10000
	}
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.Seed == 0 {
		c.Seed = 100
	}
}

func (c *Config) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

// Match is a single search hit. Slot is the insertion position of the vector.
type Match struct {
	Slot     int
	Distance float32 // cosine distance, lower is closer
}
