package vector

import "math"

// CosineDistance returns 1 - cosine similarity, in [0, 2]. Mismatched
// dimensions and zero vectors have no direction and get the maximum distance.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	sim = math.Max(-1, math.Min(1, sim))
	return float32(1 - sim)
}
