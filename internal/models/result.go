package models

// SearchResult is one nearest-neighbor hit. Score is the cosine distance
// between query and document: lower is closer.
type SearchResult struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
	Score    float64                `json:"score"`
}

// Similarity converts the distance score to a similarity in [-1, 1].
func (r SearchResult) Similarity() float64 {
	return 1 - r.Score
}

// SearchHit is the serving-layer view of a result.
type SearchHit struct {
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata"`
	Score      float64                `json:"score"`
	Similarity float64                `json:"similarity"`
	Rank       int                    `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query     string       `json:"query"`
	Results   []*SearchHit `json:"results"`
	Total     int          `json:"total"`
	QueryTime int64        `json:"took_ms"`
}

// NewSearchResponse ranks results (already ordered closest first) into hits.
func NewSearchResponse(query string, results []SearchResult, tookMs int64) *SearchResponse {
	hits := make([]*SearchHit, len(results))
	for i, r := range results {
		hits[i] = &SearchHit{
			Content:    r.Content,
			Metadata:   r.Metadata,
			Score:      r.Score,
			Similarity: r.Similarity(),
			Rank:       i + 1,
		}
	}
	return &SearchResponse{Query: query, Results: hits, Total: len(hits), QueryTime: tookMs}
}
