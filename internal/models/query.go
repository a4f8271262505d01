package models

import (
	"fmt"
	"strings"
)

// SearchQuery is a nearest-neighbor search request.
type SearchQuery struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// Validate ensures the query is not blank and normalizes K into [1, 100]
// (default 10).
func (q *SearchQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.K <= 0 {
		q.K = 10
	}
	if q.K > 100 {
		q.K = 100
	}
	return nil
}
