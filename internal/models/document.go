// Package models defines core data structures for products, documents, and search results.
package models

// Document is the unit stored in the vector store: the text that was
// embedded plus flat metadata (string, number or null values). It never
// changes once stored.
type Document struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// StringMeta returns the metadata value for key when it is a string.
func (d Document) StringMeta(key string) string {
	if d.Metadata == nil {
		return ""
	}
	s, _ := d.Metadata[key].(string)
	return s
}
