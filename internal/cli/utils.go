// Package cli provides output helpers for the prodvec command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, response)
	case OutputCompact:
		for _, hit := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", hit.Rank, hit.Similarity,
				metaString(hit.Metadata, "product_id"), metaString(hit.Metadata, "title"))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d products for %q in %dms\n\n", response.Total, response.Query, response.QueryTime)
	for _, hit := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Similarity: %.4f | Distance: %.4f\n", hit.Rank, hit.Similarity, hit.Score)
		if id := metaString(hit.Metadata, "product_id"); id != "" {
			fmt.Fprintf(w, "Product: %s\n", id)
		}
		if title := metaString(hit.Metadata, "title"); title != "" {
			fmt.Fprintf(w, "Title: %s\n", TruncateWords(title, 20))
		}
		if price, ok := hit.Metadata["price"]; ok && price != nil {
			fmt.Fprintf(w, "Price: %v\n", price)
		}
		if url := metaString(hit.Metadata, "url"); url != "" {
			fmt.Fprintf(w, "URL: %s\n", url)
		}
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(hit.Content, 200))
	}
}

func metaString(meta map[string]interface{}, key string) string {
	switch v := meta[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
