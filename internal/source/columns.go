package source

import (
	"fmt"
	"strings"

	"github.com/hyperjump/prodvec/internal/models"
)

type field int

const (
	fieldProductID field = iota
	fieldTitle
	fieldBrand
	fieldCategory
	fieldDescription
	fieldPrice
	fieldRating
	fieldRatingCount
	fieldRank
	fieldURL
	fieldImageURL
	numFields
)

// aliases lists accepted header names per field, most preferred first.
var aliases = [numFields][]string{
	fieldProductID:   {"product_id", "asin", "parent_asin", "productid", "sku", "id"},
	fieldTitle:       {"title", "product_name", "product_title", "name"},
	fieldBrand:       {"brand", "brand_name", "manufacturer", "store"},
	fieldCategory:    {"category", "main_category", "categories", "category_name"},
	fieldDescription: {"about_product", "description", "product_description", "features", "details"},
	fieldPrice:       {"discounted_price", "price", "final_price", "actual_price", "initial_price"},
	fieldRating:      {"rating", "stars", "average_rating"},
	fieldRatingCount: {"rating_count", "reviews", "review_count", "ratings_total", "rating_number"},
	fieldRank:        {"rank", "bestsellers_rank", "best_sellers_rank", "sales_rank"},
	fieldURL:         {"product_link", "url", "product_url"},
	fieldImageURL:    {"img_link", "image_url", "imgurl", "image"},
}

// Columns maps the header of an export to product fields.
type Columns struct {
	pos [numFields]int // -1 when the export has no such column
}

// NormalizeHeader lower-cases a header cell and turns spaces and dashes into
// underscores, dropping a leading byte order mark.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

// NewColumns resolves header cells to fields. An export must carry at least a
// product identifier column.
func NewColumns(header []string) (*Columns, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := NormalizeHeader(h)
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	c := &Columns{}
	for f := range c.pos {
		c.pos[f] = -1
		for _, alias := range aliases[f] {
			if i, ok := index[alias]; ok {
				c.pos[f] = i
				break
			}
		}
	}
	if c.pos[fieldProductID] < 0 {
		return nil, fmt.Errorf("no product identifier column in header %v", header)
	}
	return c, nil
}

// HasTitle reports whether the export has a title column.
func (c *Columns) HasTitle() bool {
	return c.pos[fieldTitle] >= 0
}

// Row builds a ProductRow from one record. Missing cells read as empty.
func (c *Columns) Row(record []string, source string) models.ProductRow {
	get := func(f field) string {
		i := c.pos[f]
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	return models.ProductRow{
		ProductID:   get(fieldProductID),
		Title:       get(fieldTitle),
		Brand:       get(fieldBrand),
		Category:    get(fieldCategory),
		Description: get(fieldDescription),
		Price:       get(fieldPrice),
		Rating:      get(fieldRating),
		RatingCount: get(fieldRatingCount),
		Rank:        get(fieldRank),
		URL:         get(fieldURL),
		ImageURL:    get(fieldImageURL),
		Source:      source,
	}
}
