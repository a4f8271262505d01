package models

import "strings"

// ProductRow is one product as read from an export file or the products
// table. Fields are kept as the raw export strings; Source names the file the
// row was imported from.
type ProductRow struct {
	ProductID   string `json:"product_id" db:"product_id"`
	Title       string `json:"title" db:"title"`
	Brand       string `json:"brand,omitempty" db:"brand"`
	Category    string `json:"category,omitempty" db:"category"`
	Description string `json:"description,omitempty" db:"description"`
	Price       string `json:"price,omitempty" db:"price"`
	Rating      string `json:"rating,omitempty" db:"rating"`
	RatingCount string `json:"rating_count,omitempty" db:"rating_count"`
	Rank        string `json:"rank,omitempty" db:"rank"`
	URL         string `json:"url,omitempty" db:"url"`
	ImageURL    string `json:"image_url,omitempty" db:"image_url"`
	Source      string `json:"source,omitempty" db:"source"`
}

// HasIdentity reports whether the row carries a product identifier.
func (p ProductRow) HasIdentity() bool {
	return strings.TrimSpace(p.ProductID) != ""
}
