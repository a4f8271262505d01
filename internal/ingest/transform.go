package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/pkg/utils"
)

// maxDescriptionLen bounds the description part of the embedded text.
const maxDescriptionLen = 1500

var numberPattern = regexp.MustCompile(`[0-9][0-9,]*(\.[0-9]+)?`)

// Preprocess normalizes text for embedding (trim, collapse whitespace).
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	b.Grow(len(text))
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

func hasWordChar(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// ParseNumber extracts the first number from an export cell such as
// "₹1,299" or "4.2 out of 5 stars".
func ParseNumber(s string) (float64, bool) {
	loc := numberPattern.FindStringIndex(s)
	if loc == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s[loc[0]:loc[1]], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	if negative(s[:loc[0]]) {
		f = -f
	}
	return f, true
}

// negative reports whether the text before a number ends in a minus sign,
// ignoring currency symbols. A hyphen after a letter or digit, as in
// "USB-3", is not a sign.
func negative(prefix string) bool {
	rest, ok := strings.CutSuffix(strings.TrimRightFunc(prefix, unicode.IsSymbol), "-")
	if !ok {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(rest)
	return rest == "" || !(unicode.IsLetter(r) || unicode.IsDigit(r))
}

// BuildDocument turns a product row into the document to embed. Rows without
// a product ID or without a usable title return false.
//
// Content is one "Label: value" line per non-empty field, title first.
// Metadata holds product_id, title and source plus the other fields; price,
// rating and rating_count become numbers when they parse.
func BuildDocument(row models.ProductRow, sourceTag string) (models.Document, bool) {
	id := strings.TrimSpace(row.ProductID)
	title := Preprocess(row.Title)
	if id == "" || !hasWordChar(title) {
		return models.Document{}, false
	}

	brand := Preprocess(row.Brand)
	category := Preprocess(strings.ReplaceAll(row.Category, "|", " > "))
	desc := utils.Truncate(Preprocess(row.Description), maxDescriptionLen)
	price := Preprocess(row.Price)
	rating := Preprocess(row.Rating)
	ratingCount := Preprocess(row.RatingCount)
	rank := Preprocess(row.Rank)

	var b strings.Builder
	b.WriteString("Product: ")
	b.WriteString(title)
	line := func(label, v string) {
		if v != "" {
			b.WriteString("\n")
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	line("Brand", brand)
	line("Category", category)
	line("Price", price)
	if rating != "" && ratingCount != "" {
		line("Rating", rating+" ("+ratingCount+" ratings)")
	} else {
		line("Rating", rating)
	}
	line("Rank", rank)
	line("Description", desc)

	source := row.Source
	if source == "" {
		source = sourceTag
	}
	meta := map[string]interface{}{
		"product_id": id,
		"title":      title,
		"source":     source,
	}
	setString := func(key, v string) {
		if v != "" {
			meta[key] = v
		}
	}
	setNumber := func(key, v string) {
		if v == "" {
			return
		}
		if f, ok := ParseNumber(v); ok {
			meta[key] = f
		} else {
			meta[key] = v
		}
	}
	setString("brand", brand)
	setString("category", category)
	setNumber("price", price)
	setNumber("rating", rating)
	setNumber("rating_count", ratingCount)
	setString("rank", rank)
	setString("url", strings.TrimSpace(row.URL))
	setString("image_url", strings.TrimSpace(row.ImageURL))

	return models.Document{Content: b.String(), Metadata: meta}, true
}
