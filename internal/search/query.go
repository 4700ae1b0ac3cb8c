package search

import (
	"regexp"
	"strings"
)

var (
	nonWordExpr    = regexp.MustCompile(`[^\w\s]`)
	whitespaceExpr = regexp.MustCompile(`\s+`)
)

// BuildSearchURL builds the canonical search URL for a title/author pair
// against a library base endpoint. Pure and idempotent: identical inputs
// always produce a byte-identical URL, which cache keys and tests rely on.
//
// Title and author are joined with a space, punctuation is stripped,
// whitespace is collapsed, and spaces are encoded as literal plus signs.
func BuildSearchURL(baseURL, title, author string) string {
	query := title
	if author != "" {
		query += " " + author
	}

	query = nonWordExpr.ReplaceAllString(query, "")
	query = whitespaceExpr.ReplaceAllString(query, " ")
	query = strings.TrimSpace(query)

	return strings.TrimRight(baseURL, "/") + "/search?query=" + strings.ReplaceAll(query, " ", "+")
}
