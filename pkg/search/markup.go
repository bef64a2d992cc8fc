package search

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/sujeongiyo/reviewradar/internal/store"
)

var strict = bluemonday.StrictPolicy()

// StripMarkup removes inline tags such as <b> and decodes entities exactly
// once. The sanitizer re-escapes text, so a single unescape restores the
// original characters without decoding "&amp;quot;" twice.
func StripMarkup(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// Post converts the item into a storable post for product.
func (it Item) Post(product string) store.Post {
	return store.Post{
		ProductName: product,
		Title:       StripMarkup(it.Title),
		Description: StripMarkup(it.Description),
		Link:        it.Link,
		BloggerName: it.BloggerName,
		PostDate:    it.PostDate,
	}
}
