package export

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// fragmentPolicy admits exactly the markup renderNode produces. Link and
// image URLs must be relative or use http, https or mailto.
var fragmentPolicy = newFragmentPolicy()

func newFragmentPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowElements(
		"p", "h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "blockquote", "pre", "code",
		"strong", "em", "s", "u", "mark", "br", "hr",
		"table", "tr", "td", "th", "aside",
	)
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^(task-list|task-item|callout callout-[A-Za-z0-9_-]+)$`)).OnElements("ul", "li", "aside")
	p.AllowAttrs("type").Matching(regexp.MustCompile(`^checkbox$`)).OnElements("input")
	p.AllowAttrs("disabled", "checked").OnElements("input")
	return p
}

func sanitizeFragment(fragment string) string {
	return fragmentPolicy.Sanitize(fragment)
}
