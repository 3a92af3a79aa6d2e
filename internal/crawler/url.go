package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultSearchTemplate is the result-page URL layout of the target site.
const DefaultSearchTemplate = "https://www.kleinanzeigen.de/preis:{min_price}:{max_price}/seite:{page}/{keywords}/{location}"

var templatePlaceholders = []string{"{keywords}", "{location}", "{page}", "{min_price}", "{max_price}"}

// URLBuilder renders result-page URLs from a template.
type URLBuilder struct {
	template string
}

// NewURLBuilder validates the template and returns a builder.
func NewURLBuilder(template string) (*URLBuilder, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		template = DefaultSearchTemplate
	}
	for _, p := range []string{"{keywords}", "{page}"} {
		if !strings.Contains(template, p) {
			return nil, fmt.Errorf("search template must contain %s", p)
		}
	}
	probe := template
	for _, p := range templatePlaceholders {
		probe = strings.ReplaceAll(probe, p, "x")
	}
	u, err := url.Parse(probe)
	if err != nil {
		return nil, fmt.Errorf("parse search template: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("search template must be an absolute URL")
	}
	return &URLBuilder{template: template}, nil
}

// Build renders the URL of the given result page for q.
func (b *URLBuilder) Build(q Query, page int) string {
	terms := make([]string, len(q.Keywords))
	for i, kw := range q.Keywords {
		terms[i] = url.PathEscape(kw)
	}
	r := strings.NewReplacer(
		"{keywords}", strings.Join(terms, "-"),
		"{location}", escapeSegments(q.Location),
		"{page}", strconv.Itoa(page),
		"{min_price}", formatPrice(q.MinPrice),
		"{max_price}", formatPrice(q.MaxPrice),
	)
	return r.Replace(b.template)
}

// escapeSegments escapes each "/"-separated segment of a location code, so
// multi-segment codes such as "s-berlin/l3331" keep their path structure.
func escapeSegments(loc string) string {
	parts := strings.Split(loc, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// resolveLink makes a listing link absolute relative to the page it came from.
func resolveLink(pageURL, link string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", link, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}
