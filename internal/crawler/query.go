package crawler

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultLocation is the location code meaning "no region filter".
const DefaultLocation = "k0"

// NewQuery validates params and builds a Query with empty history.
// Keywords are split on whitespace and lowercased; a zero MaxPage defaults
// to 1 and an empty location to DefaultLocation.
func NewQuery(params QueryParams, now time.Time) (Query, error) {
	keywords := NormalizeKeywords(params.Keywords)
	if len(keywords) == 0 {
		return Query{}, invalidQuery("keywords must not be empty")
	}
	if params.MaxPage < 0 {
		return Query{}, invalidQuery("max page must be positive, got %d", params.MaxPage)
	}
	if params.MinPrice != nil && *params.MinPrice < 0 {
		return Query{}, invalidQuery("min price must be >= 0, got %d", *params.MinPrice)
	}
	if params.MaxPrice != nil && *params.MaxPrice < 0 {
		return Query{}, invalidQuery("max price must be >= 0, got %d", *params.MaxPrice)
	}
	if params.MinPrice != nil && params.MaxPrice != nil && *params.MinPrice > *params.MaxPrice {
		return Query{}, invalidQuery("min price %d exceeds max price %d", *params.MinPrice, *params.MaxPrice)
	}

	location := strings.TrimSpace(params.Location)
	if location == "" {
		location = DefaultLocation
	}
	maxPage := params.MaxPage
	if maxPage == 0 {
		maxPage = 1
	}

	return Query{
		Keywords:      keywords,
		Location:      location,
		MinPrice:      copyInt(params.MinPrice),
		MaxPrice:      copyInt(params.MaxPrice),
		MaxPage:       maxPage,
		Subscriber:    strings.TrimSpace(params.Subscriber),
		Results:       []Listing{},
		RecentlyAdded: []Listing{},
		CreatedAt:     now,
	}, nil
}

// NormalizeKeywords lowercases terms and splits multi-word entries.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, term := range in {
		for _, field := range strings.Fields(term) {
			out = append(out, strings.ToLower(field))
		}
	}
	return out
}

// Key returns the deduplication key of q.
func (q Query) Key() QueryKey {
	return QueryKey{
		Keywords:   q.DisplayKeywords(),
		Location:   q.Location,
		MinPrice:   formatPrice(q.MinPrice),
		MaxPrice:   formatPrice(q.MaxPrice),
		Subscriber: q.Subscriber,
	}
}

// DisplayKeywords joins the keywords with spaces.
func (q Query) DisplayKeywords() string {
	return strings.Join(q.Keywords, " ")
}

// URLKeywords joins the keywords with hyphens.
func (q Query) URLKeywords() string {
	return strings.Join(q.Keywords, "-")
}

// Clone returns a deep copy of q.
func (q Query) Clone() Query {
	cp := q
	cp.Keywords = slices.Clone(q.Keywords)
	cp.MinPrice = copyInt(q.MinPrice)
	cp.MaxPrice = copyInt(q.MaxPrice)
	cp.Results = slices.Clone(q.Results)
	cp.RecentlyAdded = slices.Clone(q.RecentlyAdded)
	return cp
}

// KnownLinks returns the set of links already in the query's history.
func (q Query) KnownLinks() map[string]struct{} {
	known := make(map[string]struct{}, len(q.Results))
	for _, l := range q.Results {
		known[l.Link] = struct{}{}
	}
	return known
}

func formatPrice(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
