package collyfetcher

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listingwatch/internal/crawler"
)

// Selectors locate listing fields on a result page. Every field except
// Results and Image is required on each item.
type Selectors struct {
	// Results, when set, must match at least once or the page is rejected.
	Results     string `mapstructure:"results"`
	Item        string `mapstructure:"item"`
	Link        string `mapstructure:"link"`
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`
	Price       string `mapstructure:"price"`
	Added       string `mapstructure:"added"`
	Image       string `mapstructure:"image"`
	ImageAttr   string `mapstructure:"image_attr"`
}

// DefaultSelectors matches the kleinanzeigen.de result list markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:        "article.aditem",
		Link:        `a[href^="/s-anzeige"]`,
		Title:       ".text-module-begin a",
		Description: ".aditem-main p",
		Price:       ".aditem-details strong",
		Added:       ".aditem-addon",
		Image:       "[data-imgsrc]",
		ImageAttr:   "data-imgsrc",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&s.Item, d.Item)
	fill(&s.Link, d.Link)
	fill(&s.Title, d.Title)
	fill(&s.Description, d.Description)
	fill(&s.Price, d.Price)
	fill(&s.Added, d.Added)
	fill(&s.Image, d.Image)
	fill(&s.ImageAttr, d.ImageAttr)
	return s
}

// ParseListings extracts the raw listings of a result page in document order.
// A page without items is valid; an item missing a required field is not.
func ParseListings(doc *goquery.Document, pageURL string, sel Selectors) ([]crawler.RawListing, error) {
	if sel.Results != "" && doc.Find(sel.Results).Length() == 0 {
		return nil, &crawler.ParseError{URL: pageURL, Reason: fmt.Sprintf("results container %q not found", sel.Results)}
	}

	var (
		out     []crawler.RawListing
		itemErr error
	)
	doc.Find(sel.Item).EachWithBreak(func(i int, item *goquery.Selection) bool {
		fail := func(field, selector string) bool {
			itemErr = &crawler.ParseError{
				URL:    pageURL,
				Reason: fmt.Sprintf("item %d: %s (%s) not found", i, field, selector),
			}
			return false
		}

		link, ok := item.Find(sel.Link).First().Attr("href")
		if !ok || strings.TrimSpace(link) == "" {
			return fail("link", sel.Link)
		}
		raw := crawler.RawListing{Link: strings.TrimSpace(link)}

		for _, f := range []struct {
			name     string
			selector string
			dst      *string
		}{
			{"title", sel.Title, &raw.Title},
			{"description", sel.Description, &raw.Description},
			{"price", sel.Price, &raw.Price},
			{"added label", sel.Added, &raw.AddedLabel},
		} {
			node := item.Find(f.selector).First()
			if node.Length() == 0 {
				return fail(f.name, f.selector)
			}
			*f.dst = collapseSpace(node.Text())
		}

		if img, ok := item.Find(sel.Image).First().Attr(sel.ImageAttr); ok {
			raw.Image = strings.TrimSpace(img)
		}
		out = append(out, raw)
		return true
	})
	if itemErr != nil {
		return nil, itemErr
	}
	return out, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
