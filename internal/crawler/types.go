package crawler

import (
	"net/http"
	"time"
)

// Listing is one accepted classified ad in a query's history.
type Listing struct {
	Link        string `json:"link"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	AddedLabel  string `json:"addedLabel"`
	Image       string `json:"image,omitempty"`
}

// RawListing is a listing candidate as returned by a Fetcher. Link may be
// relative to the page it was found on.
type RawListing struct {
	Link        string
	Title       string
	Description string
	Price       string
	AddedLabel  string
	Image       string
}

// Query is one standing search tracked across crawl cycles.
type Query struct {
	Keywords      []string  `json:"keywords"`
	Location      string    `json:"location"`
	MinPrice      *int      `json:"minPrice"`
	MaxPrice      *int      `json:"maxPrice"`
	MaxPage       int       `json:"maxPage"`
	Subscriber    string    `json:"subscriber,omitempty"`
	Results       []Listing `json:"results"`
	RecentlyAdded []Listing `json:"recentlyAdded"`
	CreatedAt     time.Time `json:"createdAt"`
	LastCrawledAt time.Time `json:"lastCrawledAt,omitempty"`
}

// QueryParams carries the caller-supplied fields of a new query.
type QueryParams struct {
	Keywords   []string `json:"keywords"`
	Location   string   `json:"location"`
	MinPrice   *int     `json:"min_price"`
	MaxPrice   *int     `json:"max_price"`
	MaxPage    int      `json:"max_page"`
	Subscriber string   `json:"subscriber"`
}

// QueryKey is the registry deduplication key.
type QueryKey struct {
	Keywords   string
	Location   string
	MinPrice   string
	MaxPrice   string
	Subscriber string
}

// FetchRequest captures everything needed to fetch one result page.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// Page is a fetched and parsed result page.
type Page struct {
	URL      string
	Listings []RawListing
}

// AddResult reports the outcome of AddQuery.
type AddResult struct {
	Query      Query
	Skipped    bool
	InitialErr error
}

// OutcomeStatus classifies a per-query cycle result.
type OutcomeStatus string

// Outcome status values.
const (
	OutcomeOK     OutcomeStatus = "ok"
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome is the result of crawling one query within a cycle: either the
// listings found new (Ok) or the reason the query was skipped (Failed).
type Outcome struct {
	Status   OutcomeStatus
	Query    Query
	NewItems []Listing
	Err      error
}

// OK reports whether the query was crawled successfully.
func (o Outcome) OK() bool {
	return o.Status == OutcomeOK
}

// CycleReport summarizes a crawl cycle.
type CycleReport struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Outcomes  []Outcome
	// Committed is set once the successful outcomes were applied to the
	// registry. A committed report must be delivered even when RunCycle
	// returns an error, since later cycles treat its listings as known.
	Committed bool
}

// Succeeded returns the successfully processed outcomes in processing order.
func (r CycleReport) Succeeded() []Outcome {
	out := make([]Outcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Failed counts the queries that were skipped this cycle.
func (r CycleReport) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}

// NewListings counts listings found new across all queries.
func (r CycleReport) NewListings() int {
	n := 0
	for _, o := range r.Outcomes {
		n += len(o.NewItems)
	}
	return n
}
