package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

// pageFetcher serves canned listings per URL.
type pageFetcher struct {
	pages   map[string][]RawListing
	errs    map[string]error
	calls   []FetchRequest
	onFetch func(url string)
}

func newPageFetcher() *pageFetcher {
	return &pageFetcher{pages: map[string][]RawListing{}, errs: map[string]error{}}
}

func (f *pageFetcher) Fetch(_ context.Context, req FetchRequest) (Page, error) {
	f.calls = append(f.calls, req)
	if f.onFetch != nil {
		f.onFetch(req.URL)
	}
	if err, ok := f.errs[req.URL]; ok {
		return Page{}, err
	}
	return Page{URL: req.URL, Listings: f.pages[req.URL]}, nil
}

func (f *pageFetcher) urls() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.URL
	}
	return out
}

type countingLimiter struct{ calls int }

func (l *countingLimiter) AwaitSlot(ctx context.Context) error {
	l.calls++
	return ctx.Err()
}

// MockCheckpointer is a mock implementation of the Checkpointer interface.
type MockCheckpointer struct {
	mock.Mock
}

func (m *MockCheckpointer) Save(ctx context.Context, queries []Query) error {
	args := m.Called(ctx, queries)
	return args.Error(0)
}

func (m *MockCheckpointer) Load(ctx context.Context) ([]Query, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Query), args.Error(1)
}

type memCheckpointer struct {
	saves [][]Query
}

func (c *memCheckpointer) Save(_ context.Context, queries []Query) error {
	c.saves = append(c.saves, queries)
	return nil
}

func (c *memCheckpointer) Load(context.Context) ([]Query, error) {
	if len(c.saves) == 0 {
		return nil, nil
	}
	return c.saves[len(c.saves)-1], nil
}

type staticID string

func (s staticID) NewID() (string, error) { return string(s), nil }

type engineHarness struct {
	engine     *Engine
	fetcher    *pageFetcher
	limiter    *countingLimiter
	checkpoint *memCheckpointer
	clock      *fakeClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *engineHarness {
	t.Helper()
	h := &engineHarness{
		fetcher:    newPageFetcher(),
		limiter:    &countingLimiter{},
		checkpoint: &memCheckpointer{},
		clock:      &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts = append([]Option{
		WithShuffle(func(int, func(i, j int)) {}),
		WithJitter(func() time.Duration { return 5 * time.Second }),
	}, opts...)
	e, err := NewEngine(cfg, nil, h.fetcher, h.limiter, h.checkpoint, h.clock, staticID("cycle-1"), zap.NewNop(), opts...)
	require.NoError(t, err)
	h.engine = e
	return h
}

func pageURL(keywords string, page int) string {
	return fmt.Sprintf("https://www.kleinanzeigen.de/preis::/seite:%d/%s/k0", page, keywords)
}

func listings(links ...string) []RawListing {
	out := make([]RawListing, len(links))
	for i, l := range links {
		out[i] = RawListing{Link: l, Title: "title " + l, Price: "10 €", AddedLabel: "Heute, 10:00"}
	}
	return out
}

func links(ls []Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Link
	}
	return out
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(Config{JitterMin: time.Minute, JitterMax: time.Second}, nil,
		newPageFetcher(), &countingLimiter{}, &memCheckpointer{}, &fakeClock{}, nil, nil)
	require.Error(t, err)

	_, err = NewEngine(Config{}, nil, nil, &countingLimiter{}, &memCheckpointer{}, &fakeClock{}, nil, nil)
	require.Error(t, err)
}

func TestAddQueryInitialCrawlSeedsHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{UserAgent: "listingwatch-test"})
	h.fetcher.pages[pageURL("xbox", 1)] = listings("/s-anzeige/a/1", "/s-anzeige/b/2", "/s-anzeige/c/3")

	res, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"Xbox"}, Location: "k0", MaxPage: 1})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NoError(t, res.InitialErr)

	assert.Len(t, res.Query.Results, 3)
	assert.Len(t, res.Query.RecentlyAdded, 3)
	assert.Equal(t, "https://www.kleinanzeigen.de/s-anzeige/a/1", res.Query.Results[0].Link)
	assert.Equal(t, []string{pageURL("xbox", 1)}, h.fetcher.urls())
	assert.Equal(t, "listingwatch-test", h.fetcher.calls[0].Headers.Get("User-Agent"))
	assert.Equal(t, 1, h.limiter.calls)
	assert.Empty(t, h.clock.slept, "initial crawl is not jittered")

	require.Len(t, h.checkpoint.saves, 1)
	require.Len(t, h.checkpoint.saves[0], 1)
	assert.Len(t, h.checkpoint.saves[0][0].Results, 3)
}

func TestAddQueryDuplicateIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	params := QueryParams{Keywords: []string{"xbox"}, MaxPage: 1, Subscriber: "42"}

	_, err := h.engine.AddQuery(context.Background(), params)
	require.NoError(t, err)
	res, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"XBOX"}, MaxPage: 3, Subscriber: "42"})
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, 1, h.engine.Len())
	assert.Len(t, h.fetcher.calls, 1)
	assert.Len(t, h.checkpoint.saves, 1)

	// A different subscriber is a different query.
	res, err = h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"xbox"}, Subscriber: "7"})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, h.engine.Len())
}

func TestAddQueryRejectsInvalidParams(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"  "}})
	require.ErrorIs(t, err, ErrInvalidQuery)
	assert.Zero(t, h.engine.Len())
	assert.Empty(t, h.fetcher.calls)
	assert.Empty(t, h.checkpoint.saves)
}

func TestAddQueryInitialCrawlFailure(t *testing.T) {
	t.Parallel()

	t.Run("kept with empty history", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{})
		h.fetcher.errs[pageURL("xbox", 1)] = &FetchError{URL: pageURL("xbox", 1), StatusCode: 503, Err: errors.New("unavailable")}

		res, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"xbox"}})
		require.NoError(t, err)
		require.Error(t, res.InitialErr)
		assert.True(t, IsCrawlFailure(res.InitialErr))
		assert.Equal(t, 1, h.engine.Len())
		assert.Empty(t, res.Query.Results)
		assert.Len(t, h.checkpoint.saves, 1)
	})

	t.Run("strict rolls back", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{Strict: true})
		h.fetcher.errs[pageURL("xbox", 1)] = &ParseError{URL: pageURL("xbox", 1), Reason: "no results container"}

		_, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"xbox"}})
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Zero(t, h.engine.Len())
		assert.Empty(t, h.checkpoint.saves)
	})
}

func TestAddQueryPersistFailure(t *testing.T) {
	t.Parallel()
	cp := &MockCheckpointer{}
	cp.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	e, err := NewEngine(Config{}, nil, newPageFetcher(), &countingLimiter{}, cp, &fakeClock{}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = e.AddQuery(context.Background(), QueryParams{Keywords: []string{"xbox"}})
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, e.Len(), "in-memory registration survives a failed save")
	cp.AssertExpectations(t)
}

func TestRunCyclePersistFailureStillCommits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	cp := &MockCheckpointer{}
	cp.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	cp.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	h.engine.checkpoint = cp

	url := pageURL("lamp", 1)
	h.fetcher.pages[url] = listings("/s-anzeige/a/1")
	_, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"lamp"}})
	require.NoError(t, err)

	h.fetcher.pages[url] = listings("/s-anzeige/a/1", "/s-anzeige/b/2")
	report, err := h.engine.RunCycle(context.Background())
	require.ErrorContains(t, err, "disk full")
	assert.True(t, report.Committed, "outcomes are applied before the save")
	assert.Equal(t, 1, report.NewListings())
	assert.Len(t, h.engine.ListQueries("")[0].Results, 2)
	cp.AssertExpectations(t)
}

func TestRunCycleRecordsOnlyNewListings(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	url := pageURL("xbox", 1)
	h.fetcher.pages[url] = listings("/s-anzeige/a/1", "/s-anzeige/b/2", "/s-anzeige/c/3")

	_, err := h.engine.AddQuery(context.Background(), QueryParams{Keywords: []string{"xbox"}, Location: "k0", MaxPage: 1})
	require.NoError(t, err)

	h.fetcher.pages[url] = listings("/s-anzeige/a/1", "/s-anzeige/d/4", "/s-anzeige/b/2", "/s-anzeige/c/3")
	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "cycle-1", report.ID)
	require.Len(t, report.Outcomes, 1)
	out := report.Outcomes[0]
	require.True(t, out.OK())
	assert.Equal(t, []string{"https://www.kleinanzeigen.de/s-anzeige/d/4"}, links(out.NewItems))

	q := h.engine.ListQueries("")[0]
	assert.Len(t, q.Results, 4)
	assert.Equal(t, []string{"https://www.kleinanzeigen.de/s-anzeige/d/4"}, links(q.RecentlyAdded))
	assert.Equal(t, q.Results, out.Query.Results)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.clock.slept)
	assert.Len(t, h.checkpoint.saves, 2)

	// Nothing new on the next pass clears RecentlyAdded but keeps history.
	_, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	q = h.engine.ListQueries("")[0]
	assert.Len(t, q.Results, 4)
	assert.Empty(t, q.RecentlyAdded)
	assert.NotNil(t, q.RecentlyAdded)
}

func TestRunCycleIsolatesFailedQuery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetcher.pages[pageURL("ps5", 1)] = listings("/s-anzeige/ps5/1")
	h.fetcher.pages[pageURL("xbox", 1)] = listings("/s-anzeige/xbox/1")

	ctx := context.Background()
	_, err := h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"ps5"}})
	require.NoError(t, err)
	_, err = h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"xbox"}})
	require.NoError(t, err)
	before := h.engine.ListQueries("")

	h.fetcher.errs[pageURL("ps5", 1)] = &FetchError{URL: pageURL("ps5", 1), Err: errors.New("connection reset")}
	h.fetcher.pages[pageURL("xbox", 1)] = listings("/s-anzeige/xbox/1", "/s-anzeige/xbox/2")

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	succeeded := report.Succeeded()
	require.Len(t, succeeded, 1)
	assert.Equal(t, []string{"xbox"}, succeeded[0].Query.Keywords)
	assert.Len(t, succeeded[0].NewItems, 1)

	after := h.engine.ListQueries("")
	assert.Equal(t, before[0].Results, after[0].Results)
	assert.Equal(t, before[0].RecentlyAdded, after[0].RecentlyAdded)
	assert.Len(t, after[1].Results, 2)
}

func TestRunCycleStrictAbortsWithoutCommitting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Strict: true})
	ctx := context.Background()
	h.fetcher.pages[pageURL("xbox", 1)] = listings("/s-anzeige/xbox/1")
	_, err := h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"xbox"}})
	require.NoError(t, err)
	_, err = h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"ps5"}})
	require.NoError(t, err)

	h.fetcher.pages[pageURL("xbox", 1)] = listings("/s-anzeige/xbox/1", "/s-anzeige/xbox/2")
	h.fetcher.errs[pageURL("ps5", 1)] = &FetchError{URL: pageURL("ps5", 1), StatusCode: 500, Err: errors.New("boom")}

	report, err := h.engine.RunCycle(ctx)
	assert.False(t, report.Committed)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 500, fe.StatusCode)

	q := h.engine.ListQueries("")[0]
	assert.Len(t, q.Results, 1, "xbox progress is discarded on abort")
	assert.Len(t, h.checkpoint.saves, 2, "aborted cycle is not persisted")
}

func TestRunCycleFiltersSponsoredAndRepeats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{SponsoredLabels: []string{"Anzeige", "TOP"}})
	ctx := context.Background()
	_, err := h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"lego", "technic"}, MaxPage: 2})
	require.NoError(t, err)

	page1 := listings("/s-anzeige/1", "/s-anzeige/2")
	page1 = append(page1, RawListing{Link: "/s-anzeige/promo", AddedLabel: "Anzeige"})
	page2 := listings("/s-anzeige/2", "https://www.kleinanzeigen.de/s-anzeige/3")
	page2 = append(page2, RawListing{Link: "/s-anzeige/top", AddedLabel: "top"})
	h.fetcher.pages[pageURL("lego-technic", 1)] = page1
	h.fetcher.pages[pageURL("lego-technic", 2)] = page2
	h.fetcher.calls = nil

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{pageURL("lego-technic", 1), pageURL("lego-technic", 2)}, h.fetcher.urls())
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, []string{
		"https://www.kleinanzeigen.de/s-anzeige/1",
		"https://www.kleinanzeigen.de/s-anzeige/2",
		"https://www.kleinanzeigen.de/s-anzeige/3",
	}, links(report.Outcomes[0].NewItems))
}

func TestRunCycleMissingLinkFailsQuery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"xbox"}})
	require.NoError(t, err)

	h.fetcher.pages[pageURL("xbox", 1)] = []RawListing{{Title: "no link"}}
	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	var pe *ParseError
	require.ErrorAs(t, report.Outcomes[0].Err, &pe)
	assert.ErrorContains(t, report.Outcomes[0].Err, "page 1")
}

func TestRunCycleCancelledCommitsGathered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"xbox"}})
	require.NoError(t, err)
	_, err = h.engine.AddQuery(ctx, QueryParams{Keywords: []string{"ps5"}})
	require.NoError(t, err)

	h.fetcher.pages[pageURL("xbox", 1)] = listings("/s-anzeige/xbox/1")
	h.fetcher.onFetch = func(string) { cancel() }

	report, err := h.engine.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Committed)
	require.Len(t, report.Outcomes, 1)
	assert.Len(t, report.Outcomes[0].NewItems, 1)

	qs := h.engine.ListQueries("")
	assert.Len(t, qs[0].Results, 1)
	assert.Len(t, h.checkpoint.saves, 3, "gathered outcomes are persisted")
}

func TestRunCycleShufflesAndJitters(t *testing.T) {
	t.Parallel()
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	h := newHarness(t, Config{}, WithShuffle(reverse))
	ctx := context.Background()
	for _, kw := range []string{"a", "b", "c"} {
		_, err := h.engine.AddQuery(ctx, QueryParams{Keywords: []string{kw}})
		require.NoError(t, err)
	}
	h.fetcher.calls = nil

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{pageURL("c", 1), pageURL("b", 1), pageURL("a", 1)}, h.fetcher.urls())
	assert.Len(t, h.clock.slept, 3)
	assert.Equal(t, 6, h.limiter.calls)
}

func TestRemoveQueries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	for _, p := range []QueryParams{
		{Keywords: []string{"xbox"}, Subscriber: "42"},
		{Keywords: []string{"ps5"}, Subscriber: "42"},
		{Keywords: []string{"switch"}, Subscriber: "7"},
	} {
		_, err := h.engine.AddQuery(ctx, p)
		require.NoError(t, err)
	}

	n, err := h.engine.RemoveQueries(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	remaining := h.engine.ListQueries("")
	require.Len(t, remaining, 1)
	assert.Equal(t, "7", remaining[0].Subscriber)
	assert.Len(t, h.checkpoint.saves, 4)

	n, err = h.engine.RemoveQueries(ctx, "42")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.checkpoint.saves, 4)

	assert.Len(t, h.engine.ListQueries("7"), 1)
	assert.Empty(t, h.engine.ListQueries("42"))
}

func TestUniformJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	j := uniformJitter(time.Second, 3*time.Second)
	for i := 0; i < 100; i++ {
		d := j()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Equal(t, time.Second, uniformJitter(time.Second, time.Second)())
}
