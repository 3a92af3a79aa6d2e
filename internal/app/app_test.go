package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/config"
	"github.com/JakeFAU/listingwatch/internal/crawler"
	"github.com/JakeFAU/listingwatch/internal/notifier"
	memorypublisher "github.com/JakeFAU/listingwatch/internal/publisher/memory"
	memorystorage "github.com/JakeFAU/listingwatch/internal/storage/memory"
)

// listingFetcher serves a growing set of listings for every URL.
type listingFetcher struct {
	mu    sync.Mutex
	links []string
}

func (f *listingFetcher) add(links ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, links...)
}

func (f *listingFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := crawler.Page{URL: req.URL}
	for _, l := range f.links {
		page.Listings = append(page.Listings, crawler.RawListing{
			Link:        l,
			Title:       "title " + l,
			Description: "desc",
			Price:       "10 €",
			AddedLabel:  "Heute, 10:00",
		})
	}
	return page, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.BackendMemory
	cfg.Ledger.Backend = config.BackendBlob
	cfg.Crawler.MinInterval = 0
	cfg.Crawler.JitterMin = 0
	cfg.Crawler.JitterMax = 0
	cfg.Schedule.Enabled = false
	cfg.Server.Port = 0
	return cfg
}

func build(t *testing.T, cfg config.Config, blobs *memorystorage.BlobStore, fetcher crawler.Fetcher, pub *memorypublisher.Publisher) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, zap.NewNop(),
		WithBlobStore(blobs),
		WithFetcher(fetcher),
		WithPublisher(pub),
	)
	require.NoError(t, err)
	return a
}

func TestAppEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	blobs := memorystorage.NewBlobStore()
	fetcher := &listingFetcher{}
	fetcher.add("/s-anzeige/a/1", "/s-anzeige/b/2")
	pub := memorypublisher.New()

	a := build(t, testConfig(t), blobs, fetcher, pub)
	a.Start(ctx)
	defer a.Close()

	res, err := a.Worker().AddQuery(ctx, crawler.QueryParams{Keywords: []string{"xbox"}, Subscriber: "42"})
	require.NoError(t, err)
	require.NoError(t, res.InitialErr)
	assert.Len(t, res.Query.Results, 2)
	assert.Contains(t, blobs.Paths(), "results.json")

	// Nothing new: the initial results were seeded and the page is unchanged.
	cycle, err := a.Worker().RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, cycle.Report.NewListings())
	assert.Empty(t, pub.Messages())

	fetcher.add("/s-anzeige/c/3")
	cycle, err = a.Worker().RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Report.NewListings())
	assert.Equal(t, 1, cycle.Delivery.Sent)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].Key)
	n, ok := msgs[0].Payload.(notifier.Notification)
	require.True(t, ok)
	require.Len(t, n.Listings, 1)
	assert.Equal(t, "https://www.kleinanzeigen.de/s-anzeige/c/3", n.Listings[0].Link)
	assert.Contains(t, blobs.Paths(), "delivered.json")

	removed, err := a.Worker().RemoveQueries(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestAppRestoresCheckpointAndRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	blobs := memorystorage.NewBlobStore()
	fetcher := &listingFetcher{}
	fetcher.add("/s-anzeige/a/1")
	cfg := testConfig(t)
	cfg.Ledger.Backend = config.BackendMemory

	first := build(t, cfg, blobs, fetcher, memorypublisher.New())
	first.Start(ctx)
	_, err := first.Worker().AddQuery(ctx, crawler.QueryParams{Keywords: []string{"bike"}, Subscriber: "7"})
	require.NoError(t, err)
	fetcher.add("/s-anzeige/b/2")
	_, err = first.Worker().RunCycle(ctx)
	require.NoError(t, err)
	first.Close()

	// A fresh process with an empty ledger replays the last batch once.
	pub := memorypublisher.New()
	second := build(t, cfg, blobs, fetcher, pub)
	second.Start(ctx)
	defer second.Close()

	qs, err := second.Worker().ListQueries(ctx, "7")
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Len(t, qs[0].Results, 2)

	sum, err := second.Worker().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	require.Len(t, pub.Messages(), 1)
}

func TestAppServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Schedule.Enabled = true
	cfg.Schedule.Interval = time.Hour
	a := build(t, cfg, memorystorage.NewBlobStore(), &listingFetcher{}, memorypublisher.New())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestBuildRejectsIncompatibleCheckpoint(t *testing.T) {
	t.Parallel()

	blobs := memorystorage.NewBlobStore()
	_, err := blobs.PutObject(context.Background(), "results.json", "application/json",
		strings.NewReader(`{"schemaVersion":"1.0","queries":[]}`))
	require.NoError(t, err)

	_, err = Build(context.Background(), testConfig(t), zap.NewNop(),
		WithBlobStore(blobs), WithFetcher(&listingFetcher{}), WithPublisher(memorypublisher.New()))
	require.ErrorContains(t, err, "restore checkpoint")
}

func TestBuildDefaultsToConfiguredBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Ledger.Backend = config.BackendMemory
	cfg.Notifier.Publisher = config.BackendLog
	cfg.Archive.Enabled = true

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Worker())
	assert.NotNil(t, a.Logger())
	assert.IsType(t, &memorystorage.BlobStore{}, a.blobs)
}
