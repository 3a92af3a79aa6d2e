package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/crawler"
	"github.com/JakeFAU/listingwatch/internal/ledger"
	"github.com/JakeFAU/listingwatch/internal/notifier"
	memorypublisher "github.com/JakeFAU/listingwatch/internal/publisher/memory"
)

type stubFetcher struct {
	mu    sync.Mutex
	links []string
}

func (f *stubFetcher) set(links ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = links
}

func (f *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := crawler.Page{URL: req.URL}
	for _, l := range f.links {
		page.Listings = append(page.Listings, crawler.RawListing{
			Link: l, Title: "t", Description: "d", Price: "1 €", AddedLabel: "Heute",
		})
	}
	return page, nil
}

type openLimiter struct{}

func (openLimiter) AwaitSlot(context.Context) error { return nil }

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now().UTC() }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type switchableCheckpoint struct {
	fail atomic.Bool
}

func (c *switchableCheckpoint) Save(context.Context, []crawler.Query) error {
	if c.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func (c *switchableCheckpoint) Load(context.Context) ([]crawler.Query, error) { return nil, nil }

func TestService_ListingsFoundDuringFailedSaveAreDelivered(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	cp := &switchableCheckpoint{}
	engine, err := crawler.NewEngine(crawler.Config{}, nil, fetcher, openLimiter{}, cp, instantClock{}, nil, zap.NewNop())
	require.NoError(t, err)
	pub := memorypublisher.New()
	notify, err := notifier.New(ledger.NewMemory(), pub, zap.NewNop())
	require.NoError(t, err)
	svc := startService(t, engine, notify)
	ctx := context.Background()

	fetcher.set("/s-anzeige/a/1")
	_, err = svc.AddQuery(ctx, crawler.QueryParams{Keywords: []string{"lamp"}, Subscriber: "5"})
	require.NoError(t, err)

	fetcher.set("/s-anzeige/a/1", "/s-anzeige/b/2")
	cp.fail.Store(true)
	res, err := svc.RunCycle(ctx)
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, res.Delivery.Sent)

	cp.fail.Store(false)
	res, err = svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Report.NewListings())

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "5", msgs[0].Key)
	n, ok := msgs[0].Payload.(notifier.Notification)
	require.True(t, ok)
	require.Len(t, n.Listings, 1)
	assert.Equal(t, "https://www.kleinanzeigen.de/s-anzeige/b/2", n.Listings[0].Link)
}
