// Package notifier delivers newly found listings to their subscribers. It
// filters every batch through the delivered-link ledger, so a listing reaches
// a subscriber at most once even when a cycle is replayed after a crash.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/crawler"
	"github.com/JakeFAU/listingwatch/internal/ledger"
	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/publisher"
)

// QuerySummary identifies the query a notification belongs to.
type QuerySummary struct {
	Keywords string `json:"keywords"`
	Location string `json:"location"`
	MinPrice *int   `json:"minPrice,omitempty"`
	MaxPrice *int   `json:"maxPrice,omitempty"`
}

// Notification is the published payload: one per query and batch.
type Notification struct {
	CycleID    string            `json:"cycleId,omitempty"`
	Subscriber string            `json:"subscriber"`
	Query      QuerySummary      `json:"query"`
	Listings   []crawler.Listing `json:"listings"`
}

// Summary counts the results of a delivery pass.
type Summary struct {
	Sent       int
	Suppressed int
	Failed     int
	Listings   int
}

// Dispatcher publishes notifications and maintains the ledger.
type Dispatcher struct {
	ledger    ledger.Ledger
	publisher publisher.Publisher
	logger    *zap.Logger
}

// New constructs a Dispatcher.
func New(l ledger.Ledger, p publisher.Publisher, logger *zap.Logger) (*Dispatcher, error) {
	if l == nil || p == nil {
		return nil, errors.New("notifier: ledger and publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{ledger: l, publisher: p, logger: logger}, nil
}

// Deliver notifies subscribers of the listings found new in a cycle. Failed
// and subscriber-less outcomes are skipped. A failure for one query does not
// stop delivery to the others; all failures are returned joined.
func (d *Dispatcher) Deliver(ctx context.Context, report crawler.CycleReport) (Summary, error) {
	var (
		sum  Summary
		errs []error
	)
	for _, o := range report.Succeeded() {
		if err := d.deliver(ctx, report.ID, o.Query, o.NewItems, &sum); err != nil {
			errs = append(errs, err)
		}
	}
	return sum, errors.Join(errs...)
}

// Redeliver replays each query's RecentlyAdded through the ledger. It runs at
// startup so listings found by a cycle whose notifications were interrupted
// still reach their subscriber.
func (d *Dispatcher) Redeliver(ctx context.Context, queries []crawler.Query) (Summary, error) {
	var (
		sum  Summary
		errs []error
	)
	for _, q := range queries {
		if err := d.deliver(ctx, "", q, q.RecentlyAdded, &sum); err != nil {
			errs = append(errs, err)
		}
	}
	return sum, errors.Join(errs...)
}

// Seed records the listings a query already had when it was registered as
// delivered, so its subscriber is only told about listings that appear later.
func (d *Dispatcher) Seed(ctx context.Context, q crawler.Query) error {
	if q.Subscriber == "" || len(q.Results) == 0 {
		return nil
	}
	links := make([]string, len(q.Results))
	for i, l := range q.Results {
		links[i] = l.Link
	}
	if err := d.ledger.MarkDelivered(ctx, q.Subscriber, links); err != nil {
		return fmt.Errorf("seed ledger for %s: %w", q.Subscriber, err)
	}
	return nil
}

// Forget drops the ledger of subscriber.
func (d *Dispatcher) Forget(ctx context.Context, subscriber string) error {
	if err := d.ledger.Forget(ctx, subscriber); err != nil {
		return fmt.Errorf("forget subscriber %s: %w", subscriber, err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, cycleID string, q crawler.Query, listings []crawler.Listing, sum *Summary) error {
	if q.Subscriber == "" || len(listings) == 0 {
		return nil
	}
	logger := d.logger.With(
		zap.String("subscriber", q.Subscriber),
		zap.String("keywords", q.DisplayKeywords()),
	)

	links := make([]string, len(listings))
	for i, l := range listings {
		links[i] = l.Link
	}
	pending, err := d.ledger.Undelivered(ctx, q.Subscriber, links)
	if err != nil {
		sum.Failed++
		metrics.ObserveNotification("failed")
		logger.Error("ledger lookup failed", zap.Error(err))
		return fmt.Errorf("ledger lookup for %s: %w", q.Subscriber, err)
	}
	if len(pending) == 0 {
		sum.Suppressed++
		metrics.ObserveNotification("suppressed")
		logger.Debug("all listings already delivered")
		return nil
	}

	want := make(map[string]struct{}, len(pending))
	for _, l := range pending {
		want[l] = struct{}{}
	}
	batch := make([]crawler.Listing, 0, len(pending))
	for _, l := range listings {
		if _, ok := want[l.Link]; ok {
			batch = append(batch, l)
			delete(want, l.Link)
		}
	}

	msg := Notification{
		CycleID:    cycleID,
		Subscriber: q.Subscriber,
		Query: QuerySummary{
			Keywords: q.DisplayKeywords(),
			Location: q.Location,
			MinPrice: q.MinPrice,
			MaxPrice: q.MaxPrice,
		},
		Listings: batch,
	}
	id, err := d.publisher.Publish(ctx, q.Subscriber, msg)
	if err != nil {
		sum.Failed++
		metrics.ObserveNotification("failed")
		logger.Error("publish notification failed", zap.Error(err))
		return fmt.Errorf("publish to %s: %w", q.Subscriber, err)
	}
	// A crash between publish and mark causes a duplicate, never a loss.
	if err := d.ledger.MarkDelivered(ctx, q.Subscriber, pending); err != nil {
		logger.Error("ledger update failed", zap.String("message_id", id), zap.Error(err))
		return fmt.Errorf("ledger update for %s: %w", q.Subscriber, err)
	}

	sum.Sent++
	sum.Listings += len(batch)
	metrics.ObserveNotification("sent")
	logger.Info("notification published", zap.String("message_id", id), zap.Int("listings", len(batch)))
	return nil
}
