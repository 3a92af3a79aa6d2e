package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
)

// Cycle results reported to metrics.
const (
	cycleResultOK        = "ok"
	cycleResultAborted   = "aborted"
	cycleResultCancelled = "cancelled"
)

// RunCycle crawls every registered query once, in random order with a
// jittered pause before each. Each query is crawled from a snapshot; its new
// listings are committed only after all queries were processed, so a failing
// query never leaves partial history behind. A failed query is logged and
// skipped. In strict mode the first failure aborts the cycle and nothing is
// committed. When ctx is cancelled the outcomes gathered so far are
// committed and persisted, and ctx's error is returned.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: e.newCycleID(), StartedAt: e.clock.Now()}
	logger := e.logger.With(zap.String("cycle_id", report.ID))

	queries := e.registry.Snapshot()
	e.shuffle(len(queries), func(i, j int) { queries[i], queries[j] = queries[j], queries[i] })
	logger.Info("crawl cycle started", zap.Int("queries", len(queries)))

	var stopErr error
	for _, q := range queries {
		if err := e.clock.Sleep(ctx, e.jitter()); err != nil {
			stopErr = err
			break
		}
		qlog := logger.With(queryFields(q)...)
		found, err := e.crawlQuery(ctx, q, qlog)
		if err != nil {
			if isCancellation(ctx, err) {
				stopErr = err
				break
			}
			metrics.ObserveQueryOutcome(string(OutcomeFailed))
			if e.cfg.Strict {
				report.Duration = e.clock.Now().Sub(report.StartedAt)
				metrics.ObserveCycle(cycleResultAborted, report.Duration)
				logger.Error("crawl cycle aborted", append(queryFields(q), zap.Error(err))...)
				return report, fmt.Errorf("crawl %q: %w", q.DisplayKeywords(), err)
			}
			qlog.Error("query crawl failed, skipping", zap.Error(err))
			report.Outcomes = append(report.Outcomes, Outcome{Status: OutcomeFailed, Query: q, Err: err})
			continue
		}
		metrics.ObserveQueryOutcome(string(OutcomeOK))
		qlog.Info("query crawled", zap.Int("new_listings", len(found)))
		report.Outcomes = append(report.Outcomes, Outcome{Status: OutcomeOK, Query: q, NewItems: found})
	}

	e.commit(&report)
	report.Committed = true
	report.Duration = e.clock.Now().Sub(report.StartedAt)
	persistErr := e.persist(ctx)

	result := cycleResultOK
	if stopErr != nil {
		result = cycleResultCancelled
	}
	metrics.ObserveCycle(result, report.Duration)
	metrics.AddNewListings(report.NewListings())
	logger.Info("crawl cycle finished",
		zap.String("result", result),
		zap.Int("succeeded", len(report.Outcomes)-report.Failed()),
		zap.Int("failed", report.Failed()),
		zap.Int("new_listings", report.NewListings()),
		zap.Duration("duration", report.Duration),
	)

	return report, errors.Join(stopErr, persistErr)
}

// commit applies successful outcomes to the registry: new listings are
// appended to Results and replace RecentlyAdded. Outcome queries are updated
// to the committed state.
func (e *Engine) commit(report *CycleReport) {
	now := e.clock.Now()
	for i, o := range report.Outcomes {
		if !o.OK() {
			continue
		}
		cur, ok := e.registry.Get(o.Query.Key())
		if !ok {
			continue
		}
		cur.Results = append(cur.Results, o.NewItems...)
		cur.RecentlyAdded = append([]Listing{}, o.NewItems...)
		cur.LastCrawledAt = now
		e.registry.Replace(cur)
		report.Outcomes[i].Query = cur.Clone()
	}
}

// crawlQuery walks pages 1..MaxPage of q and returns the listings not yet in
// its history. Sponsored placements and links already seen on an earlier
// page are skipped. Any page failure fails the whole query.
func (e *Engine) crawlQuery(ctx context.Context, q Query, logger *zap.Logger) ([]Listing, error) {
	known := q.KnownLinks()
	found := []Listing{}
	for page := 1; page <= q.MaxPage; page++ {
		pageURL := e.urls.Build(q, page)
		if err := e.limiter.AwaitSlot(ctx); err != nil {
			return nil, err
		}
		logger.Debug("fetching result page", zap.Int("page", page), zap.String("url", pageURL))

		p, err := e.fetcher.Fetch(ctx, FetchRequest{URL: pageURL, Headers: e.headers.Clone()})
		if err != nil {
			metrics.ObservePage("error")
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		metrics.ObservePage("ok")
		if p.URL == "" {
			p.URL = pageURL
		}

		accepted, err := e.acceptNew(p, known)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		logger.Debug("result page parsed",
			zap.Int("page", page),
			zap.Int("listings", len(p.Listings)),
			zap.Int("new", len(accepted)),
		)
		found = append(found, accepted...)
	}
	return found, nil
}

// acceptNew filters a page's raw listings against known, which it extends
// with every accepted link.
func (e *Engine) acceptNew(p Page, known map[string]struct{}) ([]Listing, error) {
	var out []Listing
	for _, raw := range p.Listings {
		if raw.Link == "" {
			return nil, &ParseError{URL: p.URL, Reason: "listing without link"}
		}
		link, err := resolveLink(p.URL, raw.Link)
		if err != nil {
			return nil, &ParseError{URL: p.URL, Reason: err.Error()}
		}
		if _, seen := known[link]; seen {
			continue
		}
		if e.sponsored(raw.AddedLabel) {
			continue
		}
		known[link] = struct{}{}
		out = append(out, Listing{
			Link:        link,
			Title:       raw.Title,
			Description: raw.Description,
			Price:       raw.Price,
			AddedLabel:  raw.AddedLabel,
			Image:       raw.Image,
		})
	}
	return out, nil
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
