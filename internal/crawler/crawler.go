package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
)

// Engine owns the query registry and runs crawls against it. Callers must
// serialize access; the worker service does so by funnelling every command
// through a single goroutine.
type Engine struct {
	cfg        Config
	registry   *Registry
	urls       *URLBuilder
	sponsored  SponsoredFunc
	headers    http.Header
	fetcher    Fetcher
	limiter    Limiter
	checkpoint Checkpointer
	clock      Clock
	ids        IDGenerator
	logger     *zap.Logger

	shuffle func(n int, swap func(i, j int))
	jitter  func() time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithShuffle replaces the per-cycle query ordering.
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(e *Engine) {
		if fn != nil {
			e.shuffle = fn
		}
	}
}

// WithJitter replaces the per-query pause drawn before each crawl in a cycle.
func WithJitter(fn func() time.Duration) Option {
	return func(e *Engine) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// NewEngine wires an engine around an already restored registry.
func NewEngine(
	cfg Config,
	registry *Registry,
	fetcher Fetcher,
	limiter Limiter,
	checkpoint Checkpointer,
	clock Clock,
	ids IDGenerator,
	logger *zap.Logger,
	opts ...Option,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawler config: %w", err)
	}
	if fetcher == nil || limiter == nil || checkpoint == nil || clock == nil {
		return nil, errors.New("crawler: fetcher, limiter, checkpoint and clock are required")
	}
	urls, err := NewURLBuilder(cfg.SearchTemplate)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	labels := cfg.SponsoredLabels
	if labels == nil {
		labels = DefaultSponsoredLabels
	}

	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		urls:       urls,
		sponsored:  LabelMatcher(labels),
		headers:    cfg.headers(),
		fetcher:    fetcher,
		limiter:    limiter,
		checkpoint: checkpoint,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		shuffle:    rand.Shuffle,
		jitter:     uniformJitter(cfg.JitterMin, cfg.JitterMax),
	}
	for _, opt := range opts {
		opt(e)
	}
	metrics.SetRegisteredQueries(registry.Len())
	return e, nil
}

// AddQuery validates params, registers the query, runs its initial crawl and
// persists the registry. The initial crawl establishes the baseline: its
// listings become both Results and RecentlyAdded. A duplicate key is skipped
// without touching state. When the initial crawl fails the query stays
// registered with empty history and the failure is reported in InitialErr,
// unless the engine runs in strict mode, where the registration is rolled
// back and the failure returned.
func (e *Engine) AddQuery(ctx context.Context, params QueryParams) (AddResult, error) {
	q, err := NewQuery(params, e.clock.Now())
	if err != nil {
		return AddResult{}, err
	}
	logger := e.logger.With(queryFields(q)...)

	if existing, ok := e.registry.Get(q.Key()); ok {
		logger.Info("query already registered, skipping")
		return AddResult{Query: existing, Skipped: true}, nil
	}

	e.registry.Add(q)
	logger.Info("query registered", zap.Int("max_page", q.MaxPage))

	res := AddResult{Query: q}
	found, err := e.crawlQuery(ctx, q, logger)
	switch {
	case err != nil && e.cfg.Strict:
		e.registry.Remove(q.Key())
		return AddResult{}, fmt.Errorf("initial crawl: %w", err)
	case err != nil:
		logger.Warn("initial crawl failed, query kept with empty history", zap.Error(err))
		res.InitialErr = err
	default:
		q.Results = append(q.Results, found...)
		q.RecentlyAdded = append([]Listing{}, found...)
		q.LastCrawledAt = e.clock.Now()
		e.registry.Replace(q)
		res.Query = q.Clone()
		logger.Info("initial crawl finished", zap.Int("listings", len(found)))
	}

	metrics.SetRegisteredQueries(e.registry.Len())
	if err := e.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// RemoveQueries deletes every query registered by subscriber and persists
// the registry when anything changed.
func (e *Engine) RemoveQueries(ctx context.Context, subscriber string) (int, error) {
	n := e.registry.RemoveSubscriber(subscriber)
	e.logger.Info("queries removed", zap.String("subscriber", subscriber), zap.Int("count", n))
	if n == 0 {
		return 0, nil
	}
	metrics.SetRegisteredQueries(e.registry.Len())
	return n, e.persist(ctx)
}

// ListQueries returns copies of the registered queries, optionally filtered
// by subscriber. An empty filter returns every query.
func (e *Engine) ListQueries(subscriber string) []Query {
	all := e.registry.Snapshot()
	if subscriber == "" {
		return all
	}
	out := all[:0]
	for _, q := range all {
		if q.Subscriber == subscriber {
			out = append(out, q)
		}
	}
	return out
}

// Len returns the number of registered queries.
func (e *Engine) Len() int {
	return e.registry.Len()
}

func (e *Engine) persist(ctx context.Context) error {
	// Persisting after a cancelled cycle must still reach the store.
	if err := e.checkpoint.Save(context.WithoutCancel(ctx), e.registry.Snapshot()); err != nil {
		e.logger.Error("failed to persist registry", zap.Error(err))
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

func (e *Engine) newCycleID() string {
	if e.ids == nil {
		return ""
	}
	id, err := e.ids.NewID()
	if err != nil {
		e.logger.Warn("failed to generate cycle id", zap.Error(err))
		return ""
	}
	return id
}

func queryFields(q Query) []zap.Field {
	return []zap.Field{
		zap.String("keywords", q.DisplayKeywords()),
		zap.String("location", q.Location),
		zap.String("subscriber", q.Subscriber),
	}
}

func uniformJitter(lo, hi time.Duration) func() time.Duration {
	return func() time.Duration {
		if hi <= lo {
			return lo
		}
		return lo + rand.N(hi-lo+1)
	}
}
