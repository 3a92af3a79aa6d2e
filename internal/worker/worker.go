// Package worker serializes every operation on the query registry through a
// single goroutine. API handlers, the scheduler and the CLI submit commands
// to a bounded queue and wait for the reply; the loop runs them one at a
// time, so a crawl cycle never overlaps a registration or a removal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/crawler"
	"github.com/JakeFAU/listingwatch/internal/notifier"
	"github.com/JakeFAU/listingwatch/internal/queue/memory"
)

// DefaultQueueSize bounds the number of pending commands.
const DefaultQueueSize = 64

// ErrStopped is returned to callers whose command cannot run because the
// service loop has exited.
var ErrStopped = errors.New("worker stopped")

// Engine is the crawl engine surface the service drives.
type Engine interface {
	AddQuery(ctx context.Context, params crawler.QueryParams) (crawler.AddResult, error)
	RemoveQueries(ctx context.Context, subscriber string) (int, error)
	ListQueries(subscriber string) []crawler.Query
	RunCycle(ctx context.Context) (crawler.CycleReport, error)
}

// Notifier delivers new listings to subscribers.
type Notifier interface {
	Deliver(ctx context.Context, report crawler.CycleReport) (notifier.Summary, error)
	Redeliver(ctx context.Context, queries []crawler.Query) (notifier.Summary, error)
	Seed(ctx context.Context, q crawler.Query) error
	Forget(ctx context.Context, subscriber string) error
}

// Config controls Service behavior.
type Config struct {
	QueueSize int
}

// CycleResult is the reply to a cycle command.
type CycleResult struct {
	Report   crawler.CycleReport
	Delivery notifier.Summary
}

type command struct {
	name string
	run  func(ctx context.Context)
}

// Service owns the engine and runs submitted commands sequentially.
type Service struct {
	engine   Engine
	notifier Notifier
	queue    *memory.Queue[command]
	logger   *zap.Logger

	cycleQueued atomic.Bool
	done        chan struct{}
	started     atomic.Bool
}

// New constructs a Service. notify may be nil, in which case cycles run
// without delivering notifications.
func New(engine Engine, notify Notifier, cfg Config, logger *zap.Logger) (*Service, error) {
	if engine == nil {
		return nil, errors.New("worker: engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Service{
		engine:   engine,
		notifier: notify,
		queue:    memory.NewQueue[command](cfg.QueueSize),
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Run blocks, executing commands until the context finishes. It may only be
// called once.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("worker: already running")
	}
	defer func() {
		s.queue.Close()
		close(s.done)
	}()
	s.logger.Info("worker started")
	for {
		cmd, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("worker stopping", zap.Error(ctx.Err()))
				return nil
			}
			return fmt.Errorf("worker dequeue: %w", err)
		}
		s.logger.Debug("running command", zap.String("command", cmd.name))
		cmd.run(ctx)
	}
}

// AddQuery registers a query and runs its initial crawl. Listings found by
// the initial crawl are recorded as delivered without being published.
func (s *Service) AddQuery(ctx context.Context, params crawler.QueryParams) (crawler.AddResult, error) {
	type reply struct {
		res crawler.AddResult
		err error
	}
	return submit(ctx, s, "add", func(ctx context.Context) reply {
		res, err := s.engine.AddQuery(ctx, params)
		if err == nil && !res.Skipped && s.notifier != nil {
			if serr := s.notifier.Seed(ctx, res.Query); serr != nil {
				s.logger.Warn("seed delivered links failed",
					zap.String("subscriber", res.Query.Subscriber), zap.Error(serr))
			}
		}
		return reply{res, err}
	}, func(r reply) (crawler.AddResult, error) { return r.res, r.err })
}

// RemoveQueries drops every query of a subscriber together with its
// delivery history, returning the number of removed queries.
func (s *Service) RemoveQueries(ctx context.Context, subscriber string) (int, error) {
	type reply struct {
		n   int
		err error
	}
	return submit(ctx, s, "remove", func(ctx context.Context) reply {
		n, err := s.engine.RemoveQueries(ctx, subscriber)
		if err != nil {
			return reply{n, err}
		}
		if s.notifier != nil {
			if ferr := s.notifier.Forget(ctx, subscriber); ferr != nil {
				s.logger.Warn("forget delivered links failed",
					zap.String("subscriber", subscriber), zap.Error(ferr))
			}
		}
		return reply{n, nil}
	}, func(r reply) (int, error) { return r.n, r.err })
}

// ListQueries returns the registered queries, optionally filtered by
// subscriber.
func (s *Service) ListQueries(ctx context.Context, subscriber string) ([]crawler.Query, error) {
	return submit(ctx, s, "list", func(context.Context) []crawler.Query {
		return s.engine.ListQueries(subscriber)
	}, func(qs []crawler.Query) ([]crawler.Query, error) { return qs, nil })
}

// RunCycle runs one crawl cycle and delivers its new listings, waiting for
// the result.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	type reply struct {
		res CycleResult
		err error
	}
	return submit(ctx, s, "cycle", func(ctx context.Context) reply {
		res, err := s.cycle(ctx)
		return reply{res, err}
	}, func(r reply) (CycleResult, error) { return r.res, r.err })
}

// TriggerCycle queues a cycle without waiting for it. It reports false when
// a cycle is already pending or the queue is full.
func (s *Service) TriggerCycle() bool {
	if !s.cycleQueued.CompareAndSwap(false, true) {
		return false
	}
	ok := s.queue.TryEnqueue(command{name: "cycle", run: func(ctx context.Context) {
		s.cycleQueued.Store(false)
		if _, err := s.cycle(ctx); err != nil {
			s.logger.Error("scheduled cycle failed", zap.Error(err))
		}
	}})
	if !ok {
		s.cycleQueued.Store(false)
	}
	return ok
}

// Recover re-sends every query's most recent batch. Links already in the
// ledger are suppressed, so only deliveries lost to a crash go out.
func (s *Service) Recover(ctx context.Context) (notifier.Summary, error) {
	type reply struct {
		sum notifier.Summary
		err error
	}
	return submit(ctx, s, "recover", func(ctx context.Context) reply {
		if s.notifier == nil {
			return reply{}
		}
		sum, err := s.notifier.Redeliver(ctx, s.engine.ListQueries(""))
		return reply{sum, err}
	}, func(r reply) (notifier.Summary, error) { return r.sum, r.err })
}

// cycle runs the engine and delivers every committed report, including one
// whose checkpoint save failed or whose run was cancelled: its listings are
// already known to the registry and would not be found new again.
func (s *Service) cycle(ctx context.Context) (CycleResult, error) {
	report, err := s.engine.RunCycle(ctx)
	res := CycleResult{Report: report}
	if err != nil {
		err = fmt.Errorf("crawl cycle: %w", err)
	}
	if !report.Committed || s.notifier == nil {
		return res, err
	}
	sum, derr := s.notifier.Deliver(context.WithoutCancel(ctx), report)
	res.Delivery = sum
	if derr != nil {
		s.logger.Warn("notification delivery incomplete",
			zap.String("cycle_id", report.ID),
			zap.Int("failed", sum.Failed),
			zap.Error(derr))
	}
	return res, err
}

// submit queues fn and waits for its reply. The reply channel is buffered
// so an abandoned caller never blocks the loop.
func submit[R, T any](
	ctx context.Context,
	s *Service,
	name string,
	fn func(context.Context) R,
	unpack func(R) (T, error),
) (T, error) {
	var zero T
	replies := make(chan R, 1)
	cmd := command{name: name, run: func(ctx context.Context) { replies <- fn(ctx) }}
	if err := s.queue.Enqueue(ctx, cmd); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			return zero, ErrStopped
		}
		return zero, fmt.Errorf("submit %s: %w", name, err)
	}
	select {
	case r := <-replies:
		return unpack(r)
	case <-ctx.Done():
		return zero, fmt.Errorf("await %s: %w", name, ctx.Err())
	case <-s.done:
		select {
		case r := <-replies:
			return unpack(r)
		default:
			return zero, ErrStopped
		}
	}
}
