// Package scheduler wires up the cron job that periodically triggers a crawl
// cycle.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger queues a crawl cycle without waiting for it.
type Trigger interface {
	TriggerCycle() bool
}

// Config controls scheduling.
type Config struct {
	// Interval between cycles. Sub-second values round up to one second.
	Interval time.Duration
	// RunOnStart fires one cycle immediately when the scheduler starts.
	RunOnStart bool
}

// Scheduler wraps robfig/cron and fires cycle triggers.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	spec    string
	cfg     Config
	logger  *zap.Logger
}

// New creates a Scheduler that fires every cfg.Interval.
func New(trigger Trigger, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if trigger == nil {
		return nil, errors.New("scheduler: trigger is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		trigger: trigger,
		spec:    "@every " + cfg.Interval.String(),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Start registers the job and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.fire); err != nil {
		return fmt.Errorf("cron add func: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec))
	if s.cfg.RunOnStart {
		s.fire()
	}
	return nil
}

// Stop halts the scheduler. It does not wait for the worker to finish a
// cycle that was already triggered.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) fire() {
	if s.trigger.TriggerCycle() {
		s.logger.Debug("cycle triggered")
		return
	}
	s.logger.Info("cycle already pending, skipping tick")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
