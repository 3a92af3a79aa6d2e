// Package logpublisher implements a Publisher that writes notifications to the
// structured log. It is the default sink when no broker is configured.
package logpublisher

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Publisher logs every message at info level.
type Publisher struct {
	logger *zap.Logger
	seq    atomic.Uint64
}

// New returns a log Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish logs the payload and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, key string, payload any) (string, error) {
	id := fmt.Sprintf("log-%d", p.seq.Add(1))
	p.logger.Info("notification",
		zap.String("message_id", id),
		zap.String("subscriber", key),
		zap.Any("payload", payload),
	)
	return id, nil
}
