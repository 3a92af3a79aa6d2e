// Package ledger tracks which listing links were already delivered to each
// subscriber. It is persisted independently of the crawl checkpoint: a link
// new to a query's history may still have been delivered before, for example
// through another query of the same subscriber or a redelivery after a crash.
package ledger

import (
	"context"
	"sync"
)

// Ledger records delivered links per subscriber.
type Ledger interface {
	// Undelivered returns the links not yet delivered to subscriber, in input order.
	Undelivered(ctx context.Context, subscriber string, links []string) ([]string, error)
	// MarkDelivered records links as delivered to subscriber.
	MarkDelivered(ctx context.Context, subscriber string, links []string) error
	// Forget drops everything recorded for subscriber.
	Forget(ctx context.Context, subscriber string) error
}

// Memory is an in-process Ledger for development and tests.
type Memory struct {
	mu   sync.RWMutex
	sent map[string]map[string]struct{}
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{sent: map[string]map[string]struct{}{}}
}

// Undelivered implements Ledger.
func (m *Memory) Undelivered(_ context.Context, subscriber string, links []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterKnown(m.sent[subscriber], links), nil
}

// MarkDelivered implements Ledger.
func (m *Memory) MarkDelivered(_ context.Context, subscriber string, links []string) error {
	if len(links) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addAll(m.sent, subscriber, links)
	return nil
}

// Forget implements Ledger.
func (m *Memory) Forget(_ context.Context, subscriber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sent, subscriber)
	return nil
}

func filterKnown(known map[string]struct{}, links []string) []string {
	out := make([]string, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for _, l := range links {
		if _, ok := known[l]; ok {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func addAll(sent map[string]map[string]struct{}, subscriber string, links []string) {
	set, ok := sent[subscriber]
	if !ok {
		set = make(map[string]struct{}, len(links))
		sent[subscriber] = set
	}
	for _, l := range links {
		set[l] = struct{}{}
	}
}
