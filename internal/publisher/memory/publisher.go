// Package memory keeps published notifications in process, for tests and
// single-process deployments that only need the delivery ledger.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	fail     map[string]error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Key     string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{fail: map[string]error{}}
}

// FailFor makes every publish for key return err.
func (p *Publisher) FailFor(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[key] = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, key string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[key]; err != nil {
		return "", err
	}
	p.messages = append(p.messages, PublishedMessage{Key: key, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
