// Package redisledger stores the delivered-link ledger in Redis, one set per
// subscriber.
package redisledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listingwatch/internal/ledger"
)

// DefaultPrefix namespaces the per-subscriber set keys.
const DefaultPrefix = "listingwatch:delivered:"

// Ledger implements ledger.Ledger on Redis sets.
type Ledger struct {
	client *redis.Client
	prefix string
}

var _ ledger.Ledger = (*Ledger)(nil)

// NewClient parses redisURL and verifies connectivity.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL(%q): %w", redisURL, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ledger{client: client, prefix: prefix}
}

func (l *Ledger) key(subscriber string) string {
	return l.prefix + subscriber
}

// Undelivered implements ledger.Ledger.
func (l *Ledger) Undelivered(ctx context.Context, subscriber string, links []string) ([]string, error) {
	if len(links) == 0 {
		return []string{}, nil
	}
	members := make([]any, len(links))
	for i, link := range links {
		members[i] = link
	}
	known, err := l.client.SMIsMember(ctx, l.key(subscriber), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smismember: %w", err)
	}
	out := make([]string, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for i, link := range links {
		if known[i] {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out, nil
}

// MarkDelivered implements ledger.Ledger.
func (l *Ledger) MarkDelivered(ctx context.Context, subscriber string, links []string) error {
	if len(links) == 0 {
		return nil
	}
	members := make([]any, len(links))
	for i, link := range links {
		members[i] = link
	}
	if err := l.client.SAdd(ctx, l.key(subscriber), members...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Forget implements ledger.Ledger.
func (l *Ledger) Forget(ctx context.Context, subscriber string) error {
	if err := l.client.Del(ctx, l.key(subscriber)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
