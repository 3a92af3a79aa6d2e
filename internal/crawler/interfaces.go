package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a result page and returns its raw listings.
// Implementations return *FetchError or *ParseError on failure.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (Page, error)
}

// Limiter spaces out requests to the target host.
type Limiter interface {
	AwaitSlot(ctx context.Context) error
}

// Checkpointer persists and restores the registry.
type Checkpointer interface {
	Save(ctx context.Context, queries []Query) error
	Load(ctx context.Context) ([]Query, error)
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
