package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/listingwatch/internal/storage"
)

// DefaultObject is the blob path of the ledger document.
const DefaultObject = "delivered.json"

// Blob keeps the ledger as a single JSON document mapping subscriber to its
// delivered links. The document is loaded on first use and rewritten after
// every change.
type Blob struct {
	mu     sync.Mutex
	blobs  storage.BlobStore
	object string
	sent   map[string]map[string]struct{}
}

var _ Ledger = (*Blob)(nil)

// NewBlob returns a ledger stored at object in blobs.
func NewBlob(blobs storage.BlobStore, object string) (*Blob, error) {
	if blobs == nil {
		return nil, errors.New("ledger: blob store is required")
	}
	if object == "" {
		object = DefaultObject
	}
	return &Blob{blobs: blobs, object: object}, nil
}

// Undelivered implements Ledger.
func (b *Blob) Undelivered(ctx context.Context, subscriber string, links []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(ctx); err != nil {
		return nil, err
	}
	return filterKnown(b.sent[subscriber], links), nil
}

// MarkDelivered implements Ledger.
func (b *Blob) MarkDelivered(ctx context.Context, subscriber string, links []string) error {
	if len(links) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(ctx); err != nil {
		return err
	}
	addAll(b.sent, subscriber, links)
	return b.save(ctx)
}

// Forget implements Ledger.
func (b *Blob) Forget(ctx context.Context, subscriber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(ctx); err != nil {
		return err
	}
	if _, ok := b.sent[subscriber]; !ok {
		return nil
	}
	delete(b.sent, subscriber)
	return b.save(ctx)
}

func (b *Blob) load(ctx context.Context) error {
	if b.sent != nil {
		return nil
	}
	data, err := b.blobs.GetObject(ctx, b.object)
	if errors.Is(err, storage.ErrNotFound) {
		b.sent = map[string]map[string]struct{}{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", b.object, err)
	}
	var doc map[string][]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode ledger %s: %w", b.object, err)
	}
	sent := make(map[string]map[string]struct{}, len(doc))
	for sub, links := range doc {
		addAll(sent, sub, links)
	}
	b.sent = sent
	return nil
}

func (b *Blob) save(ctx context.Context) error {
	doc := make(map[string][]string, len(b.sent))
	for sub, set := range b.sent {
		links := make([]string, 0, len(set))
		for l := range set {
			links = append(links, l)
		}
		slices.Sort(links)
		doc[sub] = links
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if _, err := b.blobs.PutObject(ctx, b.object, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write ledger %s: %w", b.object, err)
	}
	return nil
}
