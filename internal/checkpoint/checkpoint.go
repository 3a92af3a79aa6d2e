// Package checkpoint persists the query registry as a versioned JSON
// document in a blob store.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/crawler"
	"github.com/JakeFAU/listingwatch/internal/storage"
)

// SchemaVersion tags documents written by this build.
const SchemaVersion = "2"

// DefaultObject is the object path used when none is configured.
const DefaultObject = "results.json"

var (
	// ErrNotFound reports that no checkpoint has been written yet.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrIncompatibleSchema reports a checkpoint written by an incompatible version.
	ErrIncompatibleSchema = errors.New("incompatible checkpoint schema")
)

// Document is the persisted form of the registry.
type Document struct {
	SchemaVersion string          `json:"schemaVersion"`
	Queries       []crawler.Query `json:"queries"`
}

// Store implements crawler.Checkpointer on top of a storage.BlobStore.
type Store struct {
	blobs  storage.BlobStore
	object string
}

var _ crawler.Checkpointer = (*Store)(nil)

// New returns a Store writing to object in blobs.
func New(blobs storage.BlobStore, object string) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("checkpoint: blob store is required")
	}
	if object == "" {
		object = DefaultObject
	}
	return &Store{blobs: blobs, object: object}, nil
}

// Save writes the full registry, replacing the previous checkpoint.
func (s *Store) Save(ctx context.Context, queries []crawler.Query) error {
	if queries == nil {
		queries = []crawler.Query{}
	}
	data, err := json.MarshalIndent(Document{SchemaVersion: SchemaVersion, Queries: queries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, s.object, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", s.object, err)
	}
	return nil
}

// Load reads and validates the checkpoint.
func (s *Store) Load(ctx context.Context) ([]crawler.Query, error) {
	data, err := s.blobs.GetObject(ctx, s.object)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", s.object, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.object, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: found %q, want %q", ErrIncompatibleSchema, doc.SchemaVersion, SchemaVersion)
	}
	for i := range doc.Queries {
		normalize(&doc.Queries[i])
	}
	return doc.Queries, nil
}

// Restore loads the registry for startup. A missing checkpoint yields an
// empty registry; every other error is fatal to the caller.
func Restore(ctx context.Context, cp crawler.Checkpointer, logger *zap.Logger) (*crawler.Registry, error) {
	queries, err := cp.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Info("no checkpoint found, starting with an empty registry")
		return crawler.NewRegistry(nil), nil
	case err != nil:
		return nil, err
	}
	registry := crawler.NewRegistry(queries)
	if registry.Len() != len(queries) {
		logger.Warn("dropped duplicate queries from checkpoint",
			zap.Int("loaded", len(queries)),
			zap.Int("kept", registry.Len()),
		)
	}
	logger.Info("checkpoint restored", zap.Int("queries", registry.Len()))
	return registry, nil
}

func normalize(q *crawler.Query) {
	if q.Results == nil {
		q.Results = []crawler.Listing{}
	}
	if q.RecentlyAdded == nil {
		q.RecentlyAdded = []crawler.Listing{}
	}
	if q.MaxPage < 1 {
		q.MaxPage = 1
	}
	if q.Location == "" {
		q.Location = crawler.DefaultLocation
	}
}
