// Package archive stores the raw HTML of every fetched result page so that
// selector breakage can be diagnosed after the fact.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/listingwatch/internal/storage"
)

// DefaultPrefix is the object prefix used when none is configured.
const DefaultPrefix = "pages"

// Hasher derives object names from page URLs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archiver writes page snapshots to a blob store.
type Archiver struct {
	blobs    storage.BlobStore
	hasher   Hasher
	prefix   string
	maxBytes int
	now      func() time.Time
}

// Config controls the archiver.
type Config struct {
	Prefix   string
	MaxBytes int
}

// New builds an Archiver.
func New(blobs storage.BlobStore, hasher Hasher, cfg Config, now func() time.Time) (*Archiver, error) {
	if blobs == nil || hasher == nil {
		return nil, fmt.Errorf("archive: blob store and hasher are required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Archiver{blobs: blobs, hasher: hasher, prefix: prefix, maxBytes: cfg.MaxBytes, now: now}, nil
}

// SaveHTML stores body under <prefix>/<yyyy-mm-dd>/<sha256(url)>.html and
// returns the object URI. A later snapshot of the same URL on the same day
// replaces the earlier one.
func (a *Archiver) SaveHTML(ctx context.Context, pageURL string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty page body")
	}
	if a.maxBytes > 0 && len(body) > a.maxBytes {
		return "", fmt.Errorf("page size %d exceeds max %d", len(body), a.maxBytes)
	}
	digest, err := a.hasher.Hash([]byte(pageURL))
	if err != nil {
		return "", fmt.Errorf("hash page url: %w", err)
	}
	object := a.ObjectPath(digest)
	uri, err := a.blobs.PutObject(ctx, object, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", pageURL, err)
	}
	return uri, nil
}

// ObjectPath returns the object path for a page digest at the current time.
func (a *Archiver) ObjectPath(digest string) string {
	return path.Join(a.prefix, a.now().UTC().Format(time.DateOnly), digest+".html")
}
