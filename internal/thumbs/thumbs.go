// Package thumbs caches document thumbnails on disk so the UI does not hit
// the archive for every render.
package thumbs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/inkfeed/paperocr/internal/paperless"
)

// Fetcher retrieves thumbnail bytes from the archive.
type Fetcher interface {
	GetThumbnail(ctx context.Context, id int64) ([]byte, error)
}

// Cache is a disk-backed thumbnail cache keyed by document id.
type Cache struct {
	dir     string
	fetcher Fetcher
	logger  *slog.Logger
}

// NewCache creates a Cache rooted at dir, creating it if needed.
func NewCache(dir string, fetcher Fetcher) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating thumbnail cache directory: %w", err)
	}
	return &Cache{dir: dir, fetcher: fetcher, logger: slog.Default()}, nil
}

func (c *Cache) path(id int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.png", id))
}

// Get returns the thumbnail bytes for a document, fetching and caching on
// miss. A missing upstream thumbnail propagates paperless.ErrNotFound.
func (c *Cache) Get(ctx context.Context, id int64) ([]byte, error) {
	if data, err := os.ReadFile(c.path(id)); err == nil {
		return data, nil
	}

	data, err := c.fetcher.GetThumbnail(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(c.path(id), data, 0o644); err != nil {
		// Serving beats caching; a full disk should not break thumbnails.
		c.logger.Warn("caching thumbnail", "document_id", id, "error", err)
	}
	return data, nil
}

// Warm prefetches thumbnails for the given documents concurrently. Missing
// thumbnails are skipped; only transport errors abort the prefetch.
func (c *Cache) Warm(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the archive.

	for _, id := range ids {
		g.Go(func() error {
			if _, err := os.Stat(c.path(id)); err == nil {
				return nil
			}
			_, err := c.Get(gCtx, id)
			if errors.Is(err, paperless.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("warming thumbnail %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Evict removes a cached thumbnail, typically after a document reset.
func (c *Cache) Evict(id int64) error {
	err := os.Remove(c.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
