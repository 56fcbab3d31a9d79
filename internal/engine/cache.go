package engine

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// Fetcher downloads artifact bytes.
type Fetcher interface {
	Fetch(ctx context.Context, a Artifact) ([]byte, string, error)
}

type cachedArtifact struct {
	data        []byte
	contentType string
}

// FetchCache keeps the most recently downloaded artifacts so an artifact
// that is scored and then persisted is only downloaded once.
type FetchCache struct {
	fetcher Fetcher
	cache   *lru.Cache
}

var _ Fetcher = (*FetchCache)(nil)

// NewFetchCache returns a cache of up to size artifacts in front of f.
func NewFetchCache(f Fetcher, size int) (*FetchCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact cache: %w", err)
	}
	return &FetchCache{fetcher: f, cache: c}, nil
}

// Fetch returns the cached bytes for a, downloading them on a miss. Failed
// downloads are not cached.
func (c *FetchCache) Fetch(ctx context.Context, a Artifact) ([]byte, string, error) {
	key := a.Locator()
	if v, ok := c.cache.Get(key); ok {
		hit := v.(cachedArtifact)
		return hit.data, hit.contentType, nil
	}
	data, contentType, err := c.fetcher.Fetch(ctx, a)
	if err != nil {
		return nil, "", err
	}
	c.cache.Add(key, cachedArtifact{data: data, contentType: contentType})
	return data, contentType, nil
}
