// Package cache provides caching for pipeline results and rendered images.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	QueryCacheSize   int
}

// ImageCache holds rendered PNG bytes.
type ImageCache struct {
	images *bigcache.BigCache
}

// NewImageCache creates a new image cache.
func NewImageCache(cfg Config) (*ImageCache, error) {
	ttl := cfg.ImageTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	imageCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // 256KB per map image
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	images, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	return &ImageCache{images: images}, nil
}

// Get retrieves an image from cache.
func (c *ImageCache) Get(key string) ([]byte, bool) {
	data, err := c.images.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores an image in cache.
func (c *ImageCache) Set(key string, data []byte) error {
	return c.images.Set(key, data)
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	return c.images.Len()
}

// Capacity returns the number of bytes held by the cache.
func (c *ImageCache) Capacity() int {
	return c.images.Capacity()
}

// Close closes the image cache.
func (c *ImageCache) Close() error {
	return c.images.Close()
}

// ImageKey generates a cache key for a rendered map or legend image.
func ImageKey(kind, queryKey, palette string, width, height int) string {
	return fmt.Sprintf("%s:%s:%s:%dx%d", kind, queryKey, palette, width, height)
}
