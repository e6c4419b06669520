package cache

import (
	"context"
	"strings"
	"time"
)

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// CacheKey generates a cache key from a namespace and natural key parts
func CacheKey(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, "|")
}
