package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/cache"
	"github.com/otcheredev/dicom-archive-core/internal/metrics"
	"github.com/rs/zerolog/log"
)

// keyCache memoizes natural key to primary key lookups of committed codes and
// issuers. Those rows are never deleted, so an entry never goes stale.
type keyCache struct {
	c   cache.Cache
	ttl time.Duration
}

func (k *keyCache) get(ctx context.Context, key string) (uuid.UUID, bool) {
	if k == nil || k.c == nil {
		return uuid.Nil, false
	}
	b, err := k.c.Get(ctx, key)
	if err != nil {
		metrics.KeyCacheLookups.WithLabelValues("miss").Inc()
		return uuid.Nil, false
	}
	pk, err := uuid.FromBytes(b)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding malformed key cache entry")
		metrics.KeyCacheLookups.WithLabelValues("miss").Inc()
		return uuid.Nil, false
	}
	metrics.KeyCacheLookups.WithLabelValues("hit").Inc()
	return pk, true
}

func (k *keyCache) put(ctx context.Context, key string, pk uuid.UUID) {
	if k == nil || k.c == nil {
		return
	}
	if err := k.c.Set(ctx, key, pk[:], k.ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Failed to cache key")
	}
}
