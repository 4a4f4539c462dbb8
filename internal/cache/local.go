package cache

import (
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
)

type LocalCache struct {
	store *cache.Cache
	log   *slog.Logger
}

func NewLocalCache(ttl time.Duration, log *slog.Logger) *LocalCache {
	return &LocalCache{
		store: cache.New(ttl, 2*ttl),
		log:   log,
	}
}

func (lc *LocalCache) Get(key string) ([]byte, bool) {
	v, ok := lc.store.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (lc *LocalCache) Set(key string, body []byte) {
	lc.store.Set(key, body, cache.DefaultExpiration)
	lc.log.Debug("page saved to local cache.", slog.Int("size", len(body)))
}

func (lc *LocalCache) Close() {
	lc.store.Flush()
}
