package cache

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// memcached rejects items above 1MB by default
const maxItemSize = 1 << 20

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) Get(key string) ([]byte, bool) {
	item, err := mc.client.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			mc.log.Warn("failed to read page from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	return item.Value, true
}

func (mc *MemcachedClient) Set(key string, body []byte) {
	if len(body) >= maxItemSize {
		mc.log.Debug("page too large for memcached. Skip saving to cache.", slog.Int("size", len(body)))
		return
	}
	err := mc.client.Set(&memcache.Item{
		Key:        key,
		Value:      body,
		Expiration: int32(mc.cfg.TTL.Seconds()),
	})
	if err != nil {
		mc.log.Error("failed to save page to cache.", slog.String("key", key),
			slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("page saved to memcached.")
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}
