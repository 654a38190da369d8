package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
)

const defaultMaxCacheSize = 10000

// InMemoryCache is an Adapter backed by an in-process TinyLFU cache. Instances
// may be safely shared by multiple goroutines.
type InMemoryCache struct {
	cache       *theine.Cache[string, []byte]
	maxElements int64
	closeOnce   *sync.Once
}

type InMemoryCacheOpt func(i *InMemoryCache)

// WithMaxCacheSize overrides the default maximum number of cached entries.
func WithMaxCacheSize(maxElements int64) InMemoryCacheOpt {
	return func(i *InMemoryCache) {
		i.maxElements = maxElements
	}
}

var _ Adapter = (*InMemoryCache)(nil)

func NewInMemoryCache(opts ...InMemoryCacheOpt) (*InMemoryCache, error) {
	c := &InMemoryCache{
		maxElements: defaultMaxCacheSize,
		closeOnce:   &sync.Once{},
	}

	for _, opt := range opts {
		opt(c)
	}

	cache, err := theine.NewBuilder[string, []byte](c.maxElements).Build()
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

func (i *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := i.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

func (i *InMemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	i.cache.SetWithTTL(key, value, 1, ttl)
	return nil
}

func (i *InMemoryCache) Del(_ context.Context, key string) error {
	i.cache.Delete(key)
	return nil
}

func (i *InMemoryCache) Clear(_ context.Context) error {
	var keys []string
	i.cache.Range(func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		i.cache.Delete(key)
	}
	return nil
}

func (i *InMemoryCache) Close() {
	i.closeOnce.Do(func() {
		i.cache.Close()
	})
}
