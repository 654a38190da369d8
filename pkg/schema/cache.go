package schema

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectstack/objectstack/pkg/cache"
)

const (
	allClassesKey = "__all_classes"
	keyIndexKey   = "__index"
)

// Cache is the TTL schema cache fronting a shared cache.Adapter. Entries are
// namespaced by a random per-process prefix so several logical caches can use
// one backing store without collision, and every key ever written is tracked
// in an index entry so Clear can enumerate and delete exactly what it owns.
//
// A zero or negative TTL disables the cache entirely: every operation becomes
// a no-op and reads always miss.
type Cache struct {
	prefix  string
	ttl     time.Duration
	backing cache.Adapter

	mu sync.Mutex // guards the read-modify-write of the key index
}

func NewCache(backing cache.Adapter, ttl time.Duration) *Cache {
	return &Cache{
		prefix:  uuid.NewString(),
		ttl:     ttl,
		backing: backing,
	}
}

func (c *Cache) enabled() bool {
	return c.ttl > 0
}

func (c *Cache) key(suffix string) string {
	return c.prefix + ":" + suffix
}

func (c *Cache) trackKey(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	raw, ok, err := c.backing.Get(ctx, c.key(keyIndexKey))
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(raw, &keys); err != nil {
			keys = nil
		}
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	keys = append(keys, key)
	encoded, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	// The index must outlive the entries it tracks, so it gets a longer TTL.
	return c.backing.Put(ctx, c.key(keyIndexKey), encoded, 2*c.ttl)
}

func (c *Cache) put(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.trackKey(ctx, key); err != nil {
		return err
	}
	return c.backing.Put(ctx, c.key(key), encoded, c.ttl)
}

// GetAllClasses returns the cached class list, or nil on a miss.
func (c *Cache) GetAllClasses(ctx context.Context) ([]Class, error) {
	if !c.enabled() {
		return nil, nil
	}
	raw, ok, err := c.backing.Get(ctx, c.key(allClassesKey))
	if err != nil || !ok {
		return nil, err
	}
	var classes []Class
	if err := json.Unmarshal(raw, &classes); err != nil {
		return nil, nil
	}
	return classes, nil
}

func (c *Cache) SetAllClasses(ctx context.Context, classes []Class) error {
	if !c.enabled() {
		return nil
	}
	return c.put(ctx, allClassesKey, classes)
}

// GetOneSchema returns the cached schema for className, falling back to a scan
// of the all-classes blob when no per-class entry exists. Returns nil on miss.
func (c *Cache) GetOneSchema(ctx context.Context, className string) (*Class, error) {
	if !c.enabled() {
		return nil, nil
	}
	raw, ok, err := c.backing.Get(ctx, c.key(className))
	if err != nil {
		return nil, err
	}
	if ok {
		var class Class
		if err := json.Unmarshal(raw, &class); err == nil {
			return &class, nil
		}
	}
	classes, err := c.GetAllClasses(ctx)
	if err != nil {
		return nil, err
	}
	for i := range classes {
		if classes[i].ClassName == className {
			return &classes[i], nil
		}
	}
	return nil, nil
}

func (c *Cache) SetOneSchema(ctx context.Context, class Class) error {
	if !c.enabled() {
		return nil
	}
	return c.put(ctx, class.ClassName, class)
}

// Clear deletes every key this cache instance has ever written.
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok, err := c.backing.Get(ctx, c.key(keyIndexKey))
	if err != nil {
		return err
	}
	if ok {
		var keys []string
		if err := json.Unmarshal(raw, &keys); err == nil {
			for _, key := range keys {
				if err := c.backing.Del(ctx, c.key(key)); err != nil {
					return err
				}
			}
		}
	}
	return c.backing.Del(ctx, c.key(keyIndexKey))
}
