package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quiver_cache_lookups_total",
	Help: "Cache lookups by cache name and result",
}, []string{"cache", "result"})

// Cache defines a keyed store for loaded values.
type Cache[V any] interface {
	// Get retrieves a value from the cache.
	Get(key string) (V, bool)
	// Put stores a value in the cache.
	Put(key string, v V)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is an in-memory Cache. Values are shared between callers and
// must be treated as read-only.
type MapCache[V any] struct {
	name  string
	data  map[string]V
	mu    sync.RWMutex
	group singleflight.Group
}

func NewMapCache[V any](name string) *MapCache[V] {
	return &MapCache[V]{
		name: name,
		data: make(map[string]V),
	}
}

func (c *MapCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

func (c *MapCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// GetOrLoad returns the cached value for key, calling load at most once
// across concurrent callers on a miss. Errors are not cached.
func (c *MapCache[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		lookups.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}
	lookups.WithLabelValues(c.name, "miss").Inc()
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
