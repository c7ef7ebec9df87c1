package graph

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// AnalysisCache memoizes intermediate results shared between filter
// evaluations. It is owned by the registry and wiped before every full-graph
// refresh, so entries can never outlive the inputs they were derived from.
type AnalysisCache struct {
	mu      sync.Mutex
	entries map[uint64]interface{}
}

func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{entries: make(map[uint64]interface{})}
}

// Key hashes the given parts into a cache key.
func (c *AnalysisCache) Key(parts ...string) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		h.WriteString(p)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func (c *AnalysisCache) Get(key uint64) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *AnalysisCache) Put(key uint64, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

func (c *AnalysisCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]interface{})
}

func (c *AnalysisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
