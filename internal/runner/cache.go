package runner

import (
	"sync"
	"time"
)

// result is one finished execution retained for GET /logs after exit.
type result struct {
	id         string
	stdout     string
	stderr     string
	exitCode   *int
	topic      string
	finishedAt time.Time
}

// resultCache keeps the most recent finished executions, evicting oldest
// first. Output older than the window is served from the Store instead.
type resultCache struct {
	mu      sync.Mutex
	cap     int
	order   []string
	results map[string]result
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		cap:     capacity,
		results: make(map[string]result, capacity),
	}
}

func (c *resultCache) put(r result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[r.id]; !ok {
		c.order = append(c.order, r.id)
		if len(c.order) > c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.results, oldest)
		}
	}
	c.results[r.id] = r
}

func (c *resultCache) get(id string) (result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[id]
	return r, ok
}
