package fusion

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// GroupState holds one Ring per grouping key, capped at a configured
// device count via an LRU — a resource ceiling applied one level up
// from ring size: it bounds total tracked devices, evicting the
// least-recently-touched key's ring entirely under sustained churn.
type GroupState struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *Ring]
	maxWindow time.Duration
}

// NewGroupState builds a GroupState capped at capacity grouping keys,
// each ring trimmed to maxWindow+slack.
func NewGroupState(capacity int, maxWindow time.Duration) (*GroupState, error) {
	if capacity <= 0 {
		capacity = 50_000
	}
	cache, err := lru.New[string, *Ring](capacity)
	if err != nil {
		return nil, err
	}
	return &GroupState{cache: cache, maxWindow: maxWindow}, nil
}

// Insert adds e to the ring for groupKey, creating it on first touch.
func (g *GroupState) Insert(groupKey string, e Event) *Ring {
	g.mu.Lock()
	defer g.mu.Unlock()

	ring, ok := g.cache.Get(groupKey)
	if !ok {
		ring = NewRing(g.maxWindow)
		g.cache.Add(groupKey, ring)
	}
	ring.Insert(e)
	return ring
}

// Len returns the number of tracked grouping keys.
func (g *GroupState) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Len()
}
