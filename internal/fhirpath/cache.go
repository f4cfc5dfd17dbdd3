package fhirpath

import (
	"container/list"
	"sync"
)

// PlanCache caches compiled Plans keyed by (expression, rootType, mode), so
// the search indexer and query planner can reuse the Compile step across
// resources without a global process-wide singleton forcing a shared mode
// (§4.4 "compile (or fetch cached) the FHIRPath expression"). Grounded on
// the teacher pack's LRU ExpressionCache (gofhir's pkg/fhirpath/cache.go).
type PlanCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	limit   int
}

type cacheEntry struct {
	key  string
	plan *Plan
}

// NewPlanCache creates a cache holding at most limit plans; limit <= 0
// means unbounded.
func NewPlanCache(limit int) *PlanCache {
	return &PlanCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		limit:   limit,
	}
}

func cacheKey(expr, rootType string, mode Mode) string {
	m := "lenient"
	if mode == ModeStrict {
		m = "strict"
	}
	return rootType + "\x00" + m + "\x00" + expr
}

// Get compiles expr (or returns the cached Plan) for the given root type
// and analysis mode.
func (c *PlanCache) Get(expr, rootType string, mode Mode) (*Plan, error) {
	key := cacheKey(expr, rootType, mode)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		plan := el.Value.(*cacheEntry).plan
		c.mu.Unlock()
		return plan, nil
	}
	c.mu.Unlock()

	plan, err := Compile(expr, rootType, mode)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).plan, nil
	}
	if c.limit > 0 && len(c.entries) >= c.limit {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.entries, back.Value.(*cacheEntry).key)
		}
	}
	el := c.order.PushFront(&cacheEntry{key: key, plan: plan})
	c.entries[key] = el
	return plan, nil
}

// Clear removes every cached plan.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
}

func (c *PlanCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
