package ghclient

import (
	"context"
	"sync"
)

// runtimeCache memoizes PR lookups for the lifetime of a single worker
// cycle: the finalize pipeline and reconcile sweep both ask for the same
// branch's PR status repeatedly in one pass, and GitHub rate limits are
// scarce enough that re-querying is worth avoiding.
type runtimeCache struct {
	mu      sync.Mutex
	lookups map[string]PRLookup
}

func newRuntimeCache() *runtimeCache {
	return &runtimeCache{lookups: make(map[string]PRLookup)}
}

func cacheKey(repoSlug, head string) string {
	return repoSlug + "#" + head
}

// CachedLookupPRStatus wraps LookupPRStatus with an in-process cache keyed by
// repo slug and head branch. ClearRuntimeCache evicts everything, which
// callers do at the start of each worker cycle so stale state never crosses
// cycle boundaries.
func (c *Client) CachedLookupPRStatus(ctx context.Context, repoSlug, head string) PRLookup {
	key := cacheKey(repoSlug, head)
	c.cache.mu.Lock()
	if cached, ok := c.cache.lookups[key]; ok {
		c.cache.mu.Unlock()
		return cached
	}
	c.cache.mu.Unlock()

	result := c.LookupPRStatus(ctx, repoSlug, head)
	if result.Outcome != OutcomeError {
		c.cache.mu.Lock()
		c.cache.lookups[key] = result
		c.cache.mu.Unlock()
	}
	return result
}

// ClearRuntimeCache evicts all cached PR lookups. Callers run this once at
// the start of each worker cycle.
func (c *Client) ClearRuntimeCache() {
	c.cache.mu.Lock()
	c.cache.lookups = make(map[string]PRLookup)
	c.cache.mu.Unlock()
}
