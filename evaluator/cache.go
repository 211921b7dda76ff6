package evaluator

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// cachedResult is the stored outcome of one successful evaluation.
type cachedResult struct {
	value interface{}
	state ResultState
}

// resultCache stores evaluation results keyed by formula id plus a
// fingerprint of the resolved evaluation context, with a per-entity index
// so change notifications invalidate only the formulas that depend on the
// changed entities.
type resultCache struct {
	mu        sync.RWMutex
	entries   map[string]cachedResult
	byEntity  map[string]map[string]struct{}
	byFormula map[string]map[string]struct{}
}

func newResultCache() *resultCache {
	return &resultCache{
		entries:   make(map[string]cachedResult),
		byEntity:  make(map[string]map[string]struct{}),
		byFormula: make(map[string]map[string]struct{}),
	}
}

// fingerprintEnv hashes the resolved environment deterministically. Keys
// are sorted so identical contexts always produce identical fingerprints.
func fingerprintEnv(env map[string]interface{}) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hasher := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(hasher, "%s=%v;", k, env[k])
	}
	return fmt.Sprintf("%016x", hasher.Sum64())
}

func cacheKey(formulaID, fingerprint string) string {
	return formulaID + "\x00" + fingerprint
}

func (c *resultCache) get(formulaID, fingerprint string) (cachedResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.entries[cacheKey(formulaID, fingerprint)]
	return result, ok
}

func (c *resultCache) store(formulaID, fingerprint string, entityIDs []string, result cachedResult) {
	key := cacheKey(formulaID, fingerprint)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = result
	if c.byFormula[formulaID] == nil {
		c.byFormula[formulaID] = make(map[string]struct{})
	}
	c.byFormula[formulaID][key] = struct{}{}
	for _, entityID := range entityIDs {
		if c.byEntity[entityID] == nil {
			c.byEntity[entityID] = make(map[string]struct{})
		}
		c.byEntity[entityID][key] = struct{}{}
	}
}

// invalidateEntities drops every entry produced by a formula that read one
// of the given entities. Other formulas' entries stay untouched.
func (c *resultCache) invalidateEntities(entityIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entityID := range entityIDs {
		for key := range c.byEntity[entityID] {
			delete(c.entries, key)
		}
		delete(c.byEntity, entityID)
	}
}

// invalidateFormula drops every entry for one formula id.
func (c *resultCache) invalidateFormula(formulaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byFormula[formulaID] {
		delete(c.entries, key)
	}
	delete(c.byFormula, formulaID)
}

// clear flushes everything; used only on explicit request.
func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cachedResult)
	c.byEntity = make(map[string]map[string]struct{})
	c.byFormula = make(map[string]map[string]struct{})
}
