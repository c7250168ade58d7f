package memory

import (
	"time"

	"github.com/seshat-ai/seshat/pkg/models"
)

// ContextItem is one working-context entry with its access metadata.
type ContextItem struct {
	Key          string    `json:"key"`
	Value        any       `json:"value"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
}

type contextEntry struct {
	value        any
	lastAccessed time.Time
	accessCount  int
}

// WorkingContext is a bounded key-value scratchpad of facts currently in
// play for a session. Reads update access metadata; the metadata feeds
// promotion-priority heuristics. When the item cap is exceeded, the
// least-recently-used key is evicted.
type WorkingContext struct {
	maxItems int
	entries  map[string]*contextEntry
	now      func() time.Time
}

// NewWorkingContext creates a scratchpad holding at most maxItems keys.
func NewWorkingContext(maxItems int) *WorkingContext {
	return &WorkingContext{
		maxItems: maxItems,
		entries:  make(map[string]*contextEntry),
		now:      time.Now,
	}
}

// Put upserts a key, resetting its access metadata. If the cap is
// exceeded the least-recently-used other key is evicted; the evicted key
// is returned, or "" when nothing was evicted.
func (c *WorkingContext) Put(key string, value any) string {
	c.entries[key] = &contextEntry{
		value:        value,
		lastAccessed: c.now(),
	}
	if c.maxItems <= 0 || len(c.entries) <= c.maxItems {
		return ""
	}

	var lruKey string
	var lruTime time.Time
	for k, e := range c.entries {
		if k == key {
			continue
		}
		if lruKey == "" || e.lastAccessed.Before(lruTime) {
			lruKey = k
			lruTime = e.lastAccessed
		}
	}
	delete(c.entries, lruKey)
	return lruKey
}

// PutMany upserts every pair in values. Returns the evicted keys.
func (c *WorkingContext) PutMany(values map[string]any) []string {
	var evicted []string
	for k, v := range values {
		if out := c.Put(k, v); out != "" {
			evicted = append(evicted, out)
		}
	}
	return evicted
}

// Get returns the value for key, or def when absent. A hit updates the
// key's access timestamp and counter.
func (c *WorkingContext) Get(key string, def any) any {
	e, ok := c.entries[key]
	if !ok {
		return def
	}
	e.lastAccessed = c.now()
	e.accessCount++
	return e.value
}

// Has reports key presence without touching access metadata.
func (c *WorkingContext) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Delete removes key. Unknown keys are a no-op.
func (c *WorkingContext) Delete(key string) {
	delete(c.entries, key)
}

// List returns every entry with metadata. No access-tracking side
// effects.
func (c *WorkingContext) List() []ContextItem {
	out := make([]ContextItem, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, ContextItem{
			Key:          k,
			Value:        e.value,
			LastAccessed: e.lastAccessed,
			AccessCount:  e.accessCount,
		})
	}
	return out
}

// Len returns the number of stored keys.
func (c *WorkingContext) Len() int {
	return len(c.entries)
}

// Clear removes every entry.
func (c *WorkingContext) Clear() {
	c.entries = make(map[string]*contextEntry)
}

// SuggestType classifies a context entry for promotion using the shared
// key-name heuristic. An explicit hint wins.
func (c *WorkingContext) SuggestType(key string, hint models.MemoryType) models.MemoryType {
	return models.InferTypeFromKey(key, hint)
}
