package ltm

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// DefaultCacheTTL is the retrieval cache window.
const DefaultCacheTTL = 5 * time.Minute

// Cache stores retrieval results keyed by (session id, query hash).
// Entries are strictly session-scoped: invalidation for one session must
// never touch another session's entries.
type Cache interface {
	Get(sessionID, key string) ([]Scored, bool)
	Set(sessionID, key string, results []Scored)
	Invalidate(sessionID string)
}

type memoryCacheEntry struct {
	results []Scored
	expires time.Time
}

// MemoryCache is the in-process TTL cache used by default.
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]map[string]memoryCacheEntry
	now      func() time.Time
}

// NewMemoryCache creates a cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:      ttl,
		sessions: make(map[string]map[string]memoryCacheEntry),
		now:      time.Now,
	}
}

// Get returns the cached results when present and unexpired.
func (c *MemoryCache) Get(sessionID, key string) ([]Scored, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	entry, ok := entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(entries, key)
		return nil, false
	}
	return entry.results, true
}

// Set stores results under the session's namespace.
func (c *MemoryCache) Set(sessionID, key string, results []Scored) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.sessions[sessionID]
	if !ok {
		entries = make(map[string]memoryCacheEntry)
		c.sessions[sessionID] = entries
	}
	entries[key] = memoryCacheEntry{results: results, expires: c.now().Add(c.ttl)}
}

// Invalidate drops the session's namespace.
func (c *MemoryCache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// RedisCache stores retrieval results in Redis, for deployments where
// several seshat processes share one database. Keys carry the session id
// so invalidation stays session-scoped; a per-session index set makes
// invalidation a bounded DEL instead of a keyspace scan.
type RedisCache struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedisCache dials addr with a small idle pool.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		ttl: ttl,
		pool: &redis.Pool{
			MaxIdle:     4,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
		},
	}
}

func (c *RedisCache) entryKey(sessionID, key string) string {
	return fmt.Sprintf("seshat:retrieval:%s:%s", sessionID, key)
}

func (c *RedisCache) indexKey(sessionID string) string {
	return fmt.Sprintf("seshat:retrieval-index:%s", sessionID)
}

// Get returns cached results. Redis errors degrade to a miss.
func (c *RedisCache) Get(sessionID, key string) ([]Scored, bool) {
	conn := c.pool.Get()
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", c.entryKey(sessionID, key)))
	if err != nil {
		return nil, false
	}
	var results []Scored
	if err := json.Unmarshal(raw, &results); err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("Corrupt retrieval cache entry, ignoring")
		return nil, false
	}
	return results, true
}

// Set stores results with the cache TTL and records the key in the
// session index.
func (c *RedisCache) Set(sessionID, key string, results []Scored) {
	raw, err := json.Marshal(results)
	if err != nil {
		return
	}

	conn := c.pool.Get()
	defer conn.Close()

	entry := c.entryKey(sessionID, key)
	if _, err := conn.Do("SETEX", entry, int(c.ttl.Seconds()), raw); err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("Retrieval cache write failed")
		return
	}
	_, _ = conn.Do("SADD", c.indexKey(sessionID), entry)
	_, _ = conn.Do("EXPIRE", c.indexKey(sessionID), int(c.ttl.Seconds())*2)
}

// Invalidate deletes every cached entry for the session.
func (c *RedisCache) Invalidate(sessionID string) {
	conn := c.pool.Get()
	defer conn.Close()

	index := c.indexKey(sessionID)
	keys, err := redis.Strings(conn.Do("SMEMBERS", index))
	if err != nil {
		return
	}
	for _, k := range keys {
		_, _ = conn.Do("DEL", k)
	}
	_, _ = conn.Do("DEL", index)
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.pool.Close()
}
