package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yukin371/quill/internal/core"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 1000
)

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Size    int   `json:"size"`
	MaxSize int   `json:"maxSize"`
}

type cacheEntry struct {
	tool      string
	response  core.ToolResponse
	expiresAt time.Time
}

// ResponseCache stores responses of deterministic tools. Entries expire
// strictly by TTL; an expired entry is a miss.
type ResponseCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	size    int
	now     func() time.Time

	// guards Clear against concurrent Set
	mu     sync.RWMutex
	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache creates a cache holding at most size entries.
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	entries, _ := lru.New[string, cacheEntry](size)
	return &ResponseCache{entries: entries, ttl: ttl, size: size, now: time.Now}
}

// CacheKey hashes tool, arguments and provider. encoding/json sorts map keys,
// so argument objects differing only in key order hash identically. ok is
// false when the arguments cannot be encoded.
func CacheKey(tool string, args map[string]any, provider string) (key string, ok bool) {
	data, err := json.Marshal(struct {
		Tool     string         `json:"tool"`
		Args     map[string]any `json:"args"`
		Provider string         `json:"provider"`
	}{tool, args, provider})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

// Get returns a copy of a live entry.
func (c *ResponseCache) Get(tool string, args map[string]any, provider string) (*core.ToolResponse, bool) {
	key, ok := CacheKey(tool, args, provider)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.mu.RLock()
	e, found := c.entries.Get(key)
	c.mu.RUnlock()
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	resp := e.response
	resp.Metadata = copyMetadata(e.response.Metadata)
	return &resp, true
}

// Set stores resp. ttl <= 0 uses the cache default.
func (c *ResponseCache) Set(tool string, args map[string]any, provider string, resp *core.ToolResponse, ttl time.Duration) bool {
	if resp == nil {
		return false
	}
	key, ok := CacheKey(tool, args, provider)
	if !ok {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	stored := *resp
	stored.Metadata = copyMetadata(resp.Metadata)
	c.mu.Lock()
	c.entries.Add(key, cacheEntry{tool: tool, response: stored, expiresAt: c.now().Add(ttl)})
	c.mu.Unlock()
	return true
}

// InvalidateTool removes every entry of tool and returns how many went.
func (c *ResponseCache) InvalidateTool(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && e.tool == tool {
			c.entries.Remove(key)
			n++
		}
	}
	return n
}

// Clear drops all entries. The counters keep running.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
}

// ResetStats zeroes the hit and miss counters.
func (c *ResponseCache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Len returns the number of stored entries, expired ones included.
func (c *ResponseCache) Len() int { return c.entries.Len() }

// Stats returns the counters.
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Size:    c.entries.Len(),
		MaxSize: c.size,
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
