package searcher

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/types"
)

type cacheKey [32]byte

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	collection string
	response   *Response
	expiresAt  time.Time
}

// responseCache is an LRU of query responses. Every write to a collection
// removes that collection's entries and bumps its generation, so a response
// computed before the write is never stored after it.
type responseCache struct {
	mu          sync.Mutex
	cache       *lru.Cache[cacheKey, *cacheEntry]
	generations map[string]uint64
	now         func() time.Time
}

func newResponseCache(size int) *responseCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, *cacheEntry](size)
	if err != nil {
		// This should never happen with valid size parameter
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return &responseCache{cache: cache, generations: make(map[string]uint64), now: time.Now}
}

// key computes a unique hash for a normalized query
func (c *responseCache) key(q Query) cacheKey {
	// Build deterministic string representation
	var data strings.Builder
	fmt.Fprintf(&data, "%s|%s|%d|%s", q.Collection, q.Strategy, q.K, q.Metric)
	data.WriteString("|text:")
	data.WriteString(q.Text)
	data.WriteString("|kw:")
	data.WriteString(q.Keywords)
	if q.Vector != nil {
		data.WriteString("|vec:")
		data.Write(distance.Encode(q.Vector))
	}
	if !q.Filters.Empty() {
		data.WriteString("|filters:")
		data.WriteString(q.Filters.String())
	}
	fmt.Fprintf(&data, "|%d|%d|%t|%t|%g|%d", q.Probes, q.EFSearch, q.Exact, q.KeywordFilter, q.RRFConstant, q.CandidateLimit)
	if q.Weights != nil {
		fmt.Fprintf(&data, "|w:%g,%g", q.Weights.Text, q.Weights.Vector)
	}
	return sha256.Sum256([]byte(data.String()))
}

// get returns a copy of a live entry.
func (c *responseCache) get(key cacheKey) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return copyResponse(entry.response), true
}

// generation returns the write generation of collection.
func (c *responseCache) generation(collection string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[collection]
}

// put stores resp unless collection was written since generation gen.
func (c *responseCache) put(key cacheKey, collection string, gen uint64, resp *Response, ttl time.Duration) {
	entry := &cacheEntry{
		collection: collection,
		response:   copyResponse(resp),
		expiresAt:  c.now().Add(ttl),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[collection] != gen {
		return
	}
	c.cache.Add(key, entry)
}

// invalidate removes the entries of collection.
func (c *responseCache) invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[collection]++
	for _, key := range c.cache.Keys() {
		if entry, ok := c.cache.Peek(key); ok && entry.collection == collection {
			c.cache.Remove(key)
		}
	}
}

func (c *responseCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for collection := range c.generations {
		c.generations[collection]++
	}
	c.cache.Purge()
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// copyResponse creates a deep copy of a Response
func copyResponse(src *Response) *Response {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Stages = append([]Stage(nil), src.Stages...)
	dst.Results = make([]types.SearchResult, len(src.Results))
	for i, r := range src.Results {
		dst.Results[i] = r
		if r.Distance != nil {
			d := *r.Distance
			dst.Results[i].Distance = &d
		}
		if r.Metadata != nil {
			md := make(map[string]interface{}, len(r.Metadata))
			for k, v := range r.Metadata {
				md[k] = v
			}
			dst.Results[i].Metadata = md
		}
	}
	return &dst
}
