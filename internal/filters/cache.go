package filters

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spreadscan/spreadscan/internal/models"
)

// TTL floors by filter kind. Static selections stay hot for a day; quote-level
// filters go stale within minutes.
const (
	ttlDTE       = 24 * time.Hour
	ttlGreeks    = 5 * time.Minute
	ttlLiquidity = time.Minute
	ttlIVPct     = time.Hour
	ttlStatic    = 24 * time.Hour
	ttlDefault   = 5 * time.Minute
)

// stageTTL returns the cache lifetime for a filter stage by name.
func stageTTL(name string) time.Duration {
	switch name {
	case "dte":
		return ttlDTE
	case "greeks":
		return ttlGreeks
	case "liquidity":
		return ttlLiquidity
	case "iv_percentile":
		return ttlIVPct
	case "strike", "spread_width":
		return ttlStatic
	default:
		return ttlDefault
	}
}

// keyIDSample bounds how many leading contract ids participate in the input
// digest of a cache key.
const keyIDSample = 10

// stageCache is the per-scan, single-writer LRU over filter stage outputs.
//
// Keys are probabilistic: filter name, static parameter key, and a digest of
// only the first min(10, n) input contract ids. That is sufficient because the
// upstream returns contracts in a stable order per symbol, and any false
// positive is bounded by the stage's TTL floor.
type stageCache struct {
	lru    *lru.Cache[string, cacheEntry]
	hits   int64
	misses int64
}

type cacheEntry struct {
	contracts []models.Contract
	expiresAt time.Time
	hitCount  int
}

func newStageCache(size int) *stageCache {
	if size <= 0 {
		size = 256
	}
	c, _ := lru.New[string, cacheEntry](size)
	return &stageCache{lru: c}
}

// stageKey builds the cache key for one filter stage against one input batch.
func stageKey(f Filter, in []models.Contract) string {
	h := fnv.New64a()
	h.Write([]byte(f.Name()))
	h.Write(f.StaticKey())
	n := len(in)
	if n > keyIDSample {
		n = keyIDSample
	}
	for i := 0; i < n; i++ {
		h.Write([]byte(in[i].ID()))
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(in)))
	h.Write(lenBuf[:])
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return string(sum[:])
}

// get returns the cached stage output if present and unexpired.
func (c *stageCache) get(key string, now time.Time) ([]models.Contract, bool) {
	entry, ok := c.lru.Get(key)
	if !ok || now.After(entry.expiresAt) {
		if ok {
			c.lru.Remove(key)
		}
		c.misses++
		return nil, false
	}
	entry.hitCount++
	c.lru.Add(key, entry)
	c.hits++
	return entry.contracts, true
}

// put stores a stage output with the filter kind's TTL floor.
func (c *stageCache) put(key string, contracts []models.Contract, ttl time.Duration, now time.Time) {
	c.lru.Add(key, cacheEntry{
		contracts: contracts,
		expiresAt: now.Add(ttl),
	})
}

// hitRate reports the lifetime hit ratio, 0 when the cache is untouched.
func (c *stageCache) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
