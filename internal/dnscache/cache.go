package dnscache

import (
	"sort"
	"time"
)

// CachedLookup is the payload stored for a single-address lookup.
type CachedLookup struct {
	Address string `json:"address"`
	Family  int    `json:"family"`
}

// cacheEntry is one stored resolution with its insertion time.
type cacheEntry struct {
	key        string
	lookup     *CachedLookup
	addresses  []string
	insertedAt time.Time
}

// Stats accumulates counters within the current TTL window.
type Stats struct {
	Hits           int64     `json:"hits"`
	Misses         int64     `json:"misses"`
	Errors         int64     `json:"errors"`
	Evictions      int64     `json:"evictions"`
	TTLPeriodStart time.Time `json:"ttlPeriodStart"`
}

// HitRate returns hits/(hits+misses) as a percentage rounded to two
// decimals, or 0 when the window has seen no requests.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(int64(float64(s.Hits)/float64(total)*10000+0.5)) / 100
}

// EntrySnapshot is the admin-surface view of one cache entry.
type EntrySnapshot struct {
	Key          string   `json:"key"`
	Address      string   `json:"address,omitempty"`
	Addresses    []string `json:"addresses,omitempty"`
	AgeMs        int64    `json:"age"`
	RemainingTTL int64    `json:"remainingTTL"`
	Expired      bool     `json:"expired"`
	Source       string   `json:"source"`
}

// cache is the TTL + FIFO-eviction store. It is not safe for concurrent use;
// the owning Service serializes access.
type cache struct {
	entries    map[string]*cacheEntry
	order      []string // insertion order, oldest first
	ttl        time.Duration
	maxEntries int
	stats      Stats
	now        func() time.Time
}

func newCache(ttl time.Duration, maxEntries int) *cache {
	c := &cache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	c.stats.TTLPeriodStart = c.now()
	return c
}

// checkAndResetTTLPeriod starts a fresh statistics window once the current
// one is at least one TTL old.
func (c *cache) checkAndResetTTLPeriod() {
	now := c.now()
	if now.Sub(c.stats.TTLPeriodStart) >= c.ttl {
		c.stats = Stats{TTLPeriodStart: now}
	}
}

// get returns the entry for key if present and unexpired. An expired entry
// is deleted and treated as a miss. Hit/miss counters are the caller's job;
// get only manages expiry.
func (c *cache) get(key string) *cacheEntry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.delete(key)
		return nil
	}
	return e
}

// add inserts an entry, evicting the earliest insertion when full. Reports
// whether an eviction happened so the owner can count it.
func (c *cache) add(e *cacheEntry) (evicted bool) {
	if _, exists := c.entries[e.key]; exists {
		c.delete(e.key)
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		oldest := c.order[0]
		c.delete(oldest)
		c.stats.Evictions++
		evicted = true
	}
	e.insertedAt = c.now()
	c.entries[e.key] = e
	c.order = append(c.order, e.key)
	return evicted
}

func (c *cache) delete(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

// clear empties the cache, returning the number of entries removed.
func (c *cache) clear() int {
	n := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
	return n
}

// snapshot returns derived views of all entries, newest first.
func (c *cache) snapshot() []EntrySnapshot {
	now := c.now()
	out := make([]EntrySnapshot, 0, len(c.entries))
	for _, e := range c.entries {
		age := now.Sub(e.insertedAt)
		remaining := c.ttl - age
		if remaining < 0 {
			remaining = 0
		}
		snap := EntrySnapshot{
			Key:          e.key,
			AgeMs:        age.Milliseconds(),
			RemainingTTL: remaining.Milliseconds(),
			Expired:      age >= c.ttl,
			Source:       "system",
		}
		if e.lookup != nil {
			snap.Address = e.lookup.Address
		}
		snap.Addresses = e.addresses
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgeMs < out[j].AgeMs })
	return out
}
