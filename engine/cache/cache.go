// Package cache holds answered queries keyed by a fingerprint of the
// normalized query text, evicting the least frequently used entry at capacity.
package cache

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/vcetai/vcet-assist/engine/domain"
)

// DefaultMaxSize is the capacity used when none is configured.
const DefaultMaxSize = 100

// Entry is a cached answer.
type Entry struct {
	Response string          `json:"response"`
	Sources  []domain.Source `json:"sources"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size          int `json:"size"`
	MaxSize       int `json:"max_size"`
	TotalAccesses int `json:"total_accesses"`
}

type slot struct {
	entry    Entry
	accesses int
}

// LFU is a bounded, mutex-guarded least-frequently-used cache.
//
// Eviction scans every entry for the minimum access count. Among entries
// tied at the minimum, the victim is whichever Go's map iteration yields
// first, so it is not deterministic.
type LFU struct {
	mu      sync.Mutex
	maxSize int
	slots   map[string]*slot
	gen     uint64
}

// New creates an LFU cache holding at most maxSize entries.
func New(maxSize int) *LFU {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &LFU{maxSize: maxSize, slots: make(map[string]*slot, maxSize)}
}

// Fingerprint returns the cache key for a query: the hex xxhash64 of its
// case-folded, whitespace-trimmed text.
func Fingerprint(query string) string {
	norm := strings.ToLower(strings.TrimSpace(query))
	return strconv.FormatUint(xxhash.Sum64String(norm), 16)
}

// Get returns the entry for query and bumps its access count.
func (c *LFU) Get(query string) (Entry, bool) {
	key := Fingerprint(query)

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[key]
	if !ok {
		return Entry{}, false
	}
	s.accesses++
	return s.entry, true
}

// Set stores e for query with an access count of 1, overwriting any
// existing entry. Inserting a new key at capacity evicts first.
func (c *LFU) Set(query string, e Entry) {
	key := Fingerprint(query)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, e)
}

// SetIfCurrent stores e like Set, but only if the cache has not been cleared
// since gen was read from Generation. It reports whether e was stored.
func (c *LFU) SetIfCurrent(gen uint64, query string, e Entry) bool {
	key := Fingerprint(query)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.set(key, e)
	return true
}

// Generation counts how many times the cache has been cleared.
func (c *LFU) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// set stores e under key. Must hold mu.
func (c *LFU) set(key string, e Entry) {
	if _, exists := c.slots[key]; !exists && len(c.slots) >= c.maxSize {
		c.evict()
	}
	c.slots[key] = &slot{entry: e, accesses: 1}
}

// evict removes one entry with the lowest access count. Must hold mu.
func (c *LFU) evict() {
	victim := ""
	lowest := -1
	for k, s := range c.slots {
		if lowest < 0 || s.accesses < lowest {
			victim, lowest = k, s.accesses
		}
	}
	if lowest >= 0 {
		delete(c.slots, victim)
	}
}

// Clear drops every entry and its counter and starts a new generation.
func (c *LFU) Clear() {
	c.mu.Lock()
	c.slots = make(map[string]*slot, c.maxSize)
	c.gen++
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *LFU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Stats reports size, capacity and the sum of live access counters.
func (c *LFU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, s := range c.slots {
		total += s.accesses
	}
	return Stats{Size: len(c.slots), MaxSize: c.maxSize, TotalAccesses: total}
}
