package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultPriceCapacity is the hard cap of the price snapshot map
	DefaultPriceCapacity = 200
	// DefaultPriceMaxAge is the age after which the cleanup job drops a price
	DefaultPriceMaxAge = 24 * time.Hour
)

// PriceEntry is the last seen price of a symbol
type PriceEntry struct {
	Symbol    string    `msgpack:"s" json:"symbol"`
	Price     float64   `msgpack:"p" json:"price"`
	Timestamp time.Time `msgpack:"t" json:"timestamp"`
}

// PriceCache is an LRU map of last seen prices. Every read or write moves the
// symbol to the most recently used end; inserting past capacity evicts the
// least recently used symbol immediately.
type PriceCache struct {
	mu       sync.Mutex
	ll       *list.List // front = most recently used
	index    map[string]*list.Element
	capacity int
	maxAge   time.Duration
	now      func() time.Time
}

// NewPriceCache creates an empty price cache
func NewPriceCache(capacity int, maxAge time.Duration) *PriceCache {
	if capacity <= 0 {
		capacity = DefaultPriceCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultPriceMaxAge
	}
	return &PriceCache{
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Get returns the entry for symbol and marks it most recently used
func (c *PriceCache) Get(symbol string) (PriceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[symbol]
	if !ok {
		return PriceEntry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(PriceEntry), true
}

// Previous returns the last recorded price for symbol
func (c *PriceCache) Previous(symbol string) (float64, bool) {
	e, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	return e.Price, true
}

// Set records a price. Returns the symbol evicted to make room, if any.
func (c *PriceCache) Set(symbol string, price float64, ts time.Time) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := PriceEntry{Symbol: symbol, Price: price, Timestamp: ts}
	if el, ok := c.index[symbol]; ok {
		el.Value = entry
		c.ll.MoveToFront(el)
		return ""
	}

	c.index[symbol] = c.ll.PushFront(entry)
	if c.ll.Len() > c.capacity {
		return c.removeOldest()
	}
	return ""
}

// removeOldest must be called with the lock held
func (c *PriceCache) removeOldest() string {
	el := c.ll.Back()
	if el == nil {
		return ""
	}
	entry := c.ll.Remove(el).(PriceEntry)
	delete(c.index, entry.Symbol)
	return entry.Symbol
}

// EvictExpired drops entries older than the max age regardless of LRU position.
// Returns the number of evicted entries.
func (c *PriceCache) EvictExpired() int {
	return c.EvictOlderThan(c.now().Add(-c.maxAge))
}

// EvictOlderThan drops entries whose timestamp is before cutoff
func (c *PriceCache) EvictOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(PriceEntry)
		if entry.Timestamp.Before(cutoff) {
			c.ll.Remove(el)
			delete(c.index, entry.Symbol)
			evicted++
		}
		el = prev
	}
	return evicted
}

// Snapshot returns every entry ordered from least to most recently used,
// without touching any of them.
func (c *PriceCache) Snapshot() []PriceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PriceEntry, 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(PriceEntry))
	}
	return out
}

// Restore loads entries in least to most recently used order. Entries older
// than the max age are skipped; capacity is enforced as for Set.
func (c *PriceCache) Restore(entries []PriceEntry) int {
	cutoff := c.now().Add(-c.maxAge)
	restored := 0
	for _, e := range entries {
		if e.Symbol == "" || e.Timestamp.Before(cutoff) {
			continue
		}
		c.Set(e.Symbol, e.Price, e.Timestamp)
		restored++
	}
	return restored
}

// Len returns the number of cached symbols
func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Capacity returns the hard cap
func (c *PriceCache) Capacity() int {
	return c.capacity
}

// Clear drops every entry
func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.index = make(map[string]*list.Element)
}
