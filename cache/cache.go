// Package cache implements a fixed-capacity, set-associative cache of
// decoded embedding rows keyed by (table, physical row).
//
// Lines live in a flat arena indexed by (set, slot): no per-line allocation
// happens after construction except for the decoded row payloads themselves.
// Each set is guarded by its own mutex; a miss runs the caller's fetch
// function while holding the set lock, so concurrent misses on the same set
// serialize victim selection and a given row is fetched at most once per
// residency.
//
// Cache content is purely a performance optimization: for an unmodified
// backing row, a hit and a miss return numerically identical data. Weight
// updates must call Invalidate before the new value may be observed.
package cache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Policy selects the eviction victim within a full set.
type Policy uint8

const (
	// LRU evicts the least-recently-touched line.
	LRU Policy = iota
	// LFU evicts the least-frequently-touched line, breaking ties by
	// recency (least recent first).
	LFU
)

func (p Policy) String() string {
	switch p {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// DefaultAssociativity mirrors the 32-way sets of the device caches this
// design is modeled on.
const DefaultAssociativity = 32

// Config sizes the cache.
type Config struct {
	// Rows is the total line capacity. It is rounded down to a multiple of
	// Associativity (minimum one set).
	Rows int
	// Associativity is the number of candidate lines per set; 1 selects
	// direct-mapped behavior. 0 selects DefaultAssociativity.
	Associativity int
	Policy        Policy
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

type line struct {
	tableID uint32
	row     int64
	valid   bool

	// Policy metadata. lastTouch is a global logical clock sample; freq
	// counts touches since insertion.
	lastTouch uint64
	freq      uint32

	data []float32
}

// Cache is a set-associative row cache safe for concurrent use.
type Cache struct {
	lines   []line // len = numSets * assoc, set s occupies [s*assoc, (s+1)*assoc)
	mus     []sync.Mutex
	numSets int
	assoc   int
	policy  Policy

	tick      atomic.Uint64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache with the given configuration.
func New(cfg Config) (*Cache, error) {
	assoc := cfg.Associativity
	if assoc == 0 {
		assoc = DefaultAssociativity
	}
	if assoc < 0 {
		return nil, fmt.Errorf("cache: invalid associativity %d", assoc)
	}
	if cfg.Rows < assoc {
		return nil, fmt.Errorf("cache: capacity %d rows below associativity %d", cfg.Rows, assoc)
	}
	if cfg.Policy > LFU {
		return nil, fmt.Errorf("cache: invalid policy %d", uint8(cfg.Policy))
	}

	numSets := cfg.Rows / assoc
	return &Cache{
		lines:   make([]line, numSets*assoc),
		mus:     make([]sync.Mutex, numSets),
		numSets: numSets,
		assoc:   assoc,
		policy:  cfg.Policy,
	}, nil
}

// NumSets returns the number of associative sets.
func (c *Cache) NumSets() int { return c.numSets }

// Associativity returns the number of lines per set.
func (c *Cache) Associativity() int { return c.assoc }

// setIndex hashes the full (table, row) key. Dropping the table from the
// key would alias equal physical rows of different tables.
func (c *Cache) setIndex(tableID uint32, row int64) int {
	var key [12]byte
	binary.LittleEndian.PutUint32(key[0:4], tableID)
	binary.LittleEndian.PutUint64(key[4:12], uint64(row))
	return int(xxhash.Sum64(key[:]) % uint64(c.numSets))
}

// GetOrFetch returns the decoded row for (tableID, row), invoking fetch on a
// miss and installing the result. The returned slice is shared and must be
// treated as read-only. hit reports whether the row was already resident.
func (c *Cache) GetOrFetch(tableID uint32, row int64, fetch func() ([]float32, error)) (data []float32, hit bool, err error) {
	set := c.setIndex(tableID, row)
	lines := c.lines[set*c.assoc : (set+1)*c.assoc]

	c.mus[set].Lock()
	defer c.mus[set].Unlock()

	for i := range lines {
		ln := &lines[i]
		if ln.valid && ln.tableID == tableID && ln.row == row {
			c.touch(ln)
			c.hits.Add(1)
			return ln.data, true, nil
		}
	}

	c.misses.Add(1)
	fetched, err := fetch()
	if err != nil {
		return nil, false, err
	}

	victim := c.victim(lines)
	if victim.valid {
		c.evictions.Add(1)
	}
	victim.tableID = tableID
	victim.row = row
	victim.valid = true
	victim.freq = 1
	victim.lastTouch = c.tick.Add(1)
	victim.data = fetched
	return fetched, false, nil
}

// Invalidate drops the line for (tableID, row) if resident. It returns once
// no subsequent GetOrFetch can observe the old value; callers updating
// backing storage must rewrite the row before invalidating.
func (c *Cache) Invalidate(tableID uint32, row int64) {
	set := c.setIndex(tableID, row)
	lines := c.lines[set*c.assoc : (set+1)*c.assoc]

	c.mus[set].Lock()
	defer c.mus[set].Unlock()

	for i := range lines {
		ln := &lines[i]
		if ln.valid && ln.tableID == tableID && ln.row == row {
			ln.valid = false
			ln.data = nil
			return
		}
	}
}

// InvalidateTable drops every resident line of a table.
func (c *Cache) InvalidateTable(tableID uint32) {
	for set := 0; set < c.numSets; set++ {
		lines := c.lines[set*c.assoc : (set+1)*c.assoc]
		c.mus[set].Lock()
		for i := range lines {
			if lines[i].valid && lines[i].tableID == tableID {
				lines[i].valid = false
				lines[i].data = nil
			}
		}
		c.mus[set].Unlock()
	}
}

func (c *Cache) touch(ln *line) {
	ln.lastTouch = c.tick.Add(1)
	if ln.freq != ^uint32(0) {
		ln.freq++
	}
}

// victim selects the line to overwrite in a full set. Invalid lines win
// outright; direct-mapped sets (assoc 1) degenerate to forced replacement.
func (c *Cache) victim(lines []line) *line {
	best := &lines[0]
	if !best.valid {
		return best
	}
	for i := 1; i < len(lines); i++ {
		ln := &lines[i]
		if !ln.valid {
			return ln
		}
		switch c.policy {
		case LFU:
			if ln.freq < best.freq || (ln.freq == best.freq && ln.lastTouch < best.lastTouch) {
				best = ln
			}
		default: // LRU
			if ln.lastTouch < best.lastTouch {
				best = ln
			}
		}
	}
	return best
}

// Stats returns cumulative hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
