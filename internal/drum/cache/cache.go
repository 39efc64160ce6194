// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cache provides a fixed size block cache with least recently used
// eviction. The cache is tiny compared to the cost of a network round trip
// to the drum array, so lookups and evictions are plain linear scans over
// the lines.
//
// The cache is not safe for concurrent use. Every session owns its own
// instance.
package cache

import (
	"errors"

	"github.com/lpabon/godbc"
)

const (
	// Size of every buffer stored in the cache.
	BlockSize = 256
)

var ErrCapacity = errors.New("cache capacity must be positive")

// Key identifies a block on the drum array.
type Key struct {
	Drum  int
	Block int
}

// One slot of the cache. Unoccupied slots have nil data and their key and
// used fields carry no meaning.
type line struct {
	occupied bool
	key      Key
	data     []byte

	// Value of the cache tick at the last access. Higher is more recent.
	used uint64
}

// Stats are counters collected since the cache was created.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache holds up to Cap() blocks. Buffers returned by Get are owned by the
// cache and remain valid only until the next Put.
type Cache struct {
	lines []line

	// Logical clock incremented on every access. It gives a total order
	// of accesses, so ties are impossible between different accesses.
	tick uint64

	stats Stats
}

// New returns a cache with capacity empty lines.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, ErrCapacity
	}

	return &Cache{lines: make([]line, capacity)}, nil
}

// Get returns the buffer cached for key and marks it as most recently used.
// The caller may modify the buffer in place. It returns nil on a miss.
func (c *Cache) Get(key Key) []byte {
	for i := range c.lines {
		l := &c.lines[i]
		if l.occupied && l.key == key {
			l.used = c.next()
			c.stats.Hits++
			return l.data
		}
	}

	c.stats.Misses++

	return nil
}

// Put stores buf under key and takes its ownership. The caller must not use
// buf afterwards except through Get. When no line is free the least
// recently used one is evicted, the lowest index wins among equally old
// lines. A key which is already cached gets its buffer replaced.
func (c *Cache) Put(key Key, buf []byte) {
	godbc.Require(len(buf) == BlockSize, "cache buffer must hold exactly one block")

	if len(c.lines) == 0 {
		return
	}

	victim := -1
	for i := range c.lines {
		if c.lines[i].occupied && c.lines[i].key == key {
			victim = i
			break
		}
	}

	if victim < 0 {
		victim = c.free()
	}

	if victim < 0 {
		victim = c.lru()
		c.stats.Evictions++
	}

	c.lines[victim] = line{
		occupied: true,
		key:      key,
		data:     buf,
		used:     c.next(),
	}

	godbc.Ensure(c.Invariant(), "cache holds a duplicate key or a partial block")
}

// Close drops all cached buffers and the lines themselves. Afterwards Get
// always misses and Put is ignored.
func (c *Cache) Close() {
	for i := range c.lines {
		c.lines[i] = line{}
	}
	c.lines = nil
}

// Len returns the number of occupied lines.
func (c *Cache) Len() int {
	n := 0
	for i := range c.lines {
		if c.lines[i].occupied {
			n++
		}
	}

	return n
}

// Cap returns the number of lines.
func (c *Cache) Cap() int {
	return len(c.lines)
}

func (c *Cache) Stats() Stats {
	return c.stats
}

// Invariant reports whether no key is stored twice and every occupied line
// holds a full block.
func (c *Cache) Invariant() bool {
	seen := make(map[Key]struct{}, len(c.lines))
	for i := range c.lines {
		l := &c.lines[i]
		if !l.occupied {
			continue
		}
		if _, ok := seen[l.key]; ok || len(l.data) != BlockSize {
			return false
		}
		seen[l.key] = struct{}{}
	}

	return true
}

// Index of the first unoccupied line or -1.
func (c *Cache) free() int {
	for i := range c.lines {
		if !c.lines[i].occupied {
			return i
		}
	}

	return -1
}

// Index of the least recently used line. Must be called only when all lines
// are occupied.
func (c *Cache) lru() int {
	victim := 0
	for i := 1; i < len(c.lines); i++ {
		if c.lines[i].used < c.lines[victim].used {
			victim = i
		}
	}

	return victim
}

func (c *Cache) next() uint64 {
	c.tick++
	return c.tick
}
