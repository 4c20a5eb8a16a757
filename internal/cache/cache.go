// Package cache keeps recently used leaf blocks in memory, together with the
// version and patch counter each one has reached.
package cache

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/leaf"
)

// Frame is a cached block. Version is the persisted version the block was
// loaded at; Counter is the number of patches logged on top of it.
type Frame struct {
	ID      base.BlockID
	Block   *leaf.Block
	Version uint64
	Counter uint32
	Dirty   bool
}

// FlushFunc persists a dirty frame that is about to leave the cache. On
// success the frame must be clean.
type FlushFunc func(*Frame) error

const (
	MinCacheSize = 16 // Minimum: hold both sides of a split/merge plus headroom
)

// Cache is a bounded LRU of frames. A dirty frame is flushed when evicted;
// if the flush fails it stays pinned outside the LRU until Clean succeeds,
// so no logged patch is ever dropped from memory before it is on disk.
type Cache struct {
	mu    sync.Mutex
	lru   *freelru.LRU[base.BlockID, *Frame]
	dirty map[base.BlockID]*Frame
	flush FlushFunc

	lastErr error

	// Stats
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	flushes     atomic.Uint64
	flushErrors atomic.Uint64
}

func hashID(id base.BlockID) uint32 {
	var b [base.BlockIDSize]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

// NewCache creates a cache holding up to maxSize frames.
func NewCache(maxSize int, flush FlushFunc) (*Cache, error) {
	maxSize = max(maxSize, MinCacheSize)

	lru, err := freelru.New[base.BlockID, *Frame](uint32(maxSize), hashID)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c := &Cache{
		lru:   lru,
		dirty: make(map[base.BlockID]*Frame),
		flush: flush,
	}
	lru.SetOnEvict(c.onEvict)
	return c, nil
}

// onEvict runs inside lru calls, with c.mu held.
func (c *Cache) onEvict(id base.BlockID, f *Frame) {
	c.evictions.Add(1)
	if !f.Dirty {
		return
	}
	c.flushes.Add(1)
	if err := c.flush(f); err != nil {
		c.flushErrors.Add(1)
		c.lastErr = fmt.Errorf("flush block %d: %w", id, err)
		return
	}
	delete(c.dirty, id)
}

// Get returns the frame for id.
func (c *Cache) Get(id base.BlockID) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.lru.Get(id); ok {
		c.hits.Add(1)
		return f, true
	}
	if f, ok := c.dirty[id]; ok {
		// Pinned after a failed flush; give it another turn in the LRU.
		c.hits.Add(1)
		c.lru.Add(id, f)
		return f, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put adds a frame, possibly evicting the least recently used one.
func (c *Cache) Put(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Dirty {
		c.dirty[f.ID] = f
	}
	c.lru.Add(f.ID, f)
}

// MarkDirty flags f as holding patches that are not yet in the block file.
func (c *Cache) MarkDirty(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.Dirty = true
	c.dirty[f.ID] = f
}

// Clean records that f has been written at its next version.
func (c *Cache) Clean(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.Dirty = false
	delete(c.dirty, f.ID)
}

// Remove drops a frame without flushing it.
func (c *Cache) Remove(id base.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.dirty[id]; ok {
		f.Dirty = false
		delete(c.dirty, id)
	}
	c.lru.Remove(id)
}

// Dirty returns the dirty frames, ordered by ID.
func (c *Cache) Dirty() []*Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Frame, 0, len(c.dirty))
	for _, f := range c.dirty {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *Frame) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Err returns the most recent eviction flush failure, if any.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ClearErr forgets the last eviction flush failure.
func (c *Cache) ClearErr() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = nil
}

// Size returns current number of cached frames, pinned ones included.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	for id := range c.dirty {
		if _, ok := c.lru.Peek(id); !ok {
			n++
		}
	}
	return n
}

type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Flushes     uint64
	FlushErrors uint64
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Flushes:     c.flushes.Load(),
		FlushErrors: c.flushErrors.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics
func (c *Cache) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.flushes.Store(0)
	c.flushErrors.Store(0)
}
