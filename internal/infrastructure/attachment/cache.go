// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attachment implements the two-tier attachment cache (spec §4.3)
// and the fetch-mode resolver (spec §4.4). The disk tier's atomic
// write-then-rename and key sanitization are adapted from the teacher's
// pkg/storage/local.go; single-flight coalescing uses
// golang.org/x/sync/singleflight, promoted from an indirect dependency
// pulled in by Jeffreasy-LaventeCareAuthSystems' module graph.
package attachment

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is one cached attachment body (spec §3's Cache entry).
type Entry struct {
	Hash       string
	Bytes      []byte
	MimeType   string
	Size       int64
	LastAccess time.Time
}

// TierConfig bounds one cache tier independently, per spec §4.3.
type TierConfig struct {
	MaxBytes int64
	TTL      time.Duration
}

// DefaultMemoryConfig and DefaultDiskConfig are the cache's baseline tuning.
var (
	DefaultMemoryConfig = TierConfig{MaxBytes: 32 * 1024 * 1024, TTL: 10 * time.Minute}
	DefaultDiskConfig   = TierConfig{MaxBytes: 512 * 1024 * 1024, TTL: 24 * time.Hour}

	// MemoryThreshold is the admission boundary: entries at or below this
	// size go to memory, larger entries go to disk only (spec §4.3).
	MemoryThreshold int64 = 256 * 1024
)

// Materializer produces the bytes for a cache miss, used by the
// single-flight coalescing path.
type Materializer func(ctx context.Context) (data []byte, mimeType string, err error)

// Cache is the two-tier, single-flight-coalesced attachment content store.
type Cache struct {
	mu     sync.Mutex
	memory *lruTier
	disk   *diskTier

	sf singleflight.Group

	stats Stats
}

// Stats is the supplemented operational view from SPEC_FULL.md.
type Stats struct {
	MemoryHits   int64
	DiskHits     int64
	Misses       int64
	Evictions    int64
}

func NewCache(diskDir string, memCfg, diskCfg TierConfig) (*Cache, error) {
	d, err := newDiskTier(diskDir, diskCfg)
	if err != nil {
		return nil, fmt.Errorf("attachment cache: disk tier: %w", err)
	}
	return &Cache{
		memory: newLRUTier(memCfg),
		disk:   d,
	}, nil
}

// Get returns the bytes for hash, materializing via fn on a miss. Concurrent
// Get calls for the same hash coalesce into a single materialization
// attempt; the losers await the winner's result (spec §4.3).
func (c *Cache) Get(ctx context.Context, hash string, fn Materializer) (*Entry, error) {
	if e := c.lookupLocal(hash); e != nil {
		return e, nil
	}

	v, err, _ := c.sf.Do(hash, func() (interface{}, error) {
		if e := c.lookupLocal(hash); e != nil {
			return e, nil
		}

		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()

		data, mimeType, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		e := &Entry{Hash: hash, Bytes: data, MimeType: mimeType, Size: int64(len(data)), LastAccess: time.Now()}
		c.admit(e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) lookupLocal(hash string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.memory.get(hash); e != nil {
		c.stats.MemoryHits++
		return e
	}
	if e := c.disk.get(hash); e != nil {
		c.stats.DiskHits++
		// Promote disk -> memory on hit, if it fits the memory tier (spec §4.3).
		if e.Size <= MemoryThreshold {
			if evicted := c.memory.put(e); evicted > 0 {
				c.stats.Evictions += int64(evicted)
			}
		}
		return e
	}
	return nil
}

func (c *Cache) admit(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Size <= MemoryThreshold {
		if evicted := c.memory.put(e); evicted > 0 {
			c.stats.Evictions += int64(evicted)
		}
	}
	// Every admitted entry is also persisted to disk so it survives memory
	// eviction; disk admission evicts independently within its own tier.
	if evicted := c.disk.put(e); evicted > 0 {
		c.stats.Evictions += int64(evicted)
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// lruTier is an in-memory, size-bounded, least-recently-used tier.
type lruTier struct {
	cfg   TierConfig
	order *list.List
	items map[string]*list.Element
	size  int64
}

type lruNode struct {
	entry *Entry
}

func newLRUTier(cfg TierConfig) *lruTier {
	return &lruTier{cfg: cfg, order: list.New(), items: make(map[string]*list.Element)}
}

func (t *lruTier) get(hash string) *Entry {
	el, ok := t.items[hash]
	if !ok {
		return nil
	}
	node := el.Value.(*lruNode)
	if time.Since(node.entry.LastAccess) > t.cfg.TTL {
		t.evictElement(el)
		return nil
	}
	node.entry.LastAccess = time.Now()
	t.order.MoveToFront(el)
	return node.entry
}

// put inserts e, evicting least-recently-used entries until within the
// tier's byte budget. Returns the number of evictions performed.
func (t *lruTier) put(e *Entry) int {
	if existing, ok := t.items[e.Hash]; ok {
		t.evictElement(existing)
	}

	el := t.order.PushFront(&lruNode{entry: e})
	t.items[e.Hash] = el
	t.size += e.Size

	evicted := 0
	for t.size > t.cfg.MaxBytes && t.order.Len() > 0 {
		back := t.order.Back()
		if back == nil || back == el {
			break
		}
		t.evictElement(back)
		evicted++
	}
	return evicted
}

func (t *lruTier) evictElement(el *list.Element) {
	node := el.Value.(*lruNode)
	t.size -= node.entry.Size
	delete(t.items, node.entry.Hash)
	t.order.Remove(el)
}
