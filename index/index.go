// Package index tracks which content hashes have a rendered artifact on disk.
//
// The index is a bounded LRU: a map gives O(1) lookup and a doubly-linked list
// keeps recency order. When an insertion pushes the index over capacity the
// least-recently-used entry is evicted and the eviction callback is invoked so
// the caller can delete the backing files.
package index

import (
	"container/list"
	"sync"
)

// Config controls capacity and eviction behavior.
type Config struct {
	// MaxEntries bounds the number of hashes in the index. Values <= 0 mean
	// unbounded.
	MaxEntries int

	// OnEvict is called with the evicted hash before its entry is dropped. It
	// runs with the index lock held and must not call back into the Index.
	OnEvict func(hash string)

	// RefreshOnHit makes Contains count as a use, so lookups move the entry
	// to the MRU position. When false only Add affects eviction order.
	RefreshOnHit bool
}

// Index is a concurrency-safe set of hashes with LRU eviction.
type Index struct {
	mu sync.Mutex

	maxEntries   int
	onEvict      func(hash string)
	refreshOnHit bool

	items map[string]*list.Element
	lru   *list.List // Front = MRU, Back = LRU. Element values are hashes.

	evictions int64
}

// New constructs an empty index.
func New(cfg Config) *Index {
	return &Index{
		maxEntries:   cfg.MaxEntries,
		onEvict:      cfg.OnEvict,
		refreshOnHit: cfg.RefreshOnHit,
		items:        make(map[string]*list.Element),
		lru:          list.New(),
	}
}

// Contains reports whether hash is present.
func (ix *Index) Contains(hash string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	el, ok := ix.items[hash]
	if ok && ix.refreshOnHit {
		ix.lru.MoveToFront(el)
	}
	return ok
}

// Peek reports whether hash is present without affecting recency.
func (ix *Index) Peek(hash string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, ok := ix.items[hash]
	return ok
}

// Add inserts hash as the most recently used entry. Re-adding an existing
// hash only refreshes its recency. The artifact for hash must already be
// committed to disk.
func (ix *Index) Add(hash string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if el, ok := ix.items[hash]; ok {
		ix.lru.MoveToFront(el)
		return
	}

	ix.items[hash] = ix.lru.PushFront(hash)
	ix.evictIfNeededLocked(hash)
}

// Remove drops hash from the index, invoking the eviction callback if it was
// present. It reports whether an entry was removed.
func (ix *Index) Remove(hash string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	el, ok := ix.items[hash]
	if !ok {
		return false
	}
	ix.evictLocked(el)
	return true
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.items)
}

// Evictions returns how many entries have been evicted or removed so far.
func (ix *Index) Evictions() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.evictions
}

// Keys returns hashes in MRU -> LRU order.
func (ix *Index) Keys() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make([]string, 0, ix.lru.Len())
	for el := ix.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(string))
	}
	return out
}

func (ix *Index) evictIfNeededLocked(keep string) {
	if ix.maxEntries <= 0 {
		return
	}

	for len(ix.items) > ix.maxEntries {
		el := ix.lru.Back()
		if el == nil || el.Value.(string) == keep {
			return
		}
		ix.evictLocked(el)
	}
}

// evictLocked runs the callback before the entry is dropped.
func (ix *Index) evictLocked(el *list.Element) {
	hash := el.Value.(string)
	if ix.onEvict != nil {
		ix.onEvict(hash)
	}
	delete(ix.items, hash)
	ix.lru.Remove(el)
	ix.evictions++
}
