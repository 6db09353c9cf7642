// Package derivation implements the process-wide address-derivation
// cache (§4.4): a keyed store mapping (extended key, count, start) to an
// ordered address list, shared between a synchronous get-or-derive path
// and an asynchronous rebuild worker triggered by configuration changes.
package derivation

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/securestore"
)

// CacheEntry is the immutable value stored for one (xkey, count, start)
// or (xkey, gap-limit) key. Replacing an entry requires delete+insert —
// entries are never mutated in place (§3).
type CacheEntry struct {
	Addresses      []bip32.DerivedAddress `json:"addresses"`
	Count          int                    `json:"count"`
	StartIndex     int                    `json:"start_index"`
	CachedAt       time.Time              `json:"cached_at"`
	DerivationTime time.Duration          `json:"derivation_time"`
}

// Store is the C4 derivation cache: an in-memory size-bounded LRU backed
// by an unbounded encrypted on-disk file (§9 open question resolution —
// disk stays as-is, memory gets an LRU so long-running processes don't
// grow unbounded across many derivation-count changes).
type Store struct {
	mu       sync.Mutex
	lru      *lruCache
	secure   *securestore.Store
	path     string
	disabled bool // true when no persistence path was configured
}

// New constructs a Store with room for maxEntries in its in-memory LRU.
// If secure and path are both non-empty/non-nil, entries are also
// persisted to disk under path using the encrypted cache substrate.
func New(maxEntries int, secure *securestore.Store, path string) *Store {
	s := &Store{
		lru:      newLRUCache(maxEntries),
		secure:   secure,
		path:     path,
		disabled: secure == nil || path == "",
	}
	s.loadFromDisk()
	return s
}

type onDiskFile struct {
	Entries map[string]CacheEntry `json:"entries"`
}

func (s *Store) loadFromDisk() {
	if s.disabled {
		return
	}
	var f onDiskFile
	if err := s.secure.Load(s.path, &f); err != nil {
		// Missing or corrupted cache: start empty (§3, §7 CacheError policy).
		return
	}
	for k, v := range f.Entries {
		s.lru.put(k, v)
	}
}

func (s *Store) persist() error {
	if s.disabled {
		return nil
	}
	snapshot := onDiskFile{Entries: s.lru.snapshot()}
	return s.secure.Save(s.path, &snapshot)
}

// CacheKey computes the content-addressed key for a fixed-count request:
// sha256(xkey + ":" + count + ":" + start), truncated to 16 hex bytes.
func CacheKey(xkey string, count, start int) string {
	return contentHash(fmt.Sprintf("%s:%d:%d", xkey, count, start))
}

// GapLimitKey computes the key under which a gap-limit scan's result is
// stored, disjoint from any fixed-count key by construction.
func GapLimitKey(xkey string, finalCount int) string {
	return xkey + ":gap_limit:" + fmt.Sprintf("%d", finalCount)
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// GetOrDerive returns the cached address list for (xkey, count, start),
// deriving and caching it on a miss.
func (s *Store) GetOrDerive(xkey *bip32.ExtendedKey, xkeyStr string, count, start int) ([]bip32.DerivedAddress, error) {
	key := CacheKey(xkeyStr, count, start)

	s.mu.Lock()
	if entry, ok := s.lru.get(key); ok {
		s.mu.Unlock()
		return entry.Addresses, nil
	}
	s.mu.Unlock()

	started := time.Now()
	addrs, err := bip32.Derive(xkey, count, uint32(start))
	if err != nil {
		return nil, err
	}

	entry := CacheEntry{
		Addresses:      addrs,
		Count:          count,
		StartIndex:     start,
		CachedAt:       time.Now(),
		DerivationTime: time.Since(started),
	}

	s.mu.Lock()
	s.lru.put(key, entry)
	persistErr := s.persist()
	s.mu.Unlock()

	if persistErr != nil {
		return addrs, persistErr
	}
	return addrs, nil
}

// StoreGapLimitResult records the terminal result of a gap-limit scan
// under its disjoint key suffix.
func (s *Store) StoreGapLimitResult(xkeyStr string, addrs []bip32.DerivedAddress, finalCount int) error {
	entry := CacheEntry{
		Addresses:  addrs,
		Count:      finalCount,
		StartIndex: 0,
		CachedAt:   time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.put(GapLimitKey(xkeyStr, finalCount), entry)
	return s.persist()
}

// LookupGapLimit returns the cached gap-limit result for xkeyStr, if any
// terminal size has been cached for it.
func (s *Store) LookupGapLimit(xkeyStr string) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.findByPrefix(xkeyStr + ":gap_limit:")
}

// LookupGapLimitAddresses is a convenience wrapper over LookupGapLimit
// for callers (such as gaplimit.Scanner) that only need the address
// list, not the full cache entry.
func (s *Store) LookupGapLimitAddresses(xkeyStr string) ([]bip32.DerivedAddress, bool) {
	entry, ok := s.LookupGapLimit(xkeyStr)
	if !ok {
		return nil, false
	}
	return entry.Addresses, true
}

// Stats reports the in-memory LRU's current occupancy and its configured
// capacity, mirroring original_source's address_cache_system.py
// get_cache_stats diagnostic surface.
func (s *Store) Stats() (entries, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.order.Len(), s.lru.capacity
}

// ConfigHash computes the wallet-config hash used to detect when a
// rebuild is needed (§4.4): sha256 over the sorted extended-key list and
// the derivation count.
func ConfigHash(entries []string, derivationCount int) string {
	sorted := append([]string(nil), entries...)
	sort.Strings(sorted)
	joined := fmt.Sprintf("%v:%d", sorted, derivationCount)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// lruCache is a small size-bounded least-recently-used map. It is not
// safe for concurrent use on its own; Store serializes access with mu.
type lruCache struct {
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type lruItem struct {
	key   string
	entry CacheEntry
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (CacheEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruItem).entry, true
}

func (c *lruCache) put(key string, entry CacheEntry) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruItem{key: key, entry: entry})
	c.items[key] = el

	for len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruItem).key)
	}
}

func (c *lruCache) findByPrefix(prefix string) (CacheEntry, bool) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		item := el.Value.(*lruItem)
		if len(item.key) >= len(prefix) && item.key[:len(prefix)] == prefix {
			return item.entry, true
		}
	}
	return CacheEntry{}, false
}

func (c *lruCache) snapshot() map[string]CacheEntry {
	out := make(map[string]CacheEntry, len(c.items))
	for k, el := range c.items {
		out[k] = el.Value.(*lruItem).entry
	}
	return out
}
