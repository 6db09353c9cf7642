package derivation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/walletscan/bip32"
)

type fakeFingerprint struct{ value []byte }

func (f fakeFingerprint) Compute() ([]byte, error) { return f.value, nil }

func testExtendedKey(t *testing.T, seed byte) (*bip32.ExtendedKey, string) {
	t.Helper()
	// Builds a syntactically valid zpub string with this package's own
	// helper (a copy of bip32's unexported encoder) and parses it back
	// through bip32's exported Parse.
	s := buildTestZpub(seed)
	xkey, err := bip32.Parse(s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return xkey, s
}

func TestCacheKeyDeterministicAndDistinct(t *testing.T) {
	k1 := CacheKey("zpubAAA", 20, 0)
	k2 := CacheKey("zpubAAA", 20, 0)
	if k1 != k2 {
		t.Error("expected CacheKey to be deterministic")
	}
	k3 := CacheKey("zpubAAA", 21, 0)
	if k1 == k3 {
		t.Error("expected different count to produce a different key")
	}
}

func TestGapLimitKeyDisjointFromFixedCount(t *testing.T) {
	fixed := CacheKey("zpubAAA", 20, 0)
	gap := GapLimitKey("zpubAAA", 20)
	if fixed == gap {
		t.Error("gap-limit key must never collide with a fixed-count key")
	}
}

func TestGetOrDeriveCachesResult(t *testing.T) {
	xkey, xkeyStr := testExtendedKey(t, 1)
	store := New(10, nil, "")

	addrs1, err := store.GetOrDerive(xkey, xkeyStr, 5, 0)
	if err != nil {
		t.Fatalf("GetOrDerive() error = %v", err)
	}
	if len(addrs1) != 5 {
		t.Fatalf("got %d addresses, want 5", len(addrs1))
	}

	addrs2, err := store.GetOrDerive(xkey, xkeyStr, 5, 0)
	if err != nil {
		t.Fatalf("GetOrDerive() second call error = %v", err)
	}
	if len(addrs2) != 5 || addrs1[0].Address != addrs2[0].Address {
		t.Error("expected cached result to match first derivation")
	}
}

func TestGetOrDeriveZeroCount(t *testing.T) {
	xkey, xkeyStr := testExtendedKey(t, 2)
	store := New(10, nil, "")

	addrs, err := store.GetOrDerive(xkey, xkeyStr, 0, 0)
	if err != nil {
		t.Fatalf("GetOrDerive() error = %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("got %d addresses, want 0", len(addrs))
	}
}

func TestLRUEviction(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", CacheEntry{Count: 1})
	c.put("b", CacheEntry{Count: 2})
	c.put("c", CacheEntry{Count: 3})

	if _, ok := c.get("a"); ok {
		t.Error("expected oldest entry 'a' to be evicted")
	}
	if _, ok := c.get("b"); !ok {
		t.Error("expected 'b' to still be cached")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("expected 'c' to still be cached")
	}
}

func TestStoreStatsReportsOccupancyAndCapacity(t *testing.T) {
	store := New(3, nil, "")
	xkey, xkeyStr := testExtendedKey(t, 1)

	if entries, capacity := store.Stats(); entries != 0 || capacity != 3 {
		t.Errorf("Stats() = (%d, %d), want (0, 3)", entries, capacity)
	}

	if _, err := store.GetOrDerive(xkey, xkeyStr, 2, 0); err != nil {
		t.Fatalf("GetOrDerive() error = %v", err)
	}

	if entries, capacity := store.Stats(); entries != 1 || capacity != 3 {
		t.Errorf("Stats() = (%d, %d), want (1, 3)", entries, capacity)
	}
}

func TestLRURecentlyUsedSurvives(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", CacheEntry{Count: 1})
	c.put("b", CacheEntry{Count: 2})
	c.get("a") // touch a, making b the least recently used
	c.put("c", CacheEntry{Count: 3})

	if _, ok := c.get("a"); !ok {
		t.Error("expected recently-used 'a' to survive eviction")
	}
	if _, ok := c.get("b"); ok {
		t.Error("expected 'b' to be evicted as least recently used")
	}
}

func TestStoreGapLimitResultAndLookup(t *testing.T) {
	_, xkeyStr := testExtendedKey(t, 3)
	store := New(10, nil, "")

	addrs := []bip32.DerivedAddress{{Address: "bc1qone", Index: 0}, {Address: "bc1qtwo", Index: 1}}
	if err := store.StoreGapLimitResult(xkeyStr, addrs, 2); err != nil {
		t.Fatalf("StoreGapLimitResult() error = %v", err)
	}

	entry, ok := store.LookupGapLimit(xkeyStr)
	if !ok {
		t.Fatal("expected LookupGapLimit to find the stored result")
	}
	if len(entry.Addresses) != 2 {
		t.Errorf("got %d addresses, want 2", len(entry.Addresses))
	}
}

func TestConfigHashStableUnderReordering(t *testing.T) {
	h1 := ConfigHash([]string{"a", "b", "c"}, 20)
	h2 := ConfigHash([]string{"c", "a", "b"}, 20)
	if h1 != h2 {
		t.Error("expected ConfigHash to be order-independent")
	}
}

func TestConfigHashChangesWithCount(t *testing.T) {
	h1 := ConfigHash([]string{"a"}, 20)
	h2 := ConfigHash([]string{"a"}, 21)
	if h1 == h2 {
		t.Error("expected ConfigHash to change when derivation count changes")
	}
}

type fakeGapLimitService struct {
	calls int
}

func (f *fakeGapLimitService) DeriveWithGapLimit(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, int, error) {
	f.calls++
	return []bip32.DerivedAddress{{Address: "bc1qgap", Index: 0}}, 20, nil
}

func TestRebuildWorkerCoalescesAndSkipsUnchangedConfig(t *testing.T) {
	xkey, xkeyStr := testExtendedKey(t, 4)
	store := New(10, nil, "")
	gapSvc := &fakeGapLimitService{}
	worker := NewRebuildWorker(store, gapSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	req := RebuildRequest{
		XKeys:           map[string]*bip32.ExtendedKey{xkeyStr: xkey},
		DerivationCount: 20,
		GapLimitEnabled: true,
	}
	worker.Notify(req)
	worker.Notify(req) // identical config: must not re-enqueue

	// Give the worker a moment to drain the queue.
	deadline := time.After(time.Second)
	for {
		if _, ok := store.LookupGapLimit(xkeyStr); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rebuild worker to process request")
		case <-time.After(time.Millisecond):
		}
	}

	if gapSvc.calls != 1 {
		t.Errorf("gap-limit service called %d times, want 1 (config unchanged on second Notify)", gapSvc.calls)
	}
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secure := newSecureTestStore(t, dir)
	path := filepath.Join(dir, "derivation_cache.json")

	xkey, xkeyStr := testExtendedKey(t, 5)
	store1 := New(10, secure, path)
	if _, err := store1.GetOrDerive(xkey, xkeyStr, 3, 0); err != nil {
		t.Fatalf("GetOrDerive() error = %v", err)
	}

	store2 := New(10, secure, path)
	addrs, err := store2.GetOrDerive(xkey, xkeyStr, 3, 0)
	if err != nil {
		t.Fatalf("second Store GetOrDerive() error = %v", err)
	}
	if len(addrs) != 3 {
		t.Errorf("got %d addresses from reloaded store, want 3", len(addrs))
	}
}
