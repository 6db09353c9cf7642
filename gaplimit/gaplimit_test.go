package gaplimit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/mempool"
)

// fakeCache derives deterministic placeholder addresses without any real
// BIP32 math, letting these tests exercise the gap-limit decision logic
// in isolation from bip32's derivation cost.
type fakeCache struct {
	mu         sync.Mutex
	gapResults map[string][]bip32.DerivedAddress
}

func newFakeCache() *fakeCache {
	return &fakeCache{gapResults: make(map[string][]bip32.DerivedAddress)}
}

func (f *fakeCache) GetOrDerive(xkey *bip32.ExtendedKey, xkeyStr string, count, start int) ([]bip32.DerivedAddress, error) {
	out := make([]bip32.DerivedAddress, count)
	for i := 0; i < count; i++ {
		out[i] = bip32.DerivedAddress{Address: fmt.Sprintf("addr-%d", start+i), Index: uint32(start + i)}
	}
	return out, nil
}

func (f *fakeCache) StoreGapLimitResult(xkeyStr string, addrs []bip32.DerivedAddress, finalCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gapResults[xkeyStr] = addrs
	return nil
}

func (f *fakeCache) LookupGapLimitAddresses(xkeyStr string) ([]bip32.DerivedAddress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs, ok := f.gapResults[xkeyStr]
	return addrs, ok
}

// fakeUsageClient reports every index in usedIndex as ever-used,
// everything else as unused — enough to exercise the bootstrap/gap-limit decision table
// deterministically.
type fakeUsageClient struct {
	mu        sync.Mutex
	usedIndex map[int]bool
	calls     int
}

func newFakeUsageClient(usedIndices ...int) *fakeUsageClient {
	used := make(map[int]bool, len(usedIndices))
	for _, i := range usedIndices {
		used[i] = true
	}
	return &fakeUsageClient{usedIndex: used}
}

func (f *fakeUsageClient) GetAddress(ctx context.Context, address string) (*mempool.AddressInfo, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	var idx int
	fmt.Sscanf(address, "addr-%d", &idx)

	if f.usedIndex[idx] {
		return &mempool.AddressInfo{
			Address:    address,
			ChainStats: mempool.ChainStats{FundedTxoSum: 100000, TxCount: 1},
		}, nil
	}
	return &mempool.AddressInfo{Address: address}, nil
}

func testXKey(t *testing.T) *bip32.ExtendedKey {
	t.Helper()
	return &bip32.ExtendedKey{Format: bip32.FormatP2WPKH}
}

func TestDeriveWithGapLimitRejectsZeroGapLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GapLimit = 0
	s := New(cfg, newFakeUsageClient(), newFakeCache())

	_, _, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), "zpubTest")
	if err != ErrInvalidGapLimit {
		t.Errorf("error = %v, want ErrInvalidGapLimit", err)
	}
}

func TestNeverUsedWalletExpandsToBootstrapMax(t *testing.T) {
	// initial 20, gap 20, bootstrap on, bootstrapMax 200: with no usage
	// anywhere, bootstrap keeps expanding until the count reaches the max.
	cfg := DefaultConfig()
	client := newFakeUsageClient()
	s := New(cfg, client, newFakeCache())

	addrs, final, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), "zpubNeverUsed")
	if err != nil {
		t.Fatalf("DeriveWithGapLimit() error = %v", err)
	}
	if final != cfg.BootstrapMax {
		t.Errorf("final count = %d, want %d", final, cfg.BootstrapMax)
	}
	if len(addrs) != cfg.BootstrapMax {
		t.Errorf("len(addrs) = %d, want %d", len(addrs), cfg.BootstrapMax)
	}
}

func TestSparseWalletExpandsViaBootstrap(t *testing.T) {
	cfg := DefaultConfig()
	// Index 42 funded, mirroring the spec's sparse-wallet scenario.
	client := newFakeUsageClient(42)
	s := New(cfg, client, newFakeCache())

	_, final, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), "zpubSparse")
	if err != nil {
		t.Fatalf("DeriveWithGapLimit() error = %v", err)
	}
	if final < 60 {
		t.Errorf("expected expansion past index 42 to at least count=60, got final=%d", final)
	}
}

func TestSimpleFundedWalletStopsAfterDiscovery(t *testing.T) {
	cfg := DefaultConfig()
	// Index 0 funded (spec scenario 1): gap-limit scanner derives 20,
	// tail is all unused but one address was used overall -> stop.
	client := newFakeUsageClient(0)
	s := New(cfg, client, newFakeCache())

	addrs, final, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), "zpubSimple")
	if err != nil {
		t.Fatalf("DeriveWithGapLimit() error = %v", err)
	}
	if final != 20 {
		t.Errorf("final count = %d, want 20", final)
	}
	if len(addrs) != 20 {
		t.Errorf("len(addrs) = %d, want 20", len(addrs))
	}
}

func TestBootstrapMaxLessThanInitialStillReturnsInitialWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapMax = 10 // less than InitialCount=20
	client := newFakeUsageClient()
	s := New(cfg, client, newFakeCache())

	addrs, final, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), "zpubBootstrapCapped")
	if err != nil {
		t.Fatalf("DeriveWithGapLimit() error = %v", err)
	}
	if final != cfg.InitialCount {
		t.Errorf("final count = %d, want %d", final, cfg.InitialCount)
	}
	if len(addrs) != cfg.InitialCount {
		t.Errorf("len(addrs) = %d, want %d", len(addrs), cfg.InitialCount)
	}
}

func TestConcurrentScansForSameKeySerialize(t *testing.T) {
	cfg := DefaultConfig()
	client := newFakeUsageClient()
	cache := newFakeCache()
	s := New(cfg, client, cache)

	var wg sync.WaitGroup
	results := make([][]bip32.DerivedAddress, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			addrs, _, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), "zpubShared")
			results[idx] = addrs
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d error = %v", i, err)
		}
	}
	if len(results[0]) != len(results[1]) {
		t.Errorf("expected both concurrent callers to see the same result length, got %d and %d", len(results[0]), len(results[1]))
	}
}

func TestConcurrentScansForDifferentKeysRunIndependently(t *testing.T) {
	cfg := DefaultConfig()
	client := newFakeUsageClient()
	cache := newFakeCache()
	s := New(cfg, client, cache)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	keys := []string{"zpubA", "zpubB"}

	for i, k := range keys {
		wg.Add(1)
		go func(idx int, xkeyStr string) {
			defer wg.Done()
			_, _, err := s.DeriveWithGapLimit(context.Background(), testXKey(t), xkeyStr)
			errs[idx] = err
		}(i, k)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d error = %v", i, err)
		}
	}
}

func TestDecideTableNoBootstrapHardCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapEnabled = false
	s := &Scanner{cfg: cfg}

	expand, by := s.decide(5, true, hardExpansionCap)
	if expand {
		t.Error("expected expansion to stop once the hard cap is reached")
	}
	_ = by
}

func TestDecideTableUsedInTailAlwaysExpandsUnderBootstrap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapEnabled = true
	s := &Scanner{cfg: cfg}

	expand, by := s.decide(3, true, 40)
	if !expand || by != cfg.BootstrapIncrement {
		t.Errorf("decide() = (%v, %d), want (true, %d)", expand, by, cfg.BootstrapIncrement)
	}
}
