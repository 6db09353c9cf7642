// Package gaplimit implements BIP44 gap-limit wallet discovery with
// bootstrap-phase expansion (§4.5): given an extended key, it expands
// derivation until a configurable number of consecutive unused addresses
// has been observed, guarding against sparse or restored wallets whose
// first used address lies beyond the initial window.
package gaplimit

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/mempool"
)

// AddressUsage summarizes one address's on-chain activity, sat amounts
// converted to BTC at the C2 boundary (§3).
type AddressUsage struct {
	CurrentBalanceBTC float64
	TotalReceivedBTC  float64
	TotalSpentBTC     float64
	TxCount           int64
	EverUsed          bool
	IsSpent           bool
}

func usageFromAddressInfo(info *mempool.AddressInfo) AddressUsage {
	totalReceived := float64(info.ChainStats.FundedTxoSum) / 1e8
	totalSpent := float64(info.ChainStats.SpentTxoSum) / 1e8
	balance := totalReceived - totalSpent
	return AddressUsage{
		CurrentBalanceBTC: balance,
		TotalReceivedBTC:  totalReceived,
		TotalSpentBTC:     totalSpent,
		TxCount:           info.ChainStats.TxCount,
		EverUsed:          totalReceived > 0 || info.ChainStats.TxCount > 0,
		IsSpent:           totalReceived > 0 && balance == 0,
	}
}

// Config holds the tunables named in §6.
type Config struct {
	InitialCount       int
	GapLimit           int
	Increment          int
	BootstrapEnabled   bool
	BootstrapIncrement int
	BootstrapMax       int
}

// DefaultConfig returns the §4.5 defaults.
func DefaultConfig() Config {
	return Config{
		InitialCount:       20,
		GapLimit:           20,
		Increment:          20,
		BootstrapEnabled:   true,
		BootstrapIncrement: 20,
		BootstrapMax:       200,
	}
}

// ErrInvalidGapLimit is returned when GapLimit is non-positive (§8
// boundary behavior: "gap_limit=0 is rejected as invalid configuration").
var ErrInvalidGapLimit = errors.New("gaplimit: gap_limit must be > 0")

const hardExpansionCap = 500

// usageFetcher is the subset of mempool.Client the scanner needs.
type usageFetcher interface {
	GetAddress(ctx context.Context, address string) (*mempool.AddressInfo, error)
}

// Scanner implements C5. It holds the admission set described in §5's
// "gap-limit admission" lock: one lock protects the set, released
// immediately; the scan itself runs without it.
type Scanner struct {
	cfg    Config
	client usageFetcher
	cache  gapLimitCache

	mu     sync.Mutex
	active map[string]chan struct{}
}

// gapLimitCache is the narrow cache surface Scanner depends on.
type gapLimitCache interface {
	GetOrDerive(xkey *bip32.ExtendedKey, xkeyStr string, count, start int) ([]bip32.DerivedAddress, error)
	StoreGapLimitResult(xkeyStr string, addrs []bip32.DerivedAddress, finalCount int) error
	LookupGapLimitAddresses(xkeyStr string) ([]bip32.DerivedAddress, bool)
}

// New constructs a Scanner over client and cache using cfg.
func New(cfg Config, client usageFetcher, cache gapLimitCache) *Scanner {
	return &Scanner{
		cfg:    cfg,
		client: client,
		cache:  cache,
		active: make(map[string]chan struct{}),
	}
}

// DeriveWithGapLimit is the public entry point for C5 (§4.5). Two
// concurrent calls for the same xkey are serialized: the second waits
// for the first to finish and reads its result instead of re-scanning
// (§8's quantified invariant).
func (s *Scanner) DeriveWithGapLimit(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, int, error) {
	if s.cfg.GapLimit <= 0 {
		return nil, 0, ErrInvalidGapLimit
	}

	s.mu.Lock()
	if done, busy := s.active[xkeyStr]; busy {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
		if addrs, ok := s.cache.LookupGapLimitAddresses(xkeyStr); ok {
			return addrs, len(addrs), nil
		}
		return nil, 0, errors.New("gaplimit: concurrent scan finished but left no cached result")
	}

	done := make(chan struct{})
	s.active[xkeyStr] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, xkeyStr)
		s.mu.Unlock()
		close(done)
	}()

	return s.scan(ctx, xkey, xkeyStr)
}

func (s *Scanner) scan(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, int, error) {
	count := s.cfg.InitialCount
	seen := make(map[string]AddressUsage)

	for {
		addrs, err := s.cache.GetOrDerive(xkey, xkeyStr, count, 0)
		if err != nil {
			return nil, 0, errors.Wrap(err, "gaplimit: derive")
		}

		if err := s.fetchUsageForNew(ctx, addrs, seen); err != nil {
			return nil, 0, err
		}

		if len(addrs) < s.cfg.GapLimit {
			count += s.cfg.BootstrapIncrement
			continue
		}

		tail := addrs[len(addrs)-s.cfg.GapLimit:]
		usedInTail := 0
		for _, a := range tail {
			if seen[a.Address].EverUsed {
				usedInTail++
			}
		}

		anyUsed := false
		for _, a := range addrs {
			if seen[a.Address].EverUsed {
				anyUsed = true
				break
			}
		}

		expand, expandBy := s.decide(usedInTail, anyUsed, count)
		if !expand {
			if err := s.cache.StoreGapLimitResult(xkeyStr, addrs, count); err != nil {
				return nil, 0, errors.Wrap(err, "gaplimit: store result")
			}
			return addrs, count, nil
		}

		count += expandBy
	}
}

// decide implements the §4.5 decision table. The hard cap of 500 applies
// only to the non-bootstrap expansion path (last row of the table):
// once currentCount has reached it, scanning stops rather than growing
// further.
func (s *Scanner) decide(usedInTail int, anyUsed bool, currentCount int) (expand bool, expandBy int) {
	if usedInTail == 0 {
		if anyUsed {
			return false, 0 // stop: gap satisfied after discovery
		}
		if s.cfg.BootstrapEnabled && currentCount < s.cfg.BootstrapMax {
			return true, s.cfg.BootstrapIncrement
		}
		return false, 0 // stop: bootstrap exhausted, or disabled (standard rule)
	}

	if s.cfg.BootstrapEnabled {
		return true, s.cfg.BootstrapIncrement
	}
	if currentCount >= hardExpansionCap {
		return false, 0
	}
	return true, s.cfg.Increment
}

// fetchUsageForNew fetches usage for every address in addrs not already
// present in seen, with parallelism bounded to 20 workers (§5).
func (s *Scanner) fetchUsageForNew(ctx context.Context, addrs []bip32.DerivedAddress, seen map[string]AddressUsage) error {
	const maxWorkers = 20

	type job struct {
		address string
	}
	var pending []job
	for _, a := range addrs {
		if _, ok := seen[a.Address]; !ok {
			pending = append(pending, job{address: a.Address})
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, maxWorkers)
	)

	for _, j := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }()

			info, err := s.client.GetAddress(ctx, address)
			usage := AddressUsage{}
			if err == nil {
				usage = usageFromAddressInfo(info)
			}
			// Per-item errors are swallowed (§7): a failed lookup is
			// treated as an unused address rather than aborting the batch.

			mu.Lock()
			seen[address] = usage
			mu.Unlock()
		}(j.address)
	}
	wg.Wait()
	return nil
}
