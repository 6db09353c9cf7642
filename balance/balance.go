// Package balance implements the optimized incremental balance engine
// (§4.6): a per-extended-key scan cache that, while valid, watches only
// the funded addresses plus a buffer of unused successors, and falls
// back to a full rescan when any watched balance changes.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/mempool"
)

// Entry is the persisted per-extended-key scan state (§3
// OptimizedBalanceEntry).
type Entry struct {
	LastFullScanTS      time.Time          `json:"last_full_scan_ts"`
	TotalBalanceBTC     float64            `json:"total_balance_btc"`
	MonitoringAddresses []string           `json:"monitoring_addresses"`
	AddressBalances     map[string]float64 `json:"address_balances"`
	ScanAddressCount    int                `json:"scan_address_count"`
	FundedAddressCount  int                `json:"funded_address_count"`
	CacheDays           int                `json:"cache_days"`
	BufferAddresses     int                `json:"buffer_addresses"`
}

func (e Entry) valid(now time.Time) bool {
	if e.CacheDays <= 0 {
		return false
	}
	return now.Sub(e.LastFullScanTS) < time.Duration(e.CacheDays)*24*time.Hour
}

// Config carries the §6 tunables for C6.
type Config struct {
	CacheDays       int
	BufferAddresses int
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{CacheDays: 50, BufferAddresses: 5}
}

const satsPerTolerance = 1 // 1-sat tolerance (§4.6 step 1.b)

// addressBalanceFetcher is the subset of mempool.Client this package needs.
type addressBalanceFetcher interface {
	GetAddress(ctx context.Context, address string) (*mempool.AddressInfo, error)
}

// addressUniverse resolves the full derived-address universe for an
// extended key, either via gap-limit discovery or a fixed-count window,
// per §4.6 step 2 ("obtain the address universe via C5 ... or C4").
type addressUniverse interface {
	Addresses(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, error)
}

// entryStore persists Entry values (an encrypted or plaintext cache per
// §6 — the optimized balance file permits plaintext since it contains
// only public addresses and balances).
type entryStore interface {
	Load(xkeyStr string) (Entry, bool)
	Save(xkeyStr string, entry Entry) error
}

// Engine implements C6.
type Engine struct {
	client   addressBalanceFetcher
	universe addressUniverse
	store    entryStore
	cfg      Config

	ttlMu    sync.Mutex
	ttl      map[string]ttlEntry
	ttlAfter time.Duration
}

type ttlEntry struct {
	balance float64
	at      time.Time
}

// New constructs an Engine. ttl is the short-lived in-process balance
// cache's time-to-live (§4.6: 60 seconds in the default config).
func New(client addressBalanceFetcher, universe addressUniverse, store entryStore, cfg Config, ttl time.Duration) *Engine {
	return &Engine{
		client:   client,
		universe: universe,
		store:    store,
		cfg:      cfg,
		ttl:      make(map[string]ttlEntry),
		ttlAfter: ttl,
	}
}

// BalanceOf is the public entry point for C6 (§4.6).
func (e *Engine) BalanceOf(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string, startupMode bool) (float64, error) {
	if startupMode {
		entry, ok := e.store.Load(xkeyStr)
		if !ok {
			return 0, nil
		}
		return entry.TotalBalanceBTC, nil
	}

	if cached, ok := e.ttlLookup(xkeyStr); ok {
		return cached, nil
	}

	balance, err := e.balanceWithRescan(ctx, xkey, xkeyStr)
	if err != nil {
		return 0, err
	}

	e.ttlStore(xkeyStr, balance)
	return balance, nil
}

func (e *Engine) ttlLookup(xkeyStr string) (float64, bool) {
	e.ttlMu.Lock()
	defer e.ttlMu.Unlock()
	entry, ok := e.ttl[xkeyStr]
	if !ok || time.Since(entry.at) >= e.ttlAfter {
		return 0, false
	}
	return entry.balance, true
}

func (e *Engine) ttlStore(xkeyStr string, balance float64) {
	e.ttlMu.Lock()
	defer e.ttlMu.Unlock()
	e.ttl[xkeyStr] = ttlEntry{balance: balance, at: time.Now()}
}

func (e *Engine) balanceWithRescan(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) (float64, error) {
	now := time.Now()
	entry, hasEntry := e.store.Load(xkeyStr)

	if hasEntry && entry.valid(now) {
		unchanged, err := e.monitoringSetUnchanged(ctx, entry)
		if err == nil && unchanged {
			return entry.TotalBalanceBTC, nil
		}
		// Either a fetch failed or a balance changed: fall through to a
		// full rescan (§4.6 step 1.c).
	}

	return e.fullRescan(ctx, xkey, xkeyStr, now)
}

// monitoringSetUnchanged fetches every monitored address's current
// balance in parallel (≤10 workers) and reports whether every one
// matches the cached value within the 1-sat tolerance.
func (e *Engine) monitoringSetUnchanged(ctx context.Context, entry Entry) (bool, error) {
	const maxWorkers = 10

	type result struct {
		address string
		balance float64
		err     error
	}

	results := make(chan result, len(entry.MonitoringAddresses))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, addr := range entry.MonitoringAddresses {
		wg.Add(1)
		sem <- struct{}{}
		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }()

			info, err := e.client.GetAddress(ctx, address)
			if err != nil {
				results <- result{address: address, err: err}
				return
			}
			results <- result{address: address, balance: satsToBTC(info)}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	allMatch := true
	for r := range results {
		if r.err != nil {
			allMatch = false
			continue
		}
		cached := entry.AddressBalances[r.address]
		if !withinTolerance(cached, r.balance) {
			allMatch = false
		}
	}
	return allMatch, nil
}

func withinTolerance(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < float64(satsPerTolerance)/1e8
}

func satsToBTC(info *mempool.AddressInfo) float64 {
	received := float64(info.ChainStats.FundedTxoSum) / 1e8
	spent := float64(info.ChainStats.SpentTxoSum) / 1e8
	return received - spent
}

func (e *Engine) fullRescan(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string, now time.Time) (float64, error) {
	universe, err := e.universe.Addresses(ctx, xkey, xkeyStr)
	if err != nil {
		return 0, errors.Wrap(err, "balance: resolve address universe")
	}

	balances, err := e.fetchBalances(ctx, universe)
	if err != nil {
		return 0, err
	}

	var (
		total      float64
		fundedMax  = -1
		fundedAddr = make(map[string]bool)
	)
	for _, da := range universe {
		bal := balances[da.Address]
		total += bal
		if bal > 0 {
			fundedAddr[da.Address] = true
			if int(da.Index) > fundedMax {
				fundedMax = int(da.Index)
			}
		}
	}

	monitoring := make([]string, 0, len(fundedAddr)+e.cfg.BufferAddresses)
	for _, da := range universe {
		if fundedAddr[da.Address] {
			monitoring = append(monitoring, da.Address)
		}
	}

	buffer := 0
	for _, da := range universe {
		if buffer >= e.cfg.BufferAddresses {
			break
		}
		if fundedMax == -1 {
			monitoring = append(monitoring, da.Address)
			buffer++
			continue
		}
		if int(da.Index) > fundedMax {
			monitoring = append(monitoring, da.Address)
			buffer++
		}
	}

	entry := Entry{
		LastFullScanTS:      now,
		TotalBalanceBTC:     total,
		MonitoringAddresses: monitoring,
		AddressBalances:     balances,
		ScanAddressCount:    len(universe),
		FundedAddressCount:  len(fundedAddr),
		CacheDays:           e.cfg.CacheDays,
		BufferAddresses:     e.cfg.BufferAddresses,
	}
	if err := e.store.Save(xkeyStr, entry); err != nil {
		return 0, errors.Wrap(err, "balance: persist entry")
	}

	return total, nil
}

func (e *Engine) fetchBalances(ctx context.Context, addrs []bip32.DerivedAddress) (map[string]float64, error) {
	const maxWorkers = 10

	type result struct {
		address string
		balance float64
	}

	workers := maxWorkers
	if len(addrs) < workers {
		workers = len(addrs)
	}
	if workers == 0 {
		return map[string]float64{}, nil
	}

	results := make(chan result, len(addrs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, da := range addrs {
		wg.Add(1)
		sem <- struct{}{}
		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }()

			info, err := e.client.GetAddress(ctx, address)
			if err != nil {
				// Per-item errors are swallowed (§7): treated as zero balance.
				results <- result{address: address, balance: 0}
				return
			}
			results <- result{address: address, balance: satsToBTC(info)}
		}(da.Address)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]float64, len(addrs))
	for r := range results {
		out[r.address] = r.balance
	}
	return out, nil
}
