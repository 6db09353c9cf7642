// Package walletscan implements the wallet aggregator (§4.7): the single
// public entry point that resolves every manually-configured address and
// extended key in the wallet config to a balance snapshot, detecting
// address conflicts before fetching any balance and persisting the
// result to an encrypted "last known" cache for latency-decoupled reads.
package walletscan

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/internal/config"
	"github.com/opd-ai/walletscan/internal/errs"
	"github.com/opd-ai/walletscan/internal/logging"
	"github.com/opd-ai/walletscan/mempool"
	"github.com/opd-ai/walletscan/securestore"
)

// AddressBalance is one positive-balance manual address in a Result.
type AddressBalance struct {
	Address    string  `json:"address"`
	Comment    string  `json:"comment"`
	BalanceBTC float64 `json:"balance_btc"`
}

// XpubBalance is one positive-balance extended key in a Result, identified
// by its truncated form rather than the full key material.
type XpubBalance struct {
	XkeyShort  string  `json:"xkey_short"`
	Comment    string  `json:"comment"`
	BalanceBTC float64 `json:"balance_btc"`
}

// Conflict describes a manual address that collides with one derived from
// an extended key (§4.7 step 2, SUPPLEMENTED FEATURES #5).
type Conflict struct {
	Address         string `json:"address"`
	XkeyShort       string `json:"xkey_short"`
	DerivationIndex int    `json:"derivation_index"`
	Path            string `json:"path"`
}

// Result is the user-visible outcome of FetchWalletBalances. It never
// raises: every failure mode is reported via Error/Conflicts instead.
type Result struct {
	Error             string      `json:"error,omitempty"`
	Conflicts         []Conflict  `json:"conflicts,omitempty"`
	Addresses         []AddressBalance `json:"addresses"`
	Xpubs             []XpubBalance    `json:"xpubs"`
	TotalBTC          float64     `json:"total_btc"`
	TotalFiat         float64     `json:"total_fiat,omitempty"`
	FiatCurrency      string      `json:"fiat_currency,omitempty"`
	Unit              string      `json:"unit"`
	DuplicatesRemoved int         `json:"duplicates_removed"`
	ShowFiat          bool        `json:"show_fiat"`
}

// FiatOracle resolves a fiat exchange rate for currency. The core never
// fails a balance fetch because the oracle is unavailable; see
// applyFiatConversion.
type FiatOracle interface {
	Rate(ctx context.Context, currency string) (rate float64, ok bool)
}

// balanceSource is the subset of mempool.Client the aggregator needs for
// manual-address balances.
type balanceSource interface {
	GetAddress(ctx context.Context, address string) (*mempool.AddressInfo, error)
}

// balanceEngine is the narrow surface of balance.Engine the aggregator
// depends on, letting tests supply a fake without importing balance.
type balanceEngine interface {
	BalanceOf(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string, startupMode bool) (float64, error)
}

// addressUniverse resolves the full derived-address set for an extended
// key — satisfied by balance.GapLimitUniverse or balance.FixedCountUniverse,
// whichever WalletCore was constructed with (Design Note 1: C5 is injected
// as a service rather than imported directly by the conflict-detection
// path).
type addressUniverse interface {
	Addresses(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, error)
}

const maxXpubWorkers = 5

// WalletCore is the context object Design Note 2 calls for: it replaces
// the source's module-level singletons with one value holding every
// collaborator FetchWalletBalances needs, so tests can construct an
// isolated instance instead of relying on process-global state.
type WalletCore struct {
	cfg      config.Provider
	balances balanceSource
	universe addressUniverse
	engine   balanceEngine
	fiat     FiatOracle
	secure   *securestore.Store
	cacheDir string
	log      *logging.Logger

	fetchMu sync.Mutex
}

// New constructs a WalletCore. universe and engine are typically
// balance.GapLimitUniverse{Scanner: s} (or balance.FixedCountUniverse) and
// a *balance.Engine respectively, wired by the caller per
// cfg.XpubEnableGapLimit.
func New(cfg config.Provider, balances balanceSource, universe addressUniverse, engine balanceEngine, fiat FiatOracle, secure *securestore.Store, cacheDir string) *WalletCore {
	return &WalletCore{
		cfg:      cfg,
		balances: balances,
		universe: universe,
		engine:   engine,
		fiat:     fiat,
		secure:   secure,
		cacheDir: cacheDir,
		log:      logging.New("walletscan"),
	}
}

func (c *WalletCore) cachePath() string {
	return filepath.Join(c.cacheDir, "wallet_balances.json")
}

// classifiedEntry is a WatchedAddress after prefix-based type inference.
type classifiedEntry struct {
	config.WatchedAddress
	xkey *bip32.ExtendedKey
}

func isExtendedKeyPrefix(address string) bool {
	return strings.HasPrefix(address, "xpub") || strings.HasPrefix(address, "zpub")
}

// classify splits the configured watch-list into manual addresses and
// parsed extended keys, inferring Type from the address prefix when the
// config entry left it blank (§4.7 step 1). Entries whose extended key
// fails to parse are dropped and counted as parse failures rather than
// aborting the whole batch, unless every entry fails to parse.
func classify(entries []config.WatchedAddress) (manual []config.WatchedAddress, xkeys []classifiedEntry, parseFailures int) {
	for _, e := range entries {
		typ := e.Type
		if typ == "" {
			if isExtendedKeyPrefix(e.Address) {
				typ = "extended"
			} else {
				typ = "address"
			}
		}

		if typ != "extended" {
			manual = append(manual, e)
			continue
		}

		xkey, err := bip32.Parse(e.Address)
		if err != nil {
			parseFailures++
			continue
		}
		xkeys = append(xkeys, classifiedEntry{WatchedAddress: e, xkey: xkey})
	}
	return manual, xkeys, parseFailures
}

// shortenXkey renders a truncated, log-safe form of an extended key
// string, mirroring bip32's own (unexported) shortKey so conflict reports
// never carry full key material.
func shortenXkey(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:4] + "..." + s[len(s)-8:]
}

// detectConflicts derives every extended key's full address universe and
// reports any manual address found in it. Per §4.7 step 2 this MUST run
// before any balance work; a non-empty result short-circuits the fetch.
func (c *WalletCore) detectConflicts(ctx context.Context, manual []config.WatchedAddress, xkeys []classifiedEntry) ([]Conflict, error) {
	var conflicts []Conflict

	for _, xe := range xkeys {
		derived, err := c.universe.Addresses(ctx, xe.xkey, xe.Address)
		if err != nil {
			return nil, errs.Wrap(errs.ErrNetwork, err, "resolve address universe for conflict detection")
		}

		byAddress := make(map[string]bip32.DerivedAddress, len(derived))
		for _, da := range derived {
			byAddress[da.Address] = da
		}

		for _, m := range manual {
			da, ok := byAddress[m.Address]
			if !ok {
				continue
			}
			conflicts = append(conflicts, Conflict{
				Address:         m.Address,
				XkeyShort:       shortenXkey(xe.Address),
				DerivationIndex: int(da.Index),
				Path:            fmt.Sprintf("m/0/%d", da.Index),
			})
		}
	}

	return conflicts, nil
}

// dedupManual collapses exact duplicate entries in the manual address
// list (the same address configured more than once), keeping the first
// comment seen. This is distinct from conflict detection: a manual
// address that collides with a *derived* address is always surfaced as a
// Conflict and never silently dropped (§4.7 step 2's invariant); only
// self-duplicates within the manual list itself are deduplicated here.
func dedupManual(manual []config.WatchedAddress) ([]config.WatchedAddress, int) {
	seen := make(map[string]bool, len(manual))
	out := make([]config.WatchedAddress, 0, len(manual))
	removed := 0
	for _, m := range manual {
		if seen[m.Address] {
			removed++
			continue
		}
		seen[m.Address] = true
		out = append(out, m)
	}
	return out, removed
}

func conflictErrorMessage(conflicts []Conflict) string {
	if len(conflicts) == 0 {
		return ""
	}
	first := conflicts[0]
	return fmt.Sprintf("address %s was manually added but also derived from %s (index %d)", first.Address, first.XkeyShort, first.DerivationIndex)
}

// FetchWalletBalances is the public entry point for C7 (§4.7). Two
// concurrent calls never overlap: the second observes the lock already
// held and returns immediately rather than queueing.
func (c *WalletCore) FetchWalletBalances(ctx context.Context, startupMode bool) Result {
	if !c.fetchMu.TryLock() {
		return Result{Error: "Balance fetch in progress"}
	}
	defer c.fetchMu.Unlock()

	cfg := c.cfg.Config()
	unit := cfg.WalletBalanceUnit
	if unit == "" {
		unit = "btc"
	}

	manual, xkeys, parseFailures := classify(cfg.WalletBalanceAddressesWithComments)
	if parseFailures > 0 && len(manual) == 0 && len(xkeys) == 0 {
		return Result{Error: "all configured entries failed to parse", Unit: unit}
	}

	conflicts, err := c.detectConflicts(ctx, manual, xkeys)
	if err != nil {
		return Result{Error: err.Error(), Unit: unit}
	}
	if len(conflicts) > 0 {
		return Result{Error: conflictErrorMessage(conflicts), Conflicts: conflicts, Unit: unit}
	}

	manual, duplicatesRemoved := dedupManual(manual)

	addresses := c.fetchManualBalances(ctx, manual)
	xpubs := c.fetchXpubBalances(ctx, xkeys, startupMode)

	result := Result{
		Addresses:         addresses,
		Xpubs:             xpubs,
		Unit:              unit,
		DuplicatesRemoved: duplicatesRemoved,
		ShowFiat:          cfg.WalletBalanceShowFiat,
		FiatCurrency:      cfg.BTCPriceCurrency,
	}
	for _, a := range addresses {
		result.TotalBTC += a.BalanceBTC
	}
	for _, x := range xpubs {
		result.TotalBTC += x.BalanceBTC
	}

	c.applyFiatConversion(ctx, &result)

	if err := c.secure.Save(c.cachePath(), &result); err != nil {
		c.log.Printf("persist wallet balance snapshot: %v", err)
	}

	return result
}

// fetchManualBalances fetches each manual address sequentially (§4.7 step
// 4): the manual list is expected to be short relative to a derived
// address universe, so no worker pool is warranted here.
func (c *WalletCore) fetchManualBalances(ctx context.Context, manual []config.WatchedAddress) []AddressBalance {
	out := make([]AddressBalance, 0, len(manual))
	for _, m := range manual {
		info, err := c.balances.GetAddress(ctx, m.Address)
		if err != nil {
			c.log.Printf("fetch balance for %s: %v", m.Address, err)
			continue
		}
		bal := satsToBTC(info)
		if bal <= 0 {
			continue
		}
		out = append(out, AddressBalance{Address: m.Address, Comment: m.Comment, BalanceBTC: bal})
	}
	return out
}

// fetchXpubBalances calls C6 for every extended key in parallel, capped at
// maxXpubWorkers (§4.7 step 5).
func (c *WalletCore) fetchXpubBalances(ctx context.Context, xkeys []classifiedEntry, startupMode bool) []XpubBalance {
	if len(xkeys) == 0 {
		return nil
	}

	workers := maxXpubWorkers
	if len(xkeys) < workers {
		workers = len(xkeys)
	}

	type result struct {
		XpubBalance
		ok bool
	}

	results := make(chan result, len(xkeys))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, xe := range xkeys {
		wg.Add(1)
		sem <- struct{}{}
		go func(xe classifiedEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			bal, err := c.engine.BalanceOf(ctx, xe.xkey, xe.Address, startupMode)
			if err != nil {
				c.log.Printf("fetch balance for %s: %v", shortenXkey(xe.Address), err)
				results <- result{}
				return
			}
			if bal <= 0 {
				results <- result{}
				return
			}
			results <- result{
				XpubBalance: XpubBalance{XkeyShort: shortenXkey(xe.Address), Comment: xe.Comment, BalanceBTC: bal},
				ok:          true,
			}
		}(xe)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]XpubBalance, 0, len(xkeys))
	for r := range results {
		if r.ok {
			out = append(out, r.XpubBalance)
		}
	}
	return out
}

// applyFiatConversion multiplies the computed BTC total by the oracle's
// rate when fiat display is enabled. A missing oracle or an unavailable
// rate reports fiat=0 rather than failing the call (§4.7 step 6).
func (c *WalletCore) applyFiatConversion(ctx context.Context, result *Result) {
	if !result.ShowFiat || c.fiat == nil {
		return
	}
	rate, ok := c.fiat.Rate(ctx, result.FiatCurrency)
	if !ok {
		result.TotalFiat = 0
		return
	}
	result.TotalFiat = result.TotalBTC * rate
}

// GetCachedWalletBalances reads the last persisted snapshot without
// touching the network or the fetch lock, decoupling callers (e.g. an
// image-rendering consumer) from fetch latency (§4.7 step 7).
func (c *WalletCore) GetCachedWalletBalances() (Result, bool) {
	var result Result
	if err := c.secure.Load(c.cachePath(), &result); err != nil {
		return Result{}, false
	}
	return result, true
}

func satsToBTC(info *mempool.AddressInfo) float64 {
	received := float64(info.ChainStats.FundedTxoSum) / 1e8
	spent := float64(info.ChainStats.SpentTxoSum) / 1e8
	return received - spent
}
