// Package blockreward implements the per-address coinbase-reward cache
// (§4.8): it counts how many blocks paid a coinbase reward to each
// monitored address, synced incrementally from the last synced height
// to the chain tip via either a block-walk or a transaction-history
// scan, whichever is cheaper for the gap involved.
package blockreward

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/opd-ai/walletscan/mempool"
)

// Entry is the persisted per-address state (§3 BlockRewardEntry).
type Entry struct {
	TotalCoinbaseCount int64     `json:"total_coinbase_count"`
	SyncedHeight       uint64    `json:"synced_height"`
	FirstBlockFound    uint64    `json:"first_block_found"`
	LatestBlockFound   uint64    `json:"latest_block_found"`
	LastUpdated        time.Time `json:"last_updated"`
}

// State is the full persisted cache (§6 "Block-reward cache file").
type State struct {
	Addresses        map[string]Entry `json:"addresses"`
	GlobalSyncHeight uint64           `json:"global_sync_height"`
	CacheVersion     string           `json:"cache_version"`
	LastFullScan     time.Time        `json:"last_full_scan"`
	LastUpdated      time.Time        `json:"last_updated"`
}

const cacheVersion = "1.0"

// DefaultBlockWalkThreshold is the gap size (in blocks) at or below which
// SyncAddress uses a block-walk rather than a transaction-history scan
// (§4.8), matching original_source's block_reward_cache.py default.
const DefaultBlockWalkThreshold = 50

// Config carries C8's tunables.
type Config struct {
	// BlockWalkThreshold is the gap size at or below which SyncAddress walks
	// blocks individually rather than falling back to a full
	// transaction-history scan.
	BlockWalkThreshold uint64
}

// DefaultConfig returns the §4.8 defaults.
func DefaultConfig() Config {
	return Config{BlockWalkThreshold: DefaultBlockWalkThreshold}
}

// client is the subset of mempool.Client this package needs.
type client interface {
	GetTipHeight(ctx context.Context) (uint64, error)
	GetBlockHashAtHeight(ctx context.Context, height uint64) (string, error)
	GetBlockTxids(ctx context.Context, hash string) ([]string, error)
	GetTx(ctx context.Context, txid string) (*mempool.Tx, error)
	GetAllAddressTxs(ctx context.Context, address string) ([]mempool.Tx, error)
}

// persister saves and loads the full cache state, mirroring §3's
// load/save API and §4.8's "save via C3" requirement.
type persister interface {
	Load() (State, bool)
	Save(State) error
}

// Cache implements C8. All mutations hold a single mutex. It is not
// reentrant: UpdateMonitoredAddresses releases it before calling
// AddAddress.
type Cache struct {
	mu     sync.Mutex
	client client
	store  persister
	cfg    Config
	state  State
}

// New constructs a Cache backed by client and store, loading any
// existing persisted state.
func New(client client, store persister, cfg Config) *Cache {
	state, ok := store.Load()
	if !ok {
		state = State{Addresses: make(map[string]Entry), CacheVersion: cacheVersion}
	}
	if state.Addresses == nil {
		state.Addresses = make(map[string]Entry)
	}
	return &Cache{client: client, store: store, cfg: cfg, state: state}
}

// Stats reports the current cache size and global sync height, a
// supplemented operational surface (SPEC_FULL.md).
func (c *Cache) Stats() (addressCount int, globalSyncHeight uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.Addresses), c.state.GlobalSyncHeight
}

// AddAddress begins tracking a, scanning its full transaction history for
// coinbase payments (§4.8).
func (c *Cache) AddAddress(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip, err := c.client.GetTipHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "blockreward: get tip height")
	}

	entry, err := c.scanTxHistory(ctx, address, 0)
	if err != nil {
		return err
	}
	entry.SyncedHeight = tip

	c.state.Addresses[address] = entry
	if tip > c.state.GlobalSyncHeight {
		c.state.GlobalSyncHeight = tip
	}
	c.state.LastUpdated = time.Now()
	return c.persist()
}

// RemoveAddress stops tracking a.
func (c *Cache) RemoveAddress(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state.Addresses, address)
	c.state.LastUpdated = time.Now()
	return c.persist()
}

// UpdateMonitoredAddresses reconciles the tracked set with want, adding
// any missing addresses and removing extraneous ones.
func (c *Cache) UpdateMonitoredAddresses(ctx context.Context, want []string) error {
	wantSet := make(map[string]bool, len(want))
	for _, a := range want {
		wantSet[a] = true
	}

	c.mu.Lock()
	var toRemove []string
	for existing := range c.state.Addresses {
		if !wantSet[existing] {
			toRemove = append(toRemove, existing)
		}
	}
	for _, a := range toRemove {
		delete(c.state.Addresses, a)
	}
	var toAdd []string
	for _, a := range want {
		if _, ok := c.state.Addresses[a]; !ok {
			toAdd = append(toAdd, a)
		}
	}
	c.mu.Unlock()

	for _, a := range toAdd {
		if err := c.AddAddress(ctx, a); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastUpdated = time.Now()
	return c.persist()
}

// SyncAddress brings a's entry up to the current tip, choosing a
// block-walk for small gaps and a transaction-history scan otherwise
// (§4.8).
func (c *Cache) SyncAddress(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.state.Addresses[address]
	if !ok {
		return errors.Errorf("blockreward: address %s is not tracked", address)
	}

	tip, err := c.client.GetTipHeight(ctx)
	if err != nil {
		return errors.Wrap(err, "blockreward: get tip height")
	}
	if entry.SyncedHeight >= tip {
		return nil
	}

	gap := tip - entry.SyncedHeight
	var updated Entry
	if gap <= c.cfg.BlockWalkThreshold {
		updated, err = c.blockWalk(ctx, address, entry, tip)
	} else {
		updated, err = c.scanTxHistory(ctx, address, entry.SyncedHeight+1)
		updated.TotalCoinbaseCount += entry.TotalCoinbaseCount
		if entry.FirstBlockFound > 0 && (updated.FirstBlockFound == 0 || entry.FirstBlockFound < updated.FirstBlockFound) {
			updated.FirstBlockFound = entry.FirstBlockFound
		}
	}
	if err != nil {
		return err
	}
	updated.SyncedHeight = tip

	c.state.Addresses[address] = updated
	if tip > c.state.GlobalSyncHeight {
		c.state.GlobalSyncHeight = tip
	}
	c.state.LastUpdated = time.Now()
	return c.persist()
}

// blockWalk iterates every height from entry.SyncedHeight+1 to tip,
// fetching each block's coinbase transaction and checking its outputs.
func (c *Cache) blockWalk(ctx context.Context, address string, entry Entry, tip uint64) (Entry, error) {
	out := entry
	for height := entry.SyncedHeight + 1; height <= tip; height++ {
		hash, err := c.client.GetBlockHashAtHeight(ctx, height)
		if err != nil || hash == "" {
			continue // per-item errors are swallowed (§7)
		}
		txids, err := c.client.GetBlockTxids(ctx, hash)
		if err != nil || len(txids) == 0 {
			continue
		}
		tx, err := c.client.GetTx(ctx, txids[0])
		if err != nil || !tx.IsCoinbaseTx() {
			continue
		}
		if coinbasePaysAddress(tx, address) {
			out.TotalCoinbaseCount++
			out.LatestBlockFound = height
			if out.FirstBlockFound == 0 {
				out.FirstBlockFound = height
			}
		}
	}
	return out, nil
}

func (c *Cache) scanTxHistory(ctx context.Context, address string, sinceHeight uint64) (Entry, error) {
	var entry Entry

	txs, err := c.client.GetAllAddressTxs(ctx, address)
	if err != nil {
		return entry, errors.Wrap(err, "blockreward: scan tx history")
	}

	for _, tx := range txs {
		if !tx.Status.Confirmed || tx.Status.BlockHeight < sinceHeight {
			continue
		}
		if !tx.IsCoinbaseTx() {
			continue
		}
		if !coinbasePaysAddress(&tx, address) {
			continue
		}
		entry.TotalCoinbaseCount++
		if entry.FirstBlockFound == 0 || tx.Status.BlockHeight < entry.FirstBlockFound {
			entry.FirstBlockFound = tx.Status.BlockHeight
		}
		if tx.Status.BlockHeight > entry.LatestBlockFound {
			entry.LatestBlockFound = tx.Status.BlockHeight
		}
	}
	entry.LastUpdated = time.Now()
	return entry, nil
}

func coinbasePaysAddress(tx *mempool.Tx, address string) bool {
	for _, vout := range tx.Vout {
		if vout.ScriptPubKeyAddress == address {
			return true
		}
	}
	return false
}

// UpdateForNewBlock is invoked by the external websocket collaborator
// (§1 Non-goals exclude it, but its call surface into this cache is in
// scope) when a new block is mined. It increments every monitored
// address the block's coinbase pays.
func (c *Cache) UpdateForNewBlock(ctx context.Context, hash string, height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txids, err := c.client.GetBlockTxids(ctx, hash)
	if err != nil || len(txids) == 0 {
		return errors.Wrap(err, "blockreward: get block txids")
	}
	tx, err := c.client.GetTx(ctx, txids[0])
	if err != nil {
		return errors.Wrap(err, "blockreward: get coinbase tx")
	}
	if !tx.IsCoinbaseTx() {
		return errors.New("blockreward: block's first transaction is not a coinbase")
	}

	for _, vout := range tx.Vout {
		entry, tracked := c.state.Addresses[vout.ScriptPubKeyAddress]
		if !tracked {
			continue
		}
		entry.TotalCoinbaseCount++
		entry.LatestBlockFound = height
		if entry.FirstBlockFound == 0 {
			entry.FirstBlockFound = height
		}
		entry.SyncedHeight = height
		entry.LastUpdated = time.Now()
		c.state.Addresses[vout.ScriptPubKeyAddress] = entry
	}

	if height > c.state.GlobalSyncHeight {
		c.state.GlobalSyncHeight = height
	}
	c.state.LastUpdated = time.Now()
	return c.persist()
}

func (c *Cache) persist() error {
	c.state.CacheVersion = cacheVersion
	return c.store.Save(c.state)
}
