package derivation

import (
	"context"
	"log"
	"sync"

	"github.com/opd-ai/walletscan/bip32"
)

// GapLimitService is injected into the rebuild worker rather than
// imported, breaking the C4↔C5 cyclic dependency the gap-limit scanner
// would otherwise create (§9 design notes).
type GapLimitService interface {
	DeriveWithGapLimit(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, int, error)
}

// RebuildRequest describes one configuration snapshot the worker should
// rebuild entries for.
type RebuildRequest struct {
	// XKeys maps each extended-key string to its parsed form.
	XKeys map[string]*bip32.ExtendedKey
	// DerivationCount is the fixed-count window to (re)derive for every
	// key that isn't using gap-limit discovery.
	DerivationCount int
	// GapLimitEnabled selects gap-limit discovery over fixed-count
	// derivation for every key in XKeys.
	GapLimitEnabled bool
}

// RebuildWorker runs Store's asynchronous rebuild path (§4.4): a single
// goroutine that serially re-derives every entry named by the latest
// enqueued RebuildRequest, coalescing requests that arrive faster than
// it can drain them. It never blocks readers of Store.
type RebuildWorker struct {
	store   *Store
	gapSvc  GapLimitService
	mu      sync.Mutex
	lastCfg string
	queue   chan RebuildRequest
	stopped chan struct{}
}

// NewRebuildWorker constructs a worker over store, using gapSvc to
// satisfy gap-limit-enabled rebuild requests.
func NewRebuildWorker(store *Store, gapSvc GapLimitService) *RebuildWorker {
	return &RebuildWorker{
		store:   store,
		gapSvc:  gapSvc,
		queue:   make(chan RebuildRequest, 1),
		stopped: make(chan struct{}),
	}
}

// Notify computes the wallet-config hash for req and enqueues a rebuild
// only if it differs from the hash of the previous Notify call. Any
// already-queued-but-not-yet-started request is replaced (coalesced),
// matching §4.4's "enqueues a single rebuild task" requirement.
func (w *RebuildWorker) Notify(req RebuildRequest) {
	entries := make([]string, 0, len(req.XKeys))
	for k := range req.XKeys {
		entries = append(entries, k)
	}
	hash := ConfigHash(entries, req.DerivationCount)

	w.mu.Lock()
	if hash == w.lastCfg {
		w.mu.Unlock()
		return
	}
	w.lastCfg = hash
	w.mu.Unlock()

	select {
	case w.queue <- req:
	default:
		// A request is already queued; drain it and replace with the
		// newer one so the worker only ever rebuilds the latest config.
		select {
		case <-w.queue:
		default:
		}
		w.queue <- req
	}
}

// Run drains the request queue until ctx is cancelled. It is meant to be
// started once in its own goroutine.
func (w *RebuildWorker) Run(ctx context.Context) {
	defer close(w.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			w.rebuild(ctx, req)
		}
	}
}

// Stopped is closed once Run has returned.
func (w *RebuildWorker) Stopped() <-chan struct{} { return w.stopped }

func (w *RebuildWorker) rebuild(ctx context.Context, req RebuildRequest) {
	for xkeyStr, xkey := range req.XKeys {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if req.GapLimitEnabled {
			if w.gapSvc == nil {
				log.Printf("derivation: rebuild worker: gap-limit enabled but no service configured for %s", bip32ShortKey(xkeyStr))
				continue
			}
			addrs, finalCount, err := w.gapSvc.DeriveWithGapLimit(ctx, xkey, xkeyStr)
			if err != nil {
				log.Printf("derivation: rebuild worker: gap-limit scan failed for %s: %v", bip32ShortKey(xkeyStr), err)
				continue
			}
			if err := w.store.StoreGapLimitResult(xkeyStr, addrs, finalCount); err != nil {
				log.Printf("derivation: rebuild worker: persist gap-limit result failed for %s: %v", bip32ShortKey(xkeyStr), err)
			}
			continue
		}

		if _, err := w.store.GetOrDerive(xkey, xkeyStr, req.DerivationCount, 0); err != nil {
			log.Printf("derivation: rebuild worker: derive failed for %s: %v", bip32ShortKey(xkeyStr), err)
		}
	}
}

func bip32ShortKey(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:8] + "..." + s[len(s)-4:]
}
