package balance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"

	"github.com/opd-ai/walletscan/bip32"
	"github.com/opd-ai/walletscan/derivation"
	"github.com/opd-ai/walletscan/gaplimit"
	"github.com/opd-ai/walletscan/securestore"
)

// GapLimitUniverse resolves the address universe via C5 (§4.6 step 2,
// "gap-limit enabled" branch).
type GapLimitUniverse struct {
	Scanner *gaplimit.Scanner
}

func (u GapLimitUniverse) Addresses(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, error) {
	addrs, _, err := u.Scanner.DeriveWithGapLimit(ctx, xkey, xkeyStr)
	return addrs, err
}

// FixedCountUniverse resolves the address universe via C4 using a fixed
// window size (§4.6 step 2, "fixed count" branch).
type FixedCountUniverse struct {
	Cache *derivation.Store
	Count int
}

func (u FixedCountUniverse) Addresses(ctx context.Context, xkey *bip32.ExtendedKey, xkeyStr string) ([]bip32.DerivedAddress, error) {
	return u.Cache.GetOrDerive(xkey, xkeyStr, u.Count, 0)
}

// SecureEntryStore persists one Entry per extended key under dir, named
// by a content hash of the key string. §6 permits plaintext for this
// file (it holds only public addresses/balances/timestamps); this
// adapter still routes through the shared securestore substrate so every
// cache in the system uses one persistence mechanism.
type SecureEntryStore struct {
	Secure *securestore.Store
	Dir    string

	mu sync.Mutex
}

func (s *SecureEntryStore) pathFor(xkeyStr string) string {
	sum := sha256.Sum256([]byte(xkeyStr))
	return filepath.Join(s.Dir, hex.EncodeToString(sum[:])[:16]+".json")
}

func (s *SecureEntryStore) Load(xkeyStr string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry Entry
	if err := s.Secure.Load(s.pathFor(xkeyStr), &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

func (s *SecureEntryStore) Save(xkeyStr string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Secure.Save(s.pathFor(xkeyStr), &entry)
}
