package bip32

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// Format identifies the address encoding an extended key's descendants use.
type Format int

const (
	// FormatP2PKH is the legacy Base58Check pay-to-pubkey-hash format,
	// signalled by the xpub version.
	FormatP2PKH Format = iota
	// FormatP2WPKH is the native SegWit v0 bech32 format, signalled by
	// the zpub version.
	FormatP2WPKH
)

const (
	// versionXpub is the mainnet xpub version (P2PKH descendants).
	versionXpub uint32 = 0x0488b21e
	// versionZpub is the mainnet zpub version (P2WPKH descendants).
	versionZpub uint32 = 0x04b24746

	// extendedKeyPayloadLen is the fixed length of a decoded,
	// checksum-stripped BIP32 extended key: 4 version + 1 depth +
	// 4 parent fingerprint + 4 child number + 32 chain code + 33 pubkey.
	extendedKeyPayloadLen = 78
)

// ExtendedKey is a parsed BIP32 account-level extended public key. Only the
// two mainnet versions this package accepts (xpub, zpub) are representable;
// testnet and other SLIP-132 variants (ypub, Ypub, Zpub, etc.) are
// explicit non-goals.
type ExtendedKey struct {
	Version           uint32
	Depth             byte
	ParentFingerprint uint32
	ChildNumber       uint32
	ChainCode         [32]byte
	PublicKey         [33]byte
	Format            Format

	raw string // original base58check string, used for cache keys
}

// String returns the original base58check-encoded extended key string this
// value was parsed from.
func (k *ExtendedKey) String() string {
	return k.raw
}

// Parse decodes a base58check-encoded extended public key, validates its
// checksum, version, and public-key prefix, and classifies its address
// format. Any deviation from the two accepted mainnet versions is a fatal
// parse error — this package rejects rather than guesses.
func Parse(s string) (*ExtendedKey, error) {
	payload, err := base58CheckDecode(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse extended key %q", shortKey(s))
	}
	if len(payload) != extendedKeyPayloadLen {
		return nil, errors.Wrapf(ErrBadLength, "parse extended key %q: got %d bytes", shortKey(s), len(payload))
	}

	version := binary.BigEndian.Uint32(payload[0:4])
	var format Format
	switch version {
	case versionXpub:
		format = FormatP2PKH
	case versionZpub:
		format = FormatP2WPKH
	default:
		return nil, errors.Wrapf(ErrBadVersion, "parse extended key %q: version 0x%08x", shortKey(s), version)
	}

	pubKey := payload[45:78]
	if pubKey[0] != 0x02 && pubKey[0] != 0x03 {
		return nil, errors.Wrapf(ErrBadPublicKeyPrefix, "parse extended key %q", shortKey(s))
	}
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return nil, errors.Wrapf(ErrBadPublicKeyPrefix, "parse extended key %q: %v", shortKey(s), err)
	}

	k := &ExtendedKey{
		Version:           version,
		Depth:             payload[4],
		ParentFingerprint: binary.BigEndian.Uint32(payload[5:9]),
		ChildNumber:       binary.BigEndian.Uint32(payload[9:13]),
		Format:            format,
		raw:               s,
	}
	copy(k.ChainCode[:], payload[13:45])
	copy(k.PublicKey[:], pubKey)
	return k, nil
}

// shortKey renders a human-safe, truncated form of an extended key string
// for error messages and logs (never the full key material beyond what's
// already public in the xpub/zpub itself).
func shortKey(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:4] + "..." + s[len(s)-8:]
}
