package bip32

import "github.com/pkg/errors"

// ParseError kinds, per §4.1: any failure while decoding an extended key.
var (
	// ErrBadChecksum is returned when the base58check checksum does not
	// match the decoded payload.
	ErrBadChecksum = errors.New("bip32: bad checksum")
	// ErrBadVersion is returned when the decoded version bytes are not
	// one of the two accepted mainnet extended-key versions.
	ErrBadVersion = errors.New("bip32: unsupported extended key version")
	// ErrBadPublicKeyPrefix is returned when the public key's leading
	// byte is not 0x02 or 0x03 (i.e. it is not compressed).
	ErrBadPublicKeyPrefix = errors.New("bip32: public key is not compressed")
	// ErrBadLength is returned when the decoded payload is not the
	// expected 78 bytes.
	ErrBadLength = errors.New("bip32: extended key payload has wrong length")
)

// DeriveError kinds, per §4.1: failures while deriving a child key.
var (
	// ErrHardenedRequested is returned when the caller asks for a
	// hardened child (index >= 2^31); hardened derivation from a public
	// extended key is cryptographically impossible and is forbidden by
	// this system's non-goals.
	ErrHardenedRequested = errors.New("bip32: hardened derivation requested")
	// errInvalidChildSkipped is the internal sentinel for the
	// vanishingly rare case where I_L >= curve order or the derived
	// point is the point at infinity. BIP32 requires skipping to the
	// next index; it is not surfaced to callers because Derive handles
	// it transparently.
	errInvalidChildSkipped = errors.New("bip32: invalid child key, skip to next index")
)

// FatalError is returned when secp256k1 math produces a result that
// should be impossible in practice (e.g. a derived point that is the
// group identity after the skip retry budget is exhausted).
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "bip32: fatal: " + e.Msg }
