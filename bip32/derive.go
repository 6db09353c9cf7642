package bip32

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// hardenedStart is the first index BIP32 treats as hardened. Hardened
// derivation from a public extended key is impossible and forbidden here.
const hardenedStart uint32 = 0x80000000

// maxSkipRetries bounds the BIP32 "invalid child, try the next index"
// retry loop. The probability of even a single retry is astronomically
// small (~1 in 2^127); exhausting this budget indicates the curve
// implementation is broken, not bad luck.
const maxSkipRetries = 4

// DerivedAddress pairs a derived address string with the derivation index
// (within the external chain, m/0/i) that produced it.
type DerivedAddress struct {
	Address string
	Index   uint32
}

// deriveChildPublic computes the BIP32 non-hardened child of (parentPK,
// parentCC) at the given index, per §4.1: I = HMAC-SHA512(parentCC,
// parentPK || index), IL/IR split, reject IL >= n or an identity result.
func deriveChildPublic(parentPK, parentCC []byte, index uint32) (childPK, childCC []byte, err error) {
	if index >= hardenedStart {
		return nil, nil, ErrHardenedRequested
	}

	data := make([]byte, 0, 37)
	data = append(data, parentPK...)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], index)
	data = append(data, idxBuf[:]...)

	mac := hmac.New(sha512.New, parentCC)
	mac.Write(data)
	sum := mac.Sum(nil)
	il, ir := sum[:32], sum[32:]

	var ilScalar secp256k1.ModNScalar
	overflow := ilScalar.SetByteSlice(il)
	if overflow || ilScalar.IsZero() {
		return nil, nil, errInvalidChildSkipped
	}

	parentPub, err := secp256k1.ParsePubKey(parentPK)
	if err != nil {
		return nil, nil, errors.Wrap(err, "bip32: parse parent public key")
	}

	var ilPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&ilScalar, &ilPoint)

	var parentPoint secp256k1.JacobianPoint
	parentPub.AsJacobian(&parentPoint)

	var childPoint secp256k1.JacobianPoint
	secp256k1.AddNonConst(&ilPoint, &parentPoint, &childPoint)
	if childPoint.Z.IsZero() {
		// Point at infinity: parent and IL*G were inverses of each other.
		return nil, nil, errInvalidChildSkipped
	}
	childPoint.ToAffine()

	childPub := secp256k1.NewPublicKey(&childPoint.X, &childPoint.Y)
	return childPub.SerializeCompressed(), ir, nil
}

// deriveChildWithRetry wraps deriveChildPublic with the BIP32-mandated
// "skip to the next index on an invalid child" behavior.
func deriveChildWithRetry(parentPK, parentCC []byte, index uint32) (childPK, childCC []byte, err error) {
	for attempt := 0; attempt <= maxSkipRetries; attempt++ {
		childPK, childCC, err = deriveChildPublic(parentPK, parentCC, index+uint32(attempt))
		if err == nil {
			return childPK, childCC, nil
		}
		if !errors.Is(err, errInvalidChildSkipped) {
			return nil, nil, err
		}
	}
	return nil, nil, &FatalError{Msg: "exhausted child-derivation skip retries"}
}

// externalChainNode derives the external-chain node m/0 from an account
// extended key, the shared prefix for every m/0/i receive address.
func externalChainNode(k *ExtendedKey) (pk, cc []byte, err error) {
	return deriveChildWithRetry(k.PublicKey[:], k.ChainCode[:], 0)
}

// Derive derives `count` consecutive receive addresses (m/0/start ..
// m/0/start+count-1) from an account-level extended key. The external
// chain node (m/0) is derived exactly once and reused across the whole
// batch — this is the single most important performance property of this
// package: a derive(K, 100) call makes 101 HMAC calls, not 200.
//
// derive(K, 0) returns an empty (nil) slice and performs zero HMAC calls;
// start is not used in that case.
func Derive(k *ExtendedKey, count int, start uint32) ([]DerivedAddress, error) {
	if count < 0 {
		return nil, errors.New("bip32: count must be non-negative")
	}
	if count == 0 {
		return nil, nil
	}

	extPK, extCC, err := externalChainNode(k)
	if err != nil {
		return nil, errors.Wrap(err, "bip32: derive external chain node")
	}

	out := make([]DerivedAddress, 0, count)
	for i := uint32(0); i < uint32(count); i++ {
		index := start + i
		childPK, _, err := deriveChildWithRetry(extPK, extCC, index)
		if err != nil {
			return nil, errors.Wrapf(err, "bip32: derive child at index %d", index)
		}
		addr, err := EncodeAddress(childPK, k.Format)
		if err != nil {
			return nil, errors.Wrapf(err, "bip32: encode address at index %d", index)
		}
		out = append(out, DerivedAddress{Address: addr, Index: index})
	}
	return out, nil
}
