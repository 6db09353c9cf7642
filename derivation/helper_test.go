package derivation

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/opd-ai/walletscan/securestore"
)

const testBase58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// testBase58CheckEncode mirrors bip32's unexported base58CheckEncode for
// test purposes only, so this package's tests can build a syntactically
// valid zpub string without depending on bip32's internals.
func testBase58CheckEncode(payload []byte) string {
	sum1 := sha256.Sum256(payload)
	sum2 := sha256.Sum256(sum1[:])
	full := append(append([]byte{}, payload...), sum2[:4]...)

	n := new(big.Int).SetBytes(full)
	zero := big.NewInt(0)
	mod := new(big.Int)
	base := big.NewInt(58)

	var out []byte
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		out = append([]byte{testBase58Alphabet[mod.Int64()]}, out...)
	}
	for _, b := range full {
		if b != 0 {
			break
		}
		out = append([]byte{testBase58Alphabet[0]}, out...)
	}
	return string(out)
}

// buildTestZpub assembles a syntactically valid 78-byte zpub payload
// (version 0x04b24746, depth 0, no parent, child number 0, a
// deterministic chain code, and a real compressed public key derived
// from seed) and base58check-encodes it.
func buildTestZpub(seed byte) string {
	sk := make([]byte, 32)
	sk[0] = 0x01
	sk[31] = seed + 1
	_, pub := btcec.PrivKeyFromBytes(sk)

	payload := make([]byte, 0, 78)
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], 0x04b24746)
	payload = append(payload, version[:]...)
	payload = append(payload, 0)             // depth
	payload = append(payload, 0, 0, 0, 0)    // parent fingerprint
	payload = append(payload, 0, 0, 0, 0)    // child number
	payload = append(payload, bytesRepeatDerivation(seed+1, 32)...) // chain code
	payload = append(payload, pub.SerializeCompressed()...)

	return testBase58CheckEncode(payload)
}

func bytesRepeatDerivation(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func newSecureTestStore(t *testing.T, dir string) *securestore.Store {
	t.Helper()
	return securestore.New(dir+"/salt.bin", fakeFingerprint{value: bytesRepeatDerivation(42, 32)})
}
