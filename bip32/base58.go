// Package bip32 implements BIP32 extended public-key parsing and
// non-hardened child-key derivation for the two mainnet extended-key
// formats this system understands: xpub (P2PKH) and zpub (P2WPKH).
package bip32

import (
	"crypto/sha256"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// base58Alphabet defines the characters used in Bitcoin's base58 encoding
// scheme, excluding similar-looking characters (0OIl) to prevent visual
// ambiguity.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode converts a byte slice into a base58-encoded string using
// Bitcoin's alphabet. Leading zero bytes are preserved as leading '1's.
func base58Encode(input []byte) string {
	x := new(big.Int)
	x.SetBytes(input)

	base := big.NewInt(58)
	zero := big.NewInt(0)
	mod := new(big.Int)
	var result []byte

	for x.Cmp(zero) > 0 {
		x.DivMod(x, base, mod)
		result = append(result, base58Alphabet[mod.Int64()])
	}

	for _, b := range input {
		if b != 0 {
			break
		}
		result = append(result, base58Alphabet[0])
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return string(result)
}

// base58Decode converts a base58-encoded string back into bytes, restoring
// leading zero bytes from leading '1' characters.
func base58Decode(input string) ([]byte, error) {
	result := big.NewInt(0)
	for _, r := range input {
		pos := strings.IndexRune(base58Alphabet, r)
		if pos == -1 {
			return nil, errors.Errorf("invalid base58 character %q", r)
		}
		result.Mul(result, big.NewInt(58))
		result.Add(result, big.NewInt(int64(pos)))
	}

	decoded := result.Bytes()

	leadingZeros := 0
	for i := 0; i < len(input) && input[i] == '1'; i++ {
		leadingZeros++
	}
	if leadingZeros > 0 {
		padded := make([]byte, leadingZeros+len(decoded))
		copy(padded[leadingZeros:], decoded)
		decoded = padded
	}

	return decoded, nil
}

// checksum returns the first 4 bytes of the double-SHA256 of payload, the
// same construction the teacher uses for P2PKH address checksums.
func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// base58CheckDecode decodes a base58check string, verifies its checksum,
// and returns the payload with the checksum stripped.
func base58CheckDecode(s string) ([]byte, error) {
	full, err := base58Decode(s)
	if err != nil {
		return nil, err
	}
	if len(full) < 4 {
		return nil, errors.New("base58check input too short")
	}
	payload, sum := full[:len(full)-4], full[len(full)-4:]
	want := checksum(payload)
	if !bytesEqual(sum, want) {
		return nil, ErrBadChecksum
	}
	return payload, nil
}

// base58CheckEncode appends a checksum to payload and base58-encodes it.
func base58CheckEncode(payload []byte) string {
	sum := checksum(payload)
	full := make([]byte, 0, len(payload)+4)
	full = append(full, payload...)
	full = append(full, sum...)
	return base58Encode(full)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
