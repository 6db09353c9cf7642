package bip32

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

// testPubKey deterministically derives a compressed secp256k1 public key
// from a small seed byte, so tests never depend on real extended-key
// material while still exercising genuine curve points.
func testPubKey(seed byte) [33]byte {
	sk := make([]byte, 32)
	sk[0] = 0x01
	sk[31] = seed + 1
	_, pub := btcec.PrivKeyFromBytes(sk)
	var out [33]byte
	copy(out[:], pub.SerializeCompressed())
	return out
}

// buildExtendedKeyString assembles a syntactically valid BIP32 extended
// key payload and base58check-encodes it, the inverse of what Parse does,
// so Parse can be tested without needing pre-computed real-world vectors.
func buildExtendedKeyString(version uint32, chainCode [32]byte, pubKey [33]byte) string {
	payload := make([]byte, 0, extendedKeyPayloadLen)
	payload = append(payload, byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	payload = append(payload, 0x00)             // depth
	payload = append(payload, 0, 0, 0, 0)       // parent fingerprint
	payload = append(payload, 0, 0, 0, 0)       // child number
	payload = append(payload, chainCode[:]...)
	payload = append(payload, pubKey[:]...)
	return base58CheckEncode(payload)
}

func TestParseXpub(t *testing.T) {
	var cc [32]byte
	cc[0] = 0xaa
	pk := testPubKey(1)

	s := buildExtendedKeyString(versionXpub, cc, pk)
	k, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if k.Format != FormatP2PKH {
		t.Errorf("Format = %v, want FormatP2PKH", k.Format)
	}
	if k.ChainCode != cc {
		t.Errorf("ChainCode mismatch")
	}
	if k.PublicKey != pk {
		t.Errorf("PublicKey mismatch")
	}
	if k.String() != s {
		t.Errorf("String() = %q, want %q", k.String(), s)
	}
}

func TestParseZpub(t *testing.T) {
	var cc [32]byte
	cc[0] = 0xbb
	pk := testPubKey(2)

	s := buildExtendedKeyString(versionZpub, cc, pk)
	k, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if k.Format != FormatP2WPKH {
		t.Errorf("Format = %v, want FormatP2WPKH", k.Format)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	var cc [32]byte
	pk := testPubKey(3)
	// testnet tpub version, explicitly out of scope.
	s := buildExtendedKeyString(0x043587cf, cc, pk)

	if _, err := Parse(s); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	var cc [32]byte
	pk := testPubKey(4)
	s := buildExtendedKeyString(versionXpub, cc, pk)

	corrupted := []byte(s)
	corrupted[len(corrupted)-1] = flipBase58Char(corrupted[len(corrupted)-1])

	if _, err := Parse(string(corrupted)); err == nil {
		t.Error("expected checksum error")
	}
}

func TestParseRejectsUncompressedPrefix(t *testing.T) {
	var cc [32]byte
	pk := testPubKey(5)
	pk[0] = 0x04 // uncompressed marker

	s := buildExtendedKeyString(versionXpub, cc, pk)
	if _, err := Parse(s); err == nil {
		t.Error("expected error for uncompressed public key prefix")
	}
}

func flipBase58Char(c byte) byte {
	if c == '1' {
		return '2'
	}
	return '1'
}
