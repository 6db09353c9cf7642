package bip32

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for Hash160, matches the teacher's usage
)

// hash160 performs the SHA256-then-RIPEMD160 digest Bitcoin uses for
// pubkey-hash addresses, the same two-step construction the teacher
// performs inline in wallet.Hash160 and HDWallet.pubKeyToAddress.
func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}

// EncodeAddress renders a compressed public key as a Bitcoin address in
// the format an extended key's version dictates: Base58Check P2PKH for
// xpub descendants, bech32 (BIP173) P2WPKH for zpub descendants.
func EncodeAddress(pubKey []byte, format Format) (string, error) {
	h := hash160(pubKey)

	switch format {
	case FormatP2PKH:
		payload := make([]byte, 0, 21)
		payload = append(payload, 0x00) // mainnet P2PKH version byte
		payload = append(payload, h...)
		return base58CheckEncode(payload), nil

	case FormatP2WPKH:
		converted, err := bech32.ConvertBits(h, 8, 5, true)
		if err != nil {
			return "", errors.Wrap(err, "bip32: regroup witness program to 5-bit words")
		}
		data := make([]byte, 0, len(converted)+1)
		data = append(data, 0x00) // witness version 0
		data = append(data, converted...)
		addr, err := bech32.Encode("bc", data)
		if err != nil {
			return "", errors.Wrap(err, "bip32: bech32 encode")
		}
		return addr, nil

	default:
		return "", errors.Errorf("bip32: unknown address format %d", format)
	}
}
