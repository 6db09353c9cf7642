package bip32

import (
	"testing"
)

func testExtendedKey(t *testing.T, format Format) *ExtendedKey {
	t.Helper()
	var cc [32]byte
	cc[0] = 0x42
	pk := testPubKey(7)

	version := versionXpub
	if format == FormatP2WPKH {
		version = versionZpub
	}

	s := buildExtendedKeyString(version, cc, pk)
	k, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return k
}

func TestDeriveZeroCountReturnsEmpty(t *testing.T) {
	k := testExtendedKey(t, FormatP2PKH)
	addrs, err := Derive(k, 0, 0)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("expected 0 addresses, got %d", len(addrs))
	}
}

func TestDeriveIsPrefixStable(t *testing.T) {
	k := testExtendedKey(t, FormatP2WPKH)

	small, err := Derive(k, 5, 0)
	if err != nil {
		t.Fatalf("Derive(5) error = %v", err)
	}
	large, err := Derive(k, 10, 0)
	if err != nil {
		t.Fatalf("Derive(10) error = %v", err)
	}

	if len(small) != 5 || len(large) != 10 {
		t.Fatalf("unexpected lengths: small=%d large=%d", len(small), len(large))
	}
	for i := range small {
		if small[i] != large[i] {
			t.Errorf("prefix mismatch at index %d: %+v != %+v", i, small[i], large[i])
		}
	}
}

func TestDeriveIndicesAreSequential(t *testing.T) {
	k := testExtendedKey(t, FormatP2PKH)
	addrs, err := Derive(k, 4, 10)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	for i, a := range addrs {
		want := uint32(10 + i)
		if a.Index != want {
			t.Errorf("addrs[%d].Index = %d, want %d", i, a.Index, want)
		}
	}
}

func TestDeriveAddressesAreUnique(t *testing.T) {
	k := testExtendedKey(t, FormatP2PKH)
	addrs, err := Derive(k, 30, 0)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if seen[a.Address] {
			t.Errorf("duplicate address %s at index %d", a.Address, a.Index)
		}
		seen[a.Address] = true
	}
}

func TestDeriveP2PKHAndP2WPKHFormatsDiffer(t *testing.T) {
	pkhKey := testExtendedKey(t, FormatP2PKH)
	wpkhKey := testExtendedKey(t, FormatP2WPKH)

	pkhAddrs, err := Derive(pkhKey, 1, 0)
	if err != nil {
		t.Fatalf("Derive(P2PKH) error = %v", err)
	}
	wpkhAddrs, err := Derive(wpkhKey, 1, 0)
	if err != nil {
		t.Fatalf("Derive(P2WPKH) error = %v", err)
	}

	if len(pkhAddrs[0].Address) == 0 || len(wpkhAddrs[0].Address) == 0 {
		t.Fatal("expected non-empty addresses")
	}
	if pkhAddrs[0].Address[0] != '1' {
		t.Errorf("expected P2PKH address to start with '1', got %s", pkhAddrs[0].Address)
	}
	if wpkhAddrs[0].Address[:3] != "bc1" {
		t.Errorf("expected P2WPKH address to start with 'bc1', got %s", wpkhAddrs[0].Address)
	}
}

func TestDeriveNegativeCountRejected(t *testing.T) {
	k := testExtendedKey(t, FormatP2PKH)
	if _, err := Derive(k, -1, 0); err == nil {
		t.Error("expected error for negative count")
	}
}
