package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestAddressDerivation(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	a := kp.Address()
	if a.IsZero() {
		t.Fatal("derived address is zero")
	}
	if a != AddressOf(kp.Public) {
		t.Error("Address() disagrees with AddressOf")
	}
}

func TestFromSeedDeterministic(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	restored, err := FromSeed(kp.Seed())
	if err != nil {
		t.Fatalf("FromSeed failed: %v", err)
	}
	if restored.Address() != kp.Address() {
		t.Errorf("restored address %s, want %s", restored.Address(), kp.Address())
	}

	if _, err := FromSeed([]byte("short")); err == nil {
		t.Error("FromSeed accepted a short seed")
	}
}

func TestParseAddress(t *testing.T) {
	kp, _ := Generate()
	a := kp.Address()

	for _, s := range []string{a.String(), strings.TrimPrefix(a.String(), "0x")} {
		parsed, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q) failed: %v", s, err)
		}
		if parsed != a {
			t.Errorf("ParseAddress(%q) = %s, want %s", s, parsed, a)
		}
	}

	for _, s := range []string{"", "0x12", "not-hex", "0x" + strings.Repeat("ab", 32)} {
		if _, err := ParseAddress(s); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q): got %v, want ErrInvalidAddress", s, err)
		}
	}
}

func TestDeriveStable(t *testing.T) {
	a := Derive("lode/marketplace")
	b := Derive("lode/marketplace")
	if a != b {
		t.Error("Derive is not deterministic")
	}
	if a == Derive("lode/other") {
		t.Error("distinct labels derived the same address")
	}
}

func TestAddressTextRoundTrip(t *testing.T) {
	kp, _ := Generate()
	a := kp.Address()

	text, err := a.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var back Address
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != a {
		t.Errorf("text round trip mismatch: got %s, want %s", back, a)
	}
}
