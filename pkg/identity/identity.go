// Package identity provides principal addresses and signing keys.
//
// A principal is identified by a 20-byte address derived from an ed25519
// public key: the trailing 20 bytes of the SHA3-256 digest of the key.
// Addresses are rendered as 0x-prefixed lowercase hex.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// Address identifies a principal.
type Address [AddressSize]byte

// Zero is the null address. Transfer events use it as the origin of a mint.
var Zero Address

var (
	// ErrInvalidAddress indicates a malformed address encoding.
	ErrInvalidAddress = errors.New("invalid address")
)

// AddressOf derives the address of an ed25519 public key.
func AddressOf(pub ed25519.PublicKey) Address {
	digest := sha3.Sum256(pub)
	var a Address
	copy(a[:], digest[len(digest)-AddressSize:])
	return a
}

// Derive returns a deterministic address for a well-known label.
// Used for system principals such as the marketplace.
func Derive(label string) Address {
	digest := sha3.Sum256([]byte(label))
	var a Address
	copy(a[:], digest[len(digest)-AddressSize:])
	return a
}

// ParseAddress decodes an address from 0x-prefixed or bare hex.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidAddress, len(b), AddressSize)
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool {
	return a == Zero
}

// String renders the address as 0x-prefixed lowercase hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Keypair is an ed25519 signing key with its derived address.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a new random keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// FromSeed reconstructs a keypair from a 32-byte ed25519 seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Address returns the keypair's derived address.
func (k *Keypair) Address() Address {
	return AddressOf(k.Public)
}

// Seed returns the private key seed for persistence.
func (k *Keypair) Seed() []byte {
	return k.Private.Seed()
}
