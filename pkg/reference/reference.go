// Package reference provides content addresses for metadata blobs.
package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length of a reference in bytes.
const Size = 32

// Reference is a SHA-256 content address.
type Reference [Size]byte

var (
	// ErrInvalidReference indicates a malformed reference encoding.
	ErrInvalidReference = errors.New("invalid reference")
)

// Compute returns the content address of data.
func Compute(data []byte) Reference {
	return sha256.Sum256(data)
}

// Hex returns the lowercase hex encoding of r.
func Hex(r Reference) string {
	return hex.EncodeToString(r[:])
}

// Parse decodes a hex-encoded reference.
func Parse(s string) (Reference, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if len(b) != Size {
		return Reference{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidReference, len(b), Size)
	}
	var r Reference
	copy(r[:], b)
	return r, nil
}

// Equal reports whether two references are identical.
func Equal(a, b Reference) bool {
	return a == b
}

// IsZero reports whether r is the zero reference.
func (r Reference) IsZero() bool {
	return r == Reference{}
}

// String implements fmt.Stringer.
func (r Reference) String() string {
	return Hex(r)
}
