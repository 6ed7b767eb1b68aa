package crypto

// hash.go supplies the general hashing functions used by the merchant,
// backed by blake2b. Contract hashes, wire hashes and wire transfer
// identifiers are all values of the Hash type and travel over the wire as
// unpadded base32.

import (
	"bytes"
	"encoding/base32"
	"errors"

	"github.com/dchest/blake2b"
)

const (
	// HashSize is the size of a Hash in bytes.
	HashSize = 32
)

type (
	// Hash is a blake2b-256 digest.
	Hash [HashSize]byte
)

var (
	// ErrHashWrongLen is returned when decoding a string whose decoded
	// length is not HashSize.
	ErrHashWrongLen = errors.New("encoded value has the wrong length to be a hash")

	// base32Enc is the codec used for hashes, keys and signatures on the
	// wire. No padding; the decoded sizes are all fixed.
	base32Enc = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// HashBytes takes a byte slice and returns its blake2b-256 digest.
func HashBytes(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// HashAll concatenates the given byte slices and hashes the result.
func HashAll(data ...[]byte) Hash {
	return HashBytes(bytes.Join(data, nil))
}

// String prints the hash in base32.
func (h Hash) String() string {
	return base32Enc.EncodeToString(h[:])
}

// LoadString decodes a base32 string into h.
func (h *Hash) LoadString(s string) error {
	b, err := base32Enc.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != HashSize {
		return ErrHashWrongLen
	}
	copy(h[:], b)
	return nil
}

// MarshalJSON encodes the hash as a base32 string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON decodes a base32 string into the hash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.New("hash is not a JSON string")
	}
	return h.LoadString(string(b[1 : len(b)-1]))
}
