package crypto

import (
	"errors"
	"os"

	"github.com/NebulousLabs/ed25519"
	"gitlab.com/NebulousLabs/fastrand"
)

const (
	// EntropySize is the amount of entropy consumed when deriving a keypair.
	EntropySize = ed25519.EntropySize
	// PublicKeySize is the size of an EdDSA public key.
	PublicKeySize = ed25519.PublicKeySize
	// SecretKeySize is the size of an EdDSA secret key.
	SecretKeySize = ed25519.SecretKeySize
	// SignatureSize is the size of an EdDSA signature.
	SignatureSize = ed25519.SignatureSize
)

type (
	// PublicKey is an EdDSA public key, e.g. a merchant instance key or an
	// exchange signing key.
	PublicKey [PublicKeySize]byte
	// SecretKey is an EdDSA secret key.
	SecretKey [SecretKeySize]byte
	// Signature is an EdDSA signature.
	Signature [SignatureSize]byte
)

var (
	// ErrInvalidSignature is returned when a signature fails to verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrKeyWrongLen is returned when decoding key material of the wrong
	// length.
	ErrKeyWrongLen = errors.New("encoded value has the wrong length to be a key")
)

// GenerateKeyPair creates a keypair from fresh entropy.
func GenerateKeyPair() (sk SecretKey, pk PublicKey) {
	var entropy [EntropySize]byte
	fastrand.Read(entropy[:])
	return GenerateKeyPairDeterministic(entropy)
}

// GenerateKeyPairDeterministic derives a keypair from the provided entropy.
func GenerateKeyPairDeterministic(entropy [EntropySize]byte) (SecretKey, PublicKey) {
	skPointer, pkPointer := ed25519.GenerateKey(entropy)
	return SecretKey(*skPointer), PublicKey(*pkPointer)
}

// SignHash signs a hash using a secret key.
func SignHash(data Hash, sk SecretKey) (sig Signature) {
	skNorm := [SecretKeySize]byte(sk)
	sig = Signature(*ed25519.Sign(&skNorm, data[:]))
	return sig
}

// VerifyHash uses a public key and input data to verify a signature.
func VerifyHash(data Hash, pk PublicKey, sig Signature) error {
	pkNorm := [PublicKeySize]byte(pk)
	sigNorm := [SignatureSize]byte(sig)
	verifies := ed25519.Verify(&pkNorm, data[:], &sigNorm)
	if !verifies {
		return ErrInvalidSignature
	}
	return nil
}

// PublicKey returns the public key that corresponds to a secret key.
func (sk SecretKey) PublicKey() (pk PublicKey) {
	copy(pk[:], sk[32:])
	return
}

// LoadSecretKeyFile reads a secret key from disk.
func LoadSecretKeyFile(filename string) (sk SecretKey, err error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return SecretKey{}, err
	}
	if len(b) != SecretKeySize {
		return SecretKey{}, ErrKeyWrongLen
	}
	copy(sk[:], b)
	return sk, nil
}

// SaveSecretKeyFile writes a secret key to disk with owner-only permissions.
func SaveSecretKeyFile(filename string, sk SecretKey) error {
	return os.WriteFile(filename, sk[:], 0600)
}

// String prints the public key in base32.
func (pk PublicKey) String() string {
	return base32Enc.EncodeToString(pk[:])
}

// LoadString decodes a base32 string into pk.
func (pk *PublicKey) LoadString(s string) error {
	b, err := base32Enc.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != PublicKeySize {
		return ErrKeyWrongLen
	}
	copy(pk[:], b)
	return nil
}

// MarshalJSON encodes the public key as a base32 string.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + pk.String() + `"`), nil
}

// UnmarshalJSON decodes a base32 string into the public key.
func (pk *PublicKey) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.New("public key is not a JSON string")
	}
	return pk.LoadString(string(b[1 : len(b)-1]))
}

// String prints the signature in base32.
func (s Signature) String() string {
	return base32Enc.EncodeToString(s[:])
}

// LoadString decodes a base32 string into s.
func (s *Signature) LoadString(str string) error {
	b, err := base32Enc.DecodeString(str)
	if err != nil {
		return err
	}
	if len(b) != SignatureSize {
		return ErrKeyWrongLen
	}
	copy(s[:], b)
	return nil
}

// MarshalJSON encodes the signature as a base32 string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a base32 string into the signature.
func (s *Signature) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.New("signature is not a JSON string")
	}
	return s.LoadString(string(b[1 : len(b)-1]))
}
