package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
)

// ============================================================================
//                              Key type
// ============================================================================

// KeyType identifies a key algorithm. Ed25519 is the only type the DHT
// core uses (BEP 44 mandates it); the type remains so a caller can plug in
// a different signer/verifier pair behind the same interfaces.
type KeyType int

const (
	// KeyTypeUnspecified is the zero value of KeyType.
	KeyTypeUnspecified KeyType = 0
	// KeyTypeEd25519 identifies an Ed25519 key pair.
	KeyTypeEd25519 KeyType = 2
)

// String returns the key type name.
func (kt KeyType) String() string {
	switch kt {
	case KeyTypeUnspecified:
		return "Unspecified"
	case KeyTypeEd25519:
		return "Ed25519"
	default:
		return "Unknown"
	}
}

// ============================================================================
//                              Key interfaces
// ============================================================================

// Key is the common interface of public and private keys.
type Key interface {
	// Raw returns the raw key bytes.
	Raw() ([]byte, error)

	// Type returns the key type.
	Type() KeyType

	// Equals reports whether two keys are equal.
	Equals(Key) bool
}

// PublicKey verifies signatures produced by the matching PrivateKey.
type PublicKey interface {
	Key

	// Verify checks sig against data using this public key.
	Verify(data, sig []byte) (bool, error)
}

// PrivateKey signs data and exposes the matching PublicKey.
type PrivateKey interface {
	Key

	// Sign signs data with this private key.
	Sign(data []byte) ([]byte, error)

	// GetPublic returns the matching public key.
	GetPublic() PublicKey
}

// ============================================================================
//                              Key factories
// ============================================================================

// GenerateKeyPair generates a new key pair using the system CSPRNG.
func GenerateKeyPair(keyType KeyType) (PrivateKey, PublicKey, error) {
	return GenerateKeyPairWithReader(keyType, rand.Reader)
}

// GenerateKeyPairWithReader generates a new key pair using the given
// random source. Tests pass a deterministic reader to get reproducible
// key material.
func GenerateKeyPairWithReader(keyType KeyType, reader io.Reader) (PrivateKey, PublicKey, error) {
	switch keyType {
	case KeyTypeEd25519:
		return GenerateEd25519Key(reader)
	default:
		return nil, nil, ErrBadKeyType
	}
}

// ============================================================================
//                              Unmarshalling
// ============================================================================

// UnmarshalPublicKey decodes a public key of the given type from raw bytes.
func UnmarshalPublicKey(keyType KeyType, data []byte) (PublicKey, error) {
	if keyType != KeyTypeEd25519 {
		return nil, ErrBadKeyType
	}
	return UnmarshalEd25519PublicKey(data)
}

// UnmarshalPrivateKey decodes a private key of the given type from raw bytes.
func UnmarshalPrivateKey(keyType KeyType, data []byte) (PrivateKey, error) {
	if keyType != KeyTypeEd25519 {
		return nil, ErrBadKeyType
	}
	return UnmarshalEd25519PrivateKey(data)
}

// ============================================================================
//                              Helpers
// ============================================================================

// KeyEqual compares two keys in constant time.
func KeyEqual(k1, k2 Key) bool {
	if k1.Type() != k2.Type() {
		return false
	}

	b1, err1 := k1.Raw()
	b2, err2 := k2.Raw()

	if err1 != nil || err2 != nil {
		return false
	}

	return subtle.ConstantTimeCompare(b1, b2) == 1
}

// ============================================================================
//                              CSPRNG
// ============================================================================

// RandomBytes returns n cryptographically secure random bytes. The DHT core
// uses it to derive node IDs, transaction IDs, and write tokens.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

// GenerateNonce returns a 32-byte cryptographically secure nonce.
func GenerateNonce() ([]byte, error) {
	return RandomBytes(32)
}
