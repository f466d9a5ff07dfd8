package crypto

import "errors"

// Key errors.
var (
	// ErrBadKeyType is returned for an unsupported KeyType.
	ErrBadKeyType = errors.New("invalid or unsupported key type")

	// ErrInvalidKeySize is returned when raw key bytes have the wrong length.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidPrivateKey is returned when private key bytes are malformed.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// Signature errors.
var (
	// ErrNilSignature is returned when a nil signature is passed to Verify.
	ErrNilSignature = errors.New("nil signature")

	// ErrSignatureTypeMismatch is returned when a signature's key type does
	// not match the verifying key's type.
	ErrSignatureTypeMismatch = errors.New("signature type mismatch")
)
