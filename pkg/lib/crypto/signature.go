package crypto

import "errors"

// Signature pairs a key type with the raw signature bytes it produced,
// so a verifier can reject a signature checked against the wrong key type.
type Signature struct {
	// Type is the key type that produced Data.
	Type KeyType

	// Data is the raw signature bytes.
	Data []byte
}

// Sign signs data with key and tags the result with the key's type.
func Sign(key PrivateKey, data []byte) (*Signature, error) {
	if key == nil {
		return nil, errors.New("nil private key")
	}

	sig, err := key.Sign(data)
	if err != nil {
		return nil, err
	}

	return &Signature{
		Type: key.Type(),
		Data: sig,
	}, nil
}

// Verify checks sig against data using key.
func Verify(key PublicKey, data []byte, sig *Signature) (bool, error) {
	if key == nil {
		return false, errors.New("nil public key")
	}
	if sig == nil {
		return false, ErrNilSignature
	}
	if key.Type() != sig.Type {
		return false, ErrSignatureTypeMismatch
	}

	return key.Verify(data, sig.Data)
}
