// Package crypto provides the cryptographic primitives the DHT core needs
// as external collaborators: Ed25519 signing and verification for BEP 44
// mutable items, and a CSPRNG for node IDs, transaction IDs and tokens.
//
// # Quick start
//
// Generate a key pair:
//
//	priv, pub, err := crypto.GenerateKeyPair(crypto.KeyTypeEd25519)
//
// Sign and verify:
//
//	sig, err := crypto.Sign(priv, data)
//	valid, err := crypto.Verify(pub, data, sig)
package crypto
