package dht

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/rock3qiu/libtorrent/internal/bencode"
	"github.com/rock3qiu/libtorrent/pkg/lib/crypto"
)

// MaxValueSize is the maximum size, in bytes, of a stored item's value.
// It is checked against the raw "v" bytes, not their bencoded form.
const MaxValueSize = 1000

// MaxSaltSize is the maximum size, in bytes, of a mutable item's salt.
const MaxSaltSize = 64

// ImmutableTarget computes the storage key of an immutable item: the
// SHA-1 of its bencoded value, not the raw value bytes — BEP 44 defines
// the target over the wire encoding, so a string value "Hello World!"
// hashes as "12:Hello World!", not "Hello World!".
func ImmutableTarget(value []byte) NodeId {
	sum := sha1.Sum(bencode.Encode(bencode.Bytes(value)))
	return NodeId(sum)
}

// MutableTarget computes the storage key of a mutable item: the SHA-1 of
// its public key, optionally concatenated with a salt.
func MutableTarget(publicKey, salt []byte) NodeId {
	h := sha1.New()
	h.Write(publicKey)
	if len(salt) > 0 {
		h.Write(salt)
	}
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return NodeId(sum)
}

// mutableSignedMessage builds the exact byte buffer a mutable put's
// signature covers, per BEP 44: the raw concatenation
// ("4:salt"<len>":"<salt>)? "3:seqi"<seq>"e1:v" bencode(v) — NOT a
// bencoded dict with a "d"/"e" wrapper. The "4:salt"/"3:seq"/"1:v"
// fragments are themselves bencoded key strings, just assembled by hand
// instead of through a generic dict encoder, since the signed form omits
// the surrounding dict delimiters real BEP-44 implementations never
// emit.
func mutableSignedMessage(seq int64, salt, value []byte) []byte {
	var buf bytes.Buffer
	if len(salt) > 0 {
		fmt.Fprintf(&buf, "4:salt%d:", len(salt))
		buf.Write(salt)
	}
	fmt.Fprintf(&buf, "3:seqi%de1:v", seq)
	buf.Write(bencode.Encode(bencode.Bytes(value)))
	return buf.Bytes()
}

// VerifyMutableSignature checks that signature was produced by the
// holder of publicKey's private key over (seq, salt, value), per BEP 44's
// "cas"-independent signature rule.
func VerifyMutableSignature(publicKey, signature []byte, seq int64, salt, value []byte) (bool, error) {
	pk, err := crypto.UnmarshalEd25519PublicKey(publicKey)
	if err != nil {
		return false, err
	}
	return pk.Verify(mutableSignedMessage(seq, salt, value), signature)
}

// SignMutableValue produces the signature a put_item caller attaches to a
// mutable value it owns the private key for.
func SignMutableValue(priv crypto.PrivateKey, seq int64, salt, value []byte) ([]byte, error) {
	return priv.Sign(mutableSignedMessage(seq, salt, value))
}
