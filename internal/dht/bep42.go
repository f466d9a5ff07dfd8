package dht

import (
	"hash/crc32"
	"net"

	"github.com/rock3qiu/libtorrent/pkg/interfaces"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// v4Mask and v6Mask zero out the low-order bits of an address before it
// is hashed into an ID, so that nodes on nearby addresses land near each
// other in ID space (BEP 42's anti-Sybil rationale) while the low 3 bits
// of the supplied nonce still perturb the result.
var v4Mask = [4]byte{0x03, 0x0f, 0x3f, 0xff}
var v6Mask = [8]byte{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff}

// DeriveNodeId computes the BEP-42 node ID for ip using nonce as the
// nonce byte (its low 3 bits feed the CRC, the full byte becomes id[19]).
// rng supplies the 17 unconstrained middle bytes (id[2]'s low 3 bits and
// id[3..19)); callers that only need to verify an existing ID's binding
// use CheckNodeId instead, which never calls this.
func DeriveNodeId(ip net.IP, nonce byte, rng interfaces.RandSource) (NodeId, error) {
	crc, err := bep42CRC(ip, nonce)
	if err != nil {
		return NodeId{}, err
	}
	var id NodeId
	if _, err := rng.Read(id[:]); err != nil {
		return NodeId{}, err
	}
	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = (byte(crc>>8) & 0xf8) | (id[2] & 0x07)
	id[19] = nonce
	return id, nil
}

// CheckNodeId reports whether id is a valid BEP-42 derivation for ip: its
// first 21 bits must match the CRC of the masked address combined with
// id's own nonce byte (id[19]).
func CheckNodeId(id NodeId, ip net.IP) bool {
	crc, err := bep42CRC(ip, id[19])
	if err != nil {
		return false
	}
	if id[0] != byte(crc>>24) {
		return false
	}
	if id[1] != byte(crc>>16) {
		return false
	}
	return (id[2] & 0xf8) == (byte(crc>>8) & 0xf8)
}

func bep42CRC(ip net.IP, nonce byte) (uint32, error) {
	r := nonce & 0x7
	if v4 := ip.To4(); v4 != nil {
		b := [4]byte{v4[0], v4[1], v4[2], v4[3]}
		for i := range b {
			b[i] &= v4Mask[i]
		}
		b[0] |= r << 5
		return crc32.Checksum(b[:], crc32cTable), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return 0, ErrInvalidAddress
	}
	var b [8]byte
	copy(b[:], v6)
	for i := range b {
		b[i] &= v6Mask[i]
	}
	b[0] |= r << 5
	return crc32.Checksum(b[:], crc32cTable), nil
}
