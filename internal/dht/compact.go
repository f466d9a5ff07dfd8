package dht

import (
	"encoding/binary"
	"net"
)

// Compact node/peer encodings, per BEP 5: a node is id(20) + ip(4 or 16) +
// port(2); a peer is just ip(4 or 16) + port(2).

func encodeCompactNodes(entries []NodeEntry) []byte {
	out := make([]byte, 0, len(entries)*26)
	for _, e := range entries {
		if !e.Endpoint.IsV4() {
			continue
		}
		out = append(out, e.ID[:]...)
		out = append(out, e.Endpoint.NetIP().To4()...)
		out = appendPort(out, e.Endpoint.Port)
	}
	return out
}

func encodeCompactNodes6(entries []NodeEntry) []byte {
	out := make([]byte, 0, len(entries)*38)
	for _, e := range entries {
		if e.Endpoint.IsV4() {
			continue
		}
		out = append(out, e.ID[:]...)
		out = append(out, e.Endpoint.NetIP().To16()...)
		out = appendPort(out, e.Endpoint.Port)
	}
	return out
}

func decodeCompactNodes(b []byte) ([]NodeEntry, error) {
	const recLen = 26
	if len(b)%recLen != 0 {
		return nil, errProtocol("compact nodes length %d not a multiple of %d", len(b), recLen)
	}
	out := make([]NodeEntry, 0, len(b)/recLen)
	for i := 0; i < len(b); i += recLen {
		id, err := NodeIdFromBytes(b[i : i+20])
		if err != nil {
			return nil, err
		}
		ip := net.IP(b[i+20 : i+24])
		port := binary.BigEndian.Uint16(b[i+24 : i+26])
		out = append(out, NodeEntry{ID: id, Endpoint: NewEndpoint(ip, int(port))})
	}
	return out, nil
}

func decodeCompactNodes6(b []byte) ([]NodeEntry, error) {
	const recLen = 38
	if len(b)%recLen != 0 {
		return nil, errProtocol("compact nodes6 length %d not a multiple of %d", len(b), recLen)
	}
	out := make([]NodeEntry, 0, len(b)/recLen)
	for i := 0; i < len(b); i += recLen {
		id, err := NodeIdFromBytes(b[i : i+20])
		if err != nil {
			return nil, err
		}
		ip := net.IP(b[i+20 : i+36])
		port := binary.BigEndian.Uint16(b[i+36 : i+38])
		out = append(out, NodeEntry{ID: id, Endpoint: NewEndpoint(ip, int(port))})
	}
	return out, nil
}

func encodeCompactPeer(e Endpoint) []byte {
	if e.IsV4() {
		out := make([]byte, 0, 6)
		out = append(out, e.NetIP().To4()...)
		return appendPort(out, e.Port)
	}
	out := make([]byte, 0, 18)
	out = append(out, e.NetIP().To16()...)
	return appendPort(out, e.Port)
}

func decodeCompactPeer(b []byte) (Endpoint, error) {
	switch len(b) {
	case 6:
		return NewEndpoint(net.IP(b[:4]), int(binary.BigEndian.Uint16(b[4:6]))), nil
	case 18:
		return NewEndpoint(net.IP(b[:16]), int(binary.BigEndian.Uint16(b[16:18]))), nil
	default:
		return Endpoint{}, errProtocol("compact peer length %d is neither 6 nor 18", len(b))
	}
}

func appendPort(b []byte, port uint16) []byte {
	return append(b, byte(port>>8), byte(port))
}
