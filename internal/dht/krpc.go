package dht

import (
	"fmt"

	"github.com/rock3qiu/libtorrent/internal/bencode"
)

// MsgType is the KRPC "y" field: query, response or error.
type MsgType string

const (
	TypeQuery    MsgType = "q"
	TypeResponse MsgType = "r"
	TypeError    MsgType = "e"
)

// Msg is a decoded KRPC message, per spec §4.2 / BEP 5. Args and Values
// hold the "a" and "r" dictionaries verbatim; handler.go and query.go pull
// specific keys out of them with the bencode.Value accessors.
type Msg struct {
	Tid       []byte
	Type      MsgType
	Query     string // "q" field, set only when Type == TypeQuery
	Args      bencode.Value
	Values    bencode.Value // "r" field, set only when Type == TypeResponse
	ErrCode   int
	ErrMsg    string
	ReadOnly  bool // "ro":1 in "a" or top-level, per BEP 43
	ClientVer []byte
}

// EncodeQuery builds the wire bytes for an outgoing query.
func EncodeQuery(tid []byte, method string, args map[string]bencode.Value, readOnly bool) []byte {
	if readOnly {
		args["ro"] = bencode.Int(1)
	}
	d := map[string]bencode.Value{
		"t": bencode.Bytes(tid),
		"y": bencode.Str(string(TypeQuery)),
		"q": bencode.Str(method),
		"a": bencode.Dict(args),
	}
	return bencode.Encode(bencode.Dict(d))
}

// EncodeResponse builds the wire bytes for a success reply.
func EncodeResponse(tid []byte, values map[string]bencode.Value) []byte {
	d := map[string]bencode.Value{
		"t": bencode.Bytes(tid),
		"y": bencode.Str(string(TypeResponse)),
		"r": bencode.Dict(values),
	}
	return bencode.Encode(bencode.Dict(d))
}

// EncodeError builds the wire bytes for an "e" reply, per spec §6.
func EncodeError(tid []byte, code int, message string) []byte {
	d := map[string]bencode.Value{
		"t": bencode.Bytes(tid),
		"y": bencode.Str(string(TypeError)),
		"e": bencode.List(bencode.Int(int64(code)), bencode.Str(message)),
	}
	return bencode.Encode(bencode.Dict(d))
}

// DecodeMsg parses a raw datagram into a Msg, returning a KRPCError (never
// a sentinel) on malformed input so the caller can decide whether to drop
// it silently or answer with a protocol error.
func DecodeMsg(raw []byte) (*Msg, error) {
	v, err := bencode.Decode(raw, 0)
	if err != nil {
		if _, ok := err.(*bencode.Unsorted); !ok {
			return nil, errProtocol("malformed bencode: %v", err)
		}
	}
	if !v.IsDict() {
		return nil, errProtocol("top-level message is not a dictionary")
	}

	tid, ok := v.GetString("t")
	if !ok {
		return nil, errMissingKey("t")
	}
	yStr, ok := v.GetString("y")
	if !ok {
		return nil, errMissingKey("y")
	}

	m := &Msg{Tid: append([]byte(nil), tid...), Type: MsgType(yStr)}
	if ver, ok := v.GetString("v"); ok {
		m.ClientVer = ver
	}

	switch m.Type {
	case TypeQuery:
		q, ok := v.GetString("q")
		if !ok {
			return nil, errMissingKey("q")
		}
		m.Query = string(q)
		args, ok := v.GetDict("a")
		if !ok {
			return nil, errMissingKey("a")
		}
		m.Args = args
		if ro, ok := args.GetInt("ro"); ok && ro == 1 {
			m.ReadOnly = true
		}
		if ro, ok := v.GetInt("ro"); ok && ro == 1 {
			m.ReadOnly = true
		}
	case TypeResponse:
		r, ok := v.GetDict("r")
		if !ok {
			return nil, errMissingKey("r")
		}
		m.Values = r
	case TypeError:
		e, ok := v.Dict["e"]
		if !ok || e.Kind != bencode.KindList || len(e.List) != 2 {
			return nil, errProtocol("malformed \"e\" list")
		}
		if e.List[0].Kind != bencode.KindInt {
			return nil, errProtocol("error code is not an integer")
		}
		m.ErrCode = int(e.List[0].Int)
		m.ErrMsg = string(e.List[1].Str)
	default:
		return nil, errProtocol("unknown message type %q", yStr)
	}
	return m, nil
}

func (m *Msg) String() string {
	return fmt.Sprintf("msg{t=%x y=%s q=%s}", m.Tid, m.Type, m.Query)
}
