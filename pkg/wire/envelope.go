// Package wire implements the supervisor's transport: a length-framed,
// msgpack-encoded envelope format shared by the network client endpoint
// (TCP) and the local worker endpoint (Unix domain socket), plus the
// capability-handle convention that lets either side address a specific
// object on the other side of the same connection (spec.md §9, "remote
// references with lifetime").
//
// There is no distinction between "client" and "server" at this layer:
// a Conn is symmetric, and either end may issue a Call the other must
// answer. The supervisor calls into workers (terminate,
// set_update_interval) over the same connection workers used to call
// register/update/finish.
package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies what an Envelope carries.
type Kind uint8

const (
	KindCall Kind = iota
	KindReply
	KindError
)

// PeerRef is an opaque, connection-scoped handle. A side that wants to
// receive calls back (a monitor subscriber, a freshly-registered worker)
// picks a PeerRef and attaches it to Handles; the far side addresses it
// by sending that PeerRef back in a later envelope's Handles.
type PeerRef uint64

// zstdThreshold is the Payload size (bytes) above which conn.go compresses
// it with zstd before framing (spec.md §6).
const zstdThreshold = 4096

// Envelope is the unit of exchange on the wire.
type Envelope struct {
	Kind       Kind
	Seq        uint64
	Verb       string             `msgpack:",omitempty"`
	Args       msgpack.RawMessage `msgpack:",omitempty"`
	Handles    []PeerRef          `msgpack:",omitempty"`
	Payload    []byte             `msgpack:",omitempty"`
	Compressed bool               `msgpack:",omitempty"`
	ErrMsg     string             `msgpack:",omitempty"`
	ErrCode    string             `msgpack:",omitempty"`
}

// EncodeArgs marshals v into the envelope's Args field.
func EncodeArgs(v interface{}) (msgpack.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return msgpack.RawMessage(b), nil
}

// DecodeArgs unmarshals the envelope's Args field into v.
func (e *Envelope) DecodeArgs(v interface{}) error {
	if len(e.Args) == 0 {
		return nil
	}
	return msgpack.Unmarshal(e.Args, v)
}

func marshalEnvelope(e *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
