package wire

import "context"

// Peer is a capability: a reference to an object reachable by sending
// Calls over conn, tagged with ref so the far side can multiplex
// multiple addressable objects (a subscriber, a worker handle) over one
// connection. It is the wire-level analogue of spec.md's "remote
// reference with lifetime."
type Peer struct {
	conn *Conn
	ref  PeerRef
}

// NewPeer binds ref (chosen by whichever side exports the capability) to
// conn.
func NewPeer(conn *Conn, ref PeerRef) *Peer {
	return &Peer{conn: conn, ref: ref}
}

// Ref returns the peer's connection-scoped handle.
func (p *Peer) Ref() PeerRef { return p.ref }

// Invoke calls verb on the remote object this Peer addresses, passing
// its own ref in Handles so the remote dispatcher knows which local
// object to route to.
func (p *Peer) Invoke(ctx context.Context, verb string, args interface{}) (*Envelope, error) {
	return p.conn.Call(ctx, verb, args, []PeerRef{p.ref})
}

// InvokePayload is Invoke plus a raw buffer (output chunks, etc).
func (p *Peer) InvokePayload(ctx context.Context, verb string, args interface{}, payload []byte) (*Envelope, error) {
	return p.conn.CallPayload(ctx, verb, args, payload, []PeerRef{p.ref})
}

// Gone reports whether the underlying connection has already closed.
func (p *Peer) Gone() bool {
	select {
	case <-p.conn.Done():
		return true
	default:
		return false
	}
}

// Conn exposes the underlying connection, for callers that need to
// register additional handlers on the same link a Peer came from.
func (p *Peer) Conn() *Conn { return p.conn }
