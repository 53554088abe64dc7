package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// HandlerFunc answers an incoming Call. It returns the reply's Args
// payload (marshaled by the caller via EncodeArgs) plus any Handles the
// reply should export back to the peer.
type HandlerFunc func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []PeerRef) (reply interface{}, replyHandles []PeerRef, err error)

// Conn wraps a framed, bidirectional connection: either side may Call
// the other, and both directions share one sequence space keyed by Seq.
type Conn struct {
	nc  net.Conn
	w   *bufio.Writer
	wmu sync.Mutex

	seq     uint64
	pending sync.Map // uint64 -> chan *Envelope

	handlers sync.Map // string -> HandlerFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps nc. Call Serve in a goroutine to start the read loop.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:     nc,
		w:      bufio.NewWriter(nc),
		closed: make(chan struct{}),
	}
}

// Handle registers fn to answer Calls with the given verb.
func (c *Conn) Handle(verb string, fn HandlerFunc) {
	c.handlers.Store(verb, fn)
}

// Close tears down the underlying connection and fails any pending Calls.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
		c.pending.Range(func(k, v interface{}) bool {
			ch := v.(chan *Envelope)
			close(ch)
			c.pending.Delete(k)
			return true
		})
	})
	return err
}

// Done reports when the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func writeFrame(w io.Writer, mu *sync.Mutex, payload []byte) error {
	mu.Lock()
	defer mu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 64 << 20
	if n > maxFrame {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// send writes e to the wire, compressing Payload with zstd when it is
// large enough to be worth it (spec.md §6).
func (c *Conn) send(e *Envelope) error {
	if len(e.Payload) > zstdThreshold && !e.Compressed {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		e.Payload = enc.EncodeAll(e.Payload, nil)
		e.Compressed = true
		_ = enc.Close()
	}
	b, err := marshalEnvelope(e)
	if err != nil {
		return err
	}
	return writeFrame(c.w, &c.wmu, b)
}

// Serve runs the read loop until the connection closes or ctx is done.
// Incoming Calls are dispatched to registered handlers in their own
// goroutine so a slow handler never blocks unrelated traffic on the same
// connection.
func (c *Conn) Serve(ctx context.Context) error {
	r := bufio.NewReader(c.nc)
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	for {
		frame, err := readFrame(r)
		if err != nil {
			_ = c.Close()
			return err
		}
		e, err := unmarshalEnvelope(frame)
		if err != nil {
			_ = c.Close()
			return err
		}
		if e.Compressed && len(e.Payload) > 0 {
			dec, derr := zstd.NewReader(nil)
			if derr == nil {
				if out, derr2 := dec.DecodeAll(e.Payload, nil); derr2 == nil {
					e.Payload = out
				}
				dec.Close()
			}
		}
		switch e.Kind {
		case KindReply, KindError:
			if v, ok := c.pending.Load(e.Seq); ok {
				ch := v.(chan *Envelope)
				ch <- e
			}
		case KindCall:
			go c.dispatch(ctx, e)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, e *Envelope) {
	v, ok := c.handlers.Load(e.Verb)
	if !ok {
		c.replyError(e.Seq, fmt.Errorf("wire: unknown verb %q", e.Verb))
		return
	}
	fn := v.(HandlerFunc)
	reply, handles, err := fn(ctx, e.Args, e.Payload, e.Handles)
	if err != nil {
		c.replyError(e.Seq, err)
		return
	}
	args, err := EncodeArgs(reply)
	if err != nil {
		c.replyError(e.Seq, err)
		return
	}
	_ = c.send(&Envelope{Kind: KindReply, Seq: e.Seq, Args: args, Handles: handles})
}

func (c *Conn) replyError(seq uint64, err error) {
	_ = c.send(&Envelope{
		Kind:    KindError,
		Seq:     seq,
		ErrCode: codeForError(err),
		ErrMsg:  err.Error(),
	})
}

// Call sends verb with args (and any Handles the callee should be able
// to address back) and blocks for a reply. Callers unmarshal the result
// with reply.DecodeArgs.
func (c *Conn) Call(ctx context.Context, verb string, args interface{}, handles []PeerRef) (*Envelope, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	seq := atomic.AddUint64(&c.seq, 1)
	ch := make(chan *Envelope, 1)
	c.pending.Store(seq, ch)
	defer c.pending.Delete(seq)

	if err := c.send(&Envelope{Kind: KindCall, Seq: seq, Verb: verb, Args: encoded, Handles: handles}); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrPeerGone
		}
		if reply.Kind == KindError {
			return reply, errorForCode(reply.ErrCode, reply.ErrMsg)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrTransport
	}
}

// CallPayload is a convenience for verbs that carry a raw buffer
// alongside their structured args (update's stdout/stderr/stdlog chunks).
func (c *Conn) CallPayload(ctx context.Context, verb string, args interface{}, payload []byte, handles []PeerRef) (*Envelope, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	seq := atomic.AddUint64(&c.seq, 1)
	ch := make(chan *Envelope, 1)
	c.pending.Store(seq, ch)
	defer c.pending.Delete(seq)

	env := &Envelope{Kind: KindCall, Seq: seq, Verb: verb, Args: encoded, Handles: handles, Payload: payload}
	if err := c.send(env); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrPeerGone
		}
		if reply.Kind == KindError {
			return reply, errorForCode(reply.ErrCode, reply.ErrMsg)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrTransport
	}
}
