package wire

import (
	"context"
	"net"
	"sync"

	"github.com/ridersdiscount/bend/pkg/log"
)

// Server accepts connections on a listener and hands each one to an
// AcceptFunc, which registers verb handlers before calling Serve. It is
// transport-agnostic: the same type binds the TCP client endpoint and
// the Unix-domain worker endpoint (spec.md §2, §4.6), differing only in
// the net.Listener passed to NewServer.
type Server struct {
	mu       sync.Mutex
	lis      net.Listener
	wg       sync.WaitGroup
	accept   AcceptFunc
	shutdown chan struct{}
}

// AcceptFunc wires verb handlers onto a freshly accepted connection and
// starts serving it; it must call conn.Serve(ctx) and propagate ctx
// cancellation to let the server drain on Stop.
type AcceptFunc func(ctx context.Context, conn *Conn)

// NewServer wraps lis. Call Start to begin accepting.
func NewServer(lis net.Listener, accept AcceptFunc) *Server {
	return &Server{lis: lis, accept: accept, shutdown: make(chan struct{})}
}

// Start runs the accept loop until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	for {
		nc, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Logger.Warn().Err(err).Msg("wire: accept failed")
			continue
		}
		conn := NewConn(nc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.accept(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections'
// AcceptFunc goroutines to return.
func (s *Server) Stop() error {
	close(s.shutdown)
	err := s.lis.Close()
	s.wg.Wait()
	return err
}

// Addr returns the listener's local address.
func (s *Server) Addr() net.Addr { return s.lis.Addr() }
