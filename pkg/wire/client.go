package wire

import (
	"context"
	"net"
)

// Dial connects to network addr and returns a Conn ready for handler
// registration; call Serve(ctx) in a goroutine before issuing Calls.
func Dial(ctx context.Context, network, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}
