package device

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Dialer opens a fresh link to a board.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCP dials a board listening on addr.
func TCP(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial board %s", addr)
		}
		return conn, nil
	}
}

// Loopback starts an in-process board session behind an in-memory pipe for
// every dial. The session ends when the host side is closed.
func Loopback(opts BoardOptions) Dialer {
	board := NewBoard(opts)
	return func(ctx context.Context) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		host, dev := net.Pipe()
		go func() {
			_ = board.Serve(context.Background(), dev)
		}()
		return host, nil
	}
}
