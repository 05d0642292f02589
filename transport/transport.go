package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

var ErrConnClosed = errors.New("connection is closed")

// ConnDialer opens transport connections. The default implementation wraps
// [net.Dialer]; tests swap in pipe-backed dialers.
type ConnDialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct {
	connectTimeout time.Duration
	keepAlive      bool
	noDelay        bool
}

// NewDialer returns a TCP dialer honoring the given connect timeout and
// socket options.
func NewDialer(connectTimeout time.Duration, keepAlive, noDelay bool) ConnDialer {
	return &netDialer{
		connectTimeout: connectTimeout,
		keepAlive:      keepAlive,
		noDelay:        noDelay,
	}
}

func (d *netDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.connectTimeout}
	if !d.keepAlive {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", address)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		// Errors here are advisory, the connection itself is usable.
		_ = tcp.SetNoDelay(d.noDelay)
	}

	return conn, nil
}
