package trans

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

// Protocol is the negotiated application protocol of a channel.
type Protocol uint8

const (
	ProtoHTTP1 Protocol = iota + 1
	ProtoHTTP2
)

func (p Protocol) String() string {
	if p == ProtoHTTP2 {
		return "h2"
	}
	return "http/1.1"
}

// Channel is one live transport connection. It is affinity-bound to a single
// worker for its whole lifetime; every read dispatch, write, handshake
// completion and registry mutation runs on that worker.
type Channel struct {
	mu   sync.Mutex
	conn net.Conn

	worker *transport.Worker
	remote net.Addr

	// handshake resolves once transport-level negotiation (TLS/ALPN, h2c
	// preface, or nothing for plain http/1) terminates.
	handshake *core.Future[Protocol]

	pipeline Pipeline

	pending   atomic.Int64
	highWater int64

	active    atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger
}

// Pipeline holds the protocol handler installed on a channel. Exactly one
// slot is populated once the handshake future fires.
type Pipeline struct {
	h1 *Http1Handler
	h2 *Http2Handler
}

func (p *Pipeline) HTTP1() *Http1Handler { return p.h1 }
func (p *Pipeline) HTTP2() *Http2Handler { return p.h2 }

// Registry returns the handle registry of whichever handler is installed.
func (p *Pipeline) Registry() (*HandleRegistry, error) {
	if p.h1 != nil {
		return p.h1.Registry(), nil
	}
	if p.h2 != nil {
		return p.h2.Registry(), nil
	}
	return nil, errors.New("unable to detect handle registry: no protocol handler installed")
}

func NewChannel(conn net.Conn, worker *transport.Worker, highWater int, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:      conn,
		worker:    worker,
		remote:    conn.RemoteAddr(),
		handshake: core.NewFuture[Protocol](),
		highWater: int64(highWater),
		closed:    make(chan struct{}),
		logger:    logger,
	}
	c.active.Store(true)
	return c
}

func (c *Channel) RemoteAddr() net.Addr              { return c.remote }
func (c *Channel) Handshake() *core.Future[Protocol] { return c.handshake }
func (c *Channel) Pipeline() *Pipeline               { return &c.pipeline }
func (c *Channel) Closed() <-chan struct{}           { return c.closed }

// SwapConn replaces the underlying conn, used when TLS wraps the raw
// connection during negotiation. Must happen before the handshake future
// completes.
func (c *Channel) SwapConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Channel) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// RunInLoop submits fn to the channel's worker. fn runs exactly once, in
// submission order, even when submitted from outside the loop.
func (c *Channel) RunInLoop(fn func()) bool {
	return c.worker.Submit(fn)
}

func (c *Channel) IsActive() bool { return c.active.Load() }

// IsWritable reports whether the queued outbound bytes are under the
// write-buffer high watermark.
func (c *Channel) IsWritable() bool {
	return c.pending.Load() < c.highWater
}

// Write queues p for writing on the channel worker. The returned future
// resolves when the bytes reached the transport's outbound buffer.
func (c *Channel) Write(p []byte) *core.Future[int] {
	f := core.NewFuture[int]()
	c.pending.Add(int64(len(p)))

	submitted := c.RunInLoop(func() {
		defer c.pending.Add(-int64(len(p)))
		n, err := c.write0(p)
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(n)
	})
	if !submitted {
		c.pending.Add(-int64(len(p)))
		f.Fail(transport.ErrConnClosed)
	}
	return f
}

// write0 writes directly to the conn. Must run on the channel worker.
func (c *Channel) write0(p []byte) (int, error) {
	if !c.IsActive() {
		return 0, transport.ErrConnClosed
	}
	n, err := c.Conn().Write(p)
	if err != nil {
		return n, errors.Wrap(err, "writing to channel")
	}
	return n, nil
}

// Close tears the channel down: the conn is closed, the channel turns
// inactive and every outstanding response handle is failed with cause.
// Safe to call from any goroutine, repeatedly.
func (c *Channel) Close(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.active.Store(false)
		close(c.closed)
		if err := c.Conn().Close(); err != nil {
			c.logger.Debug("closing channel conn", "err", err)
		}
	})
	if !first {
		return
	}

	// Handles are failed outside closeOnce: a handle's error path may call
	// Close again, which then returns at once.
	if cause == nil {
		cause = transport.ErrConnClosed
	}
	if registry, err := c.pipeline.Registry(); err == nil {
		registry.Clear(cause)
	}
}
