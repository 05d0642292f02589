// Package embedded provides an in-memory conn that records everything
// written to it and replays scripted inbound bytes, for exercising protocol
// handlers and writers without a live transport.
package embedded

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/yinglunfeng/esa-httpclient/transport"
)

type Addr struct{ Name string }

func (a Addr) Network() string { return "embedded" }
func (a Addr) String() string  { return a.Name }

// Conn never blocks on Write; Read blocks until bytes are fed or the conn
// closes.
type Conn struct {
	mu  sync.Mutex
	out bytes.Buffer

	in     chan []byte
	cur    []byte
	closed chan struct{}
	once   sync.Once

	addr Addr
}

var _ net.Conn = (*Conn)(nil)

func NewConn(name string) *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		addr:   Addr{Name: name},
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, transport.ErrConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.cur) == 0 {
		select {
		case data := <-c.in:
			c.cur = data
		case <-c.closed:
			return 0, transport.ErrConnClosed
		}
	}

	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

// Feed queues inbound bytes for Read.
func (c *Conn) Feed(p []byte) {
	c.in <- append([]byte(nil), p...)
}

// Outbound snapshots every byte written so far.
func (c *Conn) Outbound() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

// DrainOutbound returns the written bytes and resets the record.
func (c *Conn) DrainOutbound() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return data
}

func (c *Conn) OutboundLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Len()
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return c.addr }
func (c *Conn) RemoteAddr() net.Addr { return Addr{Name: "remote-" + c.addr.Name} }

func (c *Conn) SetDeadline(time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }
