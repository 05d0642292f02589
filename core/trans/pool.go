package trans

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/lib/ds/queue"
)

// errAcquireTimeout marks waiters that outlived the connect timeout while
// queued. The transceiver maps it to a connect failure.
var errAcquireTimeout = errors.New("timed out while waiting for a connection")

// Connector opens and initialises a new channel to the pool's endpoint.
type Connector func() *core.Future[*Channel]

type poolConn struct {
	ch     *Channel
	busy   bool
	idleAt time.Time
}

// ChannelPool keeps at most PoolSize connections to one endpoint and
// serialises concurrent acquires with a bounded waiting queue.
//
// In http/2 mode a single connection carries every request; acquires resolve
// as soon as the connection exists and its handshake future has fired.
type ChannelPool struct {
	endpoint core.Endpoint
	http2    bool
	opts     config.ChannelPoolOptions
	connect  Connector

	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	conns   []*poolConn
	dialing int
	waiters *queue.NaiveQueue[*poolWaiter]

	h2conn    *Channel
	h2dialing bool
	h2waiters []*core.Future[*Channel]
}

type poolWaiter struct {
	future *core.Future[*Channel]
	timer  *clock.Timer
}

func NewChannelPool(
	endpoint core.Endpoint,
	http2 bool,
	opts config.ChannelPoolOptions,
	connect Connector,
	clk clock.Clock,
	logger *slog.Logger,
) *ChannelPool {
	return &ChannelPool{
		endpoint: endpoint,
		http2:    http2,
		opts:     opts,
		connect:  connect,
		clock:    clk,
		logger:   logger,
		waiters:  queue.NewNaive[*poolWaiter](0),
	}
}

func (p *ChannelPool) Endpoint() core.Endpoint { return p.endpoint }

// Acquire hands out a channel, creating one when the pool has room.
func (p *ChannelPool) Acquire() *core.Future[*Channel] {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return core.FailedFuture[*Channel](core.ErrClosed)
	}

	if p.http2 {
		return p.acquireH2Locked()
	}
	return p.acquireH1Locked()
}

// acquireH2Locked shares the single connection between all acquires.
// Releases p.mu.
func (p *ChannelPool) acquireH2Locked() *core.Future[*Channel] {
	if ch := p.h2conn; ch != nil && ch.IsActive() {
		p.mu.Unlock()
		return resolveWithHandshake(ch)
	}
	p.h2conn = nil

	f := core.NewFuture[*Channel]()
	p.h2waiters = append(p.h2waiters, f)
	if p.h2dialing {
		p.mu.Unlock()
		return f
	}
	p.h2dialing = true
	p.mu.Unlock()

	p.connect().Listen(func(ch *Channel, err error) {
		p.mu.Lock()
		p.h2dialing = false
		waiters := p.h2waiters
		p.h2waiters = nil
		if err == nil {
			p.h2conn = ch
		}
		p.mu.Unlock()

		for _, w := range waiters {
			if err != nil {
				w.Fail(core.WithKind(core.ErrConnectFailed, err))
				continue
			}
			chainResolve(ch, w)
		}
	})
	return f
}

// resolveWithHandshake resolves once the handshake future has fired,
// success or failure; the caller observes the handshake result itself.
func resolveWithHandshake(ch *Channel) *core.Future[*Channel] {
	f := core.NewFuture[*Channel]()
	chainResolve(ch, f)
	return f
}

func chainResolve(ch *Channel, f *core.Future[*Channel]) {
	ch.Handshake().Listen(func(Protocol, error) {
		f.Complete(ch)
	})
}

// acquireH1Locked binds a free connection, dials a new one, or queues the
// caller. Releases p.mu.
func (p *ChannelPool) acquireH1Locked() *core.Future[*Channel] {
	p.pruneLocked()

	for _, pc := range p.conns {
		if !pc.busy && pc.ch.IsActive() {
			pc.busy = true
			pc.idleAt = time.Time{}
			p.mu.Unlock()
			return core.CompletedFuture(pc.ch)
		}
	}

	if len(p.conns)+p.dialing < p.opts.PoolSize {
		p.dialing++
		p.mu.Unlock()

		f := core.NewFuture[*Channel]()
		p.dialDone(f)
		return f
	}

	if int(p.waiters.Len()) >= p.opts.WaitingQueueLength {
		p.mu.Unlock()
		return core.FailedFuture[*Channel](core.WithKind(core.ErrPoolExhausted,
			errors.Errorf("too many outstanding acquires for %s", p.endpoint)))
	}

	w := &poolWaiter{future: core.NewFuture[*Channel]()}
	if timeout := p.opts.ConnectTimeout; timeout > 0 {
		w.timer = p.clock.AfterFunc(timeout, func() {
			w.future.Fail(errors.Wrapf(errAcquireTimeout,
				"no connection to %s freed up", p.endpoint))
		})
	}
	p.waiters.Enqueue(w)
	p.mu.Unlock()
	return w.future
}

// dialDone runs a connect and binds the fresh channel to f.
func (p *ChannelPool) dialDone(f *core.Future[*Channel]) {
	p.connect().Listen(func(ch *Channel, err error) {
		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.mu.Unlock()
			f.Fail(core.WithKind(core.ErrConnectFailed, err))
			return
		}
		p.conns = append(p.conns, &poolConn{ch: ch, busy: true})
		p.mu.Unlock()
		f.Complete(ch)
	})
}

// pruneLocked drops closed and idle-timed-out connections.
func (p *ChannelPool) pruneLocked() {
	idleTimeout := p.opts.IdleTimeout
	keep := p.conns[:0]
	for _, pc := range p.conns {
		if !pc.ch.IsActive() {
			continue
		}
		if idleTimeout > 0 && !pc.busy && !pc.idleAt.IsZero() &&
			p.clock.Since(pc.idleAt) >= idleTimeout {
			pc.ch.Close(nil)
			continue
		}
		keep = append(keep, pc)
	}
	p.conns = keep
}

// Release returns ch to the pool. For http/2 release is accounting only.
// Releasing a closed connection removes it and wakes a waiter, possibly
// triggering a new connect.
func (p *ChannelPool) Release(ch *Channel) {
	if p.http2 {
		p.mu.Lock()
		if p.h2conn == ch && !ch.IsActive() {
			p.h2conn = nil
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ch.Close(core.ErrClosed)
		return
	}

	idx := -1
	for i, pc := range p.conns {
		if pc.ch == ch {
			idx = i
			break
		}
	}

	if idx < 0 || !ch.IsActive() {
		if idx >= 0 {
			p.conns = append(p.conns[:idx], p.conns[idx+1:]...)
		}
		waiter := p.nextWaiterLocked()
		if waiter == nil {
			p.mu.Unlock()
			return
		}
		p.dialing++
		p.mu.Unlock()

		p.dialDone(waiter.future)
		return
	}

	pc := p.conns[idx]
	waiter := p.nextWaiterLocked()
	if waiter != nil {
		// Hand the connection over, it stays busy.
		p.mu.Unlock()
		waiter.future.Complete(ch)
		return
	}

	pc.busy = false
	pc.idleAt = p.clock.Now()
	p.mu.Unlock()
}

// nextWaiterLocked pops the first waiter that has not timed out yet.
func (p *ChannelPool) nextWaiterLocked() *poolWaiter {
	for p.waiters.Len() > 0 {
		w, _ := p.waiters.Dequeue()
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.future.IsDone() {
			continue
		}
		return w
	}
	return nil
}

// Close shuts every connection down and fails queued waiters.
func (p *ChannelPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	h2 := p.h2conn
	p.h2conn = nil

	var waiters []*poolWaiter
	for p.waiters.Len() > 0 {
		w, _ := p.waiters.Dequeue()
		waiters = append(waiters, w)
	}
	h2waiters := p.h2waiters
	p.h2waiters = nil
	p.mu.Unlock()

	for _, pc := range conns {
		pc.ch.Close(core.ErrClosed)
	}
	if h2 != nil {
		h2.Close(core.ErrClosed)
	}
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.future.Fail(core.ErrClosed)
	}
	for _, f := range h2waiters {
		f.Fail(core.ErrClosed)
	}
}
