package core

import "net"

// Listener observes the lifecycle of a single request. Callbacks for one
// request are totally ordered and never overlap.
type Listener interface {
	OnFiltersEnd(req *Request, ctx *Context)

	OnConnectionPoolAttempt(req *Request, ctx *Context, addr net.Addr)
	OnConnectionPoolAcquired(req *Request, ctx *Context, addr net.Addr)
	OnAcquireConnectionPoolFailed(req *Request, ctx *Context, addr net.Addr, cause error)

	OnConnectionAttempt(req *Request, ctx *Context, addr net.Addr)
	OnConnectionAcquired(req *Request, ctx *Context, addr net.Addr)
	OnAcquireConnectionFailed(req *Request, ctx *Context, addr net.Addr, cause error)

	OnWriteAttempt(req *Request, ctx *Context)
	OnWriteDone(req *Request, ctx *Context)
	OnWriteFailed(req *Request, ctx *Context, cause error)

	OnMessageReceived(req *Request, ctx *Context, resp *Response)
	OnCompleted(req *Request, ctx *Context, resp *Response)
	OnError(req *Request, ctx *Context, cause error)
}

// NoopListener implements [Listener] with empty callbacks, embed it to
// override a subset.
type NoopListener struct{}

var _ Listener = (*NoopListener)(nil)

func (NoopListener) OnFiltersEnd(*Request, *Context) {}

func (NoopListener) OnConnectionPoolAttempt(*Request, *Context, net.Addr)  {}
func (NoopListener) OnConnectionPoolAcquired(*Request, *Context, net.Addr) {}
func (NoopListener) OnAcquireConnectionPoolFailed(*Request, *Context, net.Addr, error) {
}

func (NoopListener) OnConnectionAttempt(*Request, *Context, net.Addr)  {}
func (NoopListener) OnConnectionAcquired(*Request, *Context, net.Addr) {}
func (NoopListener) OnAcquireConnectionFailed(*Request, *Context, net.Addr, error) {
}

func (NoopListener) OnWriteAttempt(*Request, *Context)       {}
func (NoopListener) OnWriteDone(*Request, *Context)          {}
func (NoopListener) OnWriteFailed(*Request, *Context, error) {}

func (NoopListener) OnMessageReceived(*Request, *Context, *Response) {}
func (NoopListener) OnCompleted(*Request, *Context, *Response)       {}
func (NoopListener) OnError(*Request, *Context, error)               {}
