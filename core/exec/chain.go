package exec

import (
	"time"

	"github.com/yinglunfeng/esa-httpclient/core"
)

// Transceiver is the terminal of the interceptor chain, it owns the whole
// wire-level request lifecycle.
type Transceiver interface {
	Handle(req *core.Request, ctx *core.Context, listener core.Listener,
		readTimeout time.Duration) *core.Future[*core.Response]
}

// ExecChain hands a request to the next stage of the chain.
type ExecChain interface {
	Proceed(req *core.Request) *core.Future[*core.Response]
	Context() *core.Context
}

// Interceptor wraps the rest of the chain. Implementations may call
// next.Proceed more than once (retry, redirect).
type Interceptor interface {
	Proceed(req *core.Request, next ExecChain) *core.Future[*core.Response]
}

type chain struct {
	ctx          *core.Context
	interceptors []Interceptor
	idx          int
	terminal     func(req *core.Request) *core.Future[*core.Response]
}

var _ ExecChain = (*chain)(nil)

func (c *chain) Context() *core.Context { return c.ctx }

func (c *chain) Proceed(req *core.Request) *core.Future[*core.Response] {
	if c.idx >= len(c.interceptors) {
		return c.terminal(req)
	}

	next := &chain{
		ctx:          c.ctx,
		interceptors: c.interceptors,
		idx:          c.idx + 1,
		terminal:     c.terminal,
	}
	return c.interceptors[c.idx].Proceed(req, next)
}

// Execute runs req through the interceptors and finally the terminal.
func Execute(
	req *core.Request,
	ctx *core.Context,
	interceptors []Interceptor,
	terminal func(req *core.Request) *core.Future[*core.Response],
) *core.Future[*core.Response] {
	c := &chain{ctx: ctx, interceptors: interceptors, terminal: terminal}
	return c.Proceed(req)
}
