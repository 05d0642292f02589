package client

import (
	"io"
	"log/slog"
	"runtime"

	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/core/exec"
	"github.com/yinglunfeng/esa-httpclient/core/trans"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

// Client is the asynchronous http client facade. Build one with [Builder];
// it is safe for concurrent use and must be closed when done.
type Client struct {
	builder *Builder

	group       *transport.EventLoopGroup
	pools       *trans.ChannelPools
	transceiver *trans.Transceiver
	logger      *slog.Logger
}

func newClient(b *Builder) *Client {
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ioThreads := b.ioThreads
	if ioThreads <= 0 {
		ioThreads = runtime.NumCPU()
	}
	group := transport.NewEventLoopGroup(ioThreads)

	dialer := transport.NewDialer(
		b.connectTimeout, b.netOptions.SoKeepAlive, b.netOptions.TCPNoDelay)

	pb := trans.NewPipelineBuilder(
		dialer,
		group,
		b.version,
		b.h2ClearTextUpgrade,
		b.connectTimeout,
		b.netOptions,
		b.http1Options,
		b.http2Options,
		b.sslOptions,
		logger,
	)

	pools := trans.NewChannelPools(func(endpoint core.Endpoint) *trans.ChannelPool {
		return trans.NewChannelPool(
			endpoint,
			b.version == core.HTTP2,
			poolOptions(b, endpoint),
			pb.Connector(endpoint),
			b.clock,
			logger,
		)
	})

	transceiver := trans.NewTransceiver(
		trans.NewServerSelector(b.resolver),
		pools,
		trans.ReadTimeoutTimer(),
		logger,
		b.version,
		b.keepAlive,
		b.uriEncodeEnabled,
		b.useDecompress,
		b.decompression,
		b.maxContentLength,
	)

	return &Client{
		builder:     b,
		group:       group,
		pools:       pools,
		transceiver: transceiver,
		logger:      logger,
	}
}

func poolOptions(b *Builder, endpoint core.Endpoint) config.ChannelPoolOptions {
	if b.provider != nil {
		if opts := b.provider.Get(endpoint); opts != nil {
			return *opts
		}
	}
	opts := config.NewChannelPoolOptions()
	opts.PoolSize = b.connectionPoolSize
	opts.WaitingQueueLength = b.connectionPoolWaitingQueueLength
	opts.ConnectTimeout = b.connectTimeout
	return opts
}

// Execute dispatches req and returns its response future.
func (c *Client) Execute(req *core.Request) *core.Future[*core.Response] {
	return c.Do(req, core.NoopListener{})
}

// Do dispatches req with a caller-supplied lifecycle listener.
func (c *Client) Do(req *core.Request, listener core.Listener) *core.Future[*core.Response] {
	return c.DoWithContext(req, core.NewContext(), listener)
}

// DoWithContext dispatches req against a caller-owned request context,
// which is how streaming producers reach the chunk-writer future.
func (c *Client) DoWithContext(
	req *core.Request, ctx *core.Context, listener core.Listener,
) *core.Future[*core.Response] {
	readTimeout := c.builder.readTimeout
	if d := req.Config().ReadTimeout; d > 0 {
		readTimeout = d
	}

	return exec.Execute(req, ctx, c.builder.UnmodifiableInterceptors(),
		func(r *core.Request) *core.Future[*core.Response] {
			return c.transceiver.Handle(r, ctx, listener, readTimeout)
		})
}

// ChunkWriter returns the chunk-writer future of a dispatched chunk-stream
// request's context.
func ChunkWriter(ctx *core.Context) (*core.Future[trans.ChunkWriter], bool) {
	return trans.ChunkWriterPromiseFrom(ctx)
}

// Close releases every pooled connection and stops the io workers. The
// process-wide read-timeout timer is shared between clients; stop it with
// [trans.CloseTimer] at library shutdown.
func (c *Client) Close() {
	c.pools.Close()
	c.group.Shutdown()
}
