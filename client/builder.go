package client

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/core/exec"
	"github.com/yinglunfeng/esa-httpclient/core/filter"
	"github.com/yinglunfeng/esa-httpclient/core/trans"
)

// Builder assembles a [Client]. The zero value is not usable, start from
// [NewBuilder].
type Builder struct {
	resolver trans.Resolver
	provider config.ChannelPoolOptionsProvider

	h2ClearTextUpgrade bool
	connectTimeout     time.Duration
	readTimeout        time.Duration
	keepAlive          bool
	version            core.Version

	connectionPoolSize               int
	connectionPoolWaitingQueueLength int

	useDecompress bool
	decompression config.Decompression

	expectContinueEnabled bool
	uriEncodeEnabled      bool

	netOptions   *config.NetOptions
	http1Options *config.Http1Options
	http2Options *config.Http2Options
	retryOptions *config.RetryOptions
	sslOptions   *config.SslOptions

	maxRedirects     int
	maxContentLength int64

	ioThreads int

	logger *slog.Logger
	clock  clock.Clock

	filtering    *exec.FilteringExec
	reqFilters   []filter.RequestFilter
	respFilters  []filter.ResponseFilter
	interceptors []exec.Interceptor
}

func NewBuilder() *Builder {
	b := &Builder{
		connectTimeout:                   3 * time.Second,
		readTimeout:                      6 * time.Second,
		keepAlive:                        true,
		version:                          core.HTTP11,
		connectionPoolSize:               512,
		connectionPoolWaitingQueueLength: 256,
		decompression:                    config.DecompressGzipDeflate,
		netOptions:                       config.NewNetOptions(),
		http1Options:                     config.NewHttp1Options(),
		http2Options:                     config.NewHttp2Options(),
		retryOptions:                     config.NewRetryOptions(),
		maxRedirects:                     5,
		maxContentLength:                 4 * 1024 * 1024,
		ioThreads:                        0, // worker count picked at build
		clock:                            clock.New(),
	}
	b.rebuildFiltering()
	return b
}

func (b *Builder) Resolver(r trans.Resolver) *Builder { b.resolver = r; return b }

func (b *Builder) H2ClearTextUpgrade(enabled bool) *Builder {
	b.h2ClearTextUpgrade = enabled
	return b
}

func (b *Builder) ConnectTimeout(d time.Duration) *Builder { b.connectTimeout = d; return b }
func (b *Builder) ReadTimeout(d time.Duration) *Builder    { b.readTimeout = d; return b }
func (b *Builder) KeepAlive(enabled bool) *Builder         { b.keepAlive = enabled; return b }
func (b *Builder) Version(v core.Version) *Builder         { b.version = v; return b }

func (b *Builder) ConnectionPoolSize(n int) *Builder { b.connectionPoolSize = n; return b }

func (b *Builder) ConnectionPoolWaitingQueueLength(n int) *Builder {
	b.connectionPoolWaitingQueueLength = n
	return b
}

func (b *Builder) UseDecompress(enabled bool) *Builder { b.useDecompress = enabled; return b }

func (b *Builder) Decompression(d config.Decompression) *Builder {
	b.decompression = d
	return b
}

func (b *Builder) ExpectContinueEnabled(enabled bool) *Builder {
	b.expectContinueEnabled = enabled
	return b
}

func (b *Builder) UriEncodeEnabled(enabled bool) *Builder {
	b.uriEncodeEnabled = enabled
	return b
}

func (b *Builder) ChannelPoolOptionsProvider(p config.ChannelPoolOptionsProvider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) NetOptions(o *config.NetOptions) *Builder       { b.netOptions = o; return b }
func (b *Builder) Http1Options(o *config.Http1Options) *Builder   { b.http1Options = o; return b }
func (b *Builder) Http2Options(o *config.Http2Options) *Builder   { b.http2Options = o; return b }
func (b *Builder) SslOptions(o *config.SslOptions) *Builder       { b.sslOptions = o; return b }

// RetryOptions configures the retry interceptor; nil removes it from the
// chain.
func (b *Builder) RetryOptions(o *config.RetryOptions) *Builder { b.retryOptions = o; return b }

func (b *Builder) MaxRedirects(n int) *Builder       { b.maxRedirects = n; return b }
func (b *Builder) MaxContentLength(n int64) *Builder { b.maxContentLength = n; return b }
func (b *Builder) IOThreads(n int) *Builder          { b.ioThreads = n; return b }

func (b *Builder) Logger(l *slog.Logger) *Builder { b.logger = l; return b }
func (b *Builder) Clock(c clock.Clock) *Builder   { b.clock = c; return b }

// AddRequestFilter registers f and swaps in a fresh Filtering slot so
// downstream code can detect the reconfiguration by identity.
func (b *Builder) AddRequestFilter(f filter.RequestFilter) *Builder {
	b.reqFilters = append(b.reqFilters, f)
	b.rebuildFiltering()
	return b
}

func (b *Builder) AddResponseFilter(f filter.ResponseFilter) *Builder {
	b.respFilters = append(b.respFilters, f)
	b.rebuildFiltering()
	return b
}

func (b *Builder) AddDuplexFilter(f filter.DuplexFilter) *Builder {
	b.reqFilters = append(b.reqFilters, f)
	b.respFilters = append(b.respFilters, f)
	b.rebuildFiltering()
	return b
}

// AddFilterFactory registers every filter the factory supplies.
func (b *Builder) AddFilterFactory(factory filter.Factory) *Builder {
	for _, f := range factory.Filters() {
		b.AddDuplexFilter(f)
	}
	return b
}

// AddInterceptor appends a user interceptor behind the built-in chain.
func (b *Builder) AddInterceptor(i exec.Interceptor) *Builder {
	b.interceptors = append(b.interceptors, i)
	return b
}

func (b *Builder) rebuildFiltering() {
	b.filtering = exec.NewFilteringExec(b.reqFilters, b.respFilters)
}

// UnmodifiableInterceptors snapshots the current chain: the built-in
// [Retry, Redirect, Filtering, ExpectContinue] (Retry omitted when retry
// options are nil) followed by user-added interceptors.
func (b *Builder) UnmodifiableInterceptors() []exec.Interceptor {
	var chain []exec.Interceptor
	if b.retryOptions != nil {
		chain = append(chain, exec.NewRetryInterceptor(b.retryOptions, b.clock))
	}
	chain = append(chain,
		exec.NewRedirectInterceptor(b.maxRedirects),
		b.filtering,
		exec.NewExpectContinueInterceptor(b.expectContinueEnabled),
	)
	chain = append(chain, b.interceptors...)
	return chain
}

// Copy deep-copies the option objects and shares the singletons
// (resolver, channel pool options provider).
func (b *Builder) Copy() *Builder {
	clone := *b

	clone.netOptions = b.netOptions.Copy()
	clone.http1Options = b.http1Options.Copy()
	clone.http2Options = b.http2Options.Copy()
	clone.retryOptions = b.retryOptions.Copy()
	clone.sslOptions = b.sslOptions.Copy()

	clone.reqFilters = append([]filter.RequestFilter(nil), b.reqFilters...)
	clone.respFilters = append([]filter.ResponseFilter(nil), b.respFilters...)
	clone.interceptors = append([]exec.Interceptor(nil), b.interceptors...)
	clone.rebuildFiltering()

	return &clone
}

func (b *Builder) Build() *Client {
	return newClient(b.Copy())
}
