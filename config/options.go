package config

import (
	"time"

	"github.com/yinglunfeng/esa-httpclient/core"
)

// NetOptions configure the transport socket and buffering behavior.
type NetOptions struct {
	// WriteBufferHighWaterMark bounds the bytes queued on a connection
	// before it stops being writable.
	WriteBufferHighWaterMark int
	SoKeepAlive              bool
	TCPNoDelay               bool
	SoRcvBuf                 int
	SoSndBuf                 int
}

func NewNetOptions() *NetOptions {
	return &NetOptions{
		WriteBufferHighWaterMark: 64 * 1024,
		SoKeepAlive:              true,
		TCPNoDelay:               true,
	}
}

func (o *NetOptions) Copy() *NetOptions {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

type Http1Options struct {
	MaxInitialLineLength int
	MaxHeaderSize        int
	MaxChunkSize         int
}

func NewHttp1Options() *Http1Options {
	return &Http1Options{
		MaxInitialLineLength: 4096,
		MaxHeaderSize:        8192,
		MaxChunkSize:         8192,
	}
}

func (o *Http1Options) Copy() *Http1Options {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

type Http2Options struct {
	MaxFrameSize      uint32
	InitialWindowSize uint32
	MaxHeaderListSize uint32
	// GracefulShutdownTimeout bounds draining of open streams on close.
	GracefulShutdownTimeout time.Duration
}

func NewHttp2Options() *Http2Options {
	return &Http2Options{
		MaxFrameSize:      16384,
		InitialWindowSize: 65535,
		MaxHeaderListSize: 8192,
	}
}

func (o *Http2Options) Copy() *Http2Options {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// RetryOptions configure the retry interceptor. A nil RetryOptions on the
// builder removes the interceptor entirely.
type RetryOptions struct {
	MaxRetries int
	// Interval between attempts. Zero retries immediately.
	Interval time.Duration
}

func NewRetryOptions() *RetryOptions {
	return &RetryOptions{MaxRetries: 3}
}

func (o *RetryOptions) Copy() *RetryOptions {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

type SslOptions struct {
	EnabledProtocols   []string
	Ciphers            []uint16
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
	// ServerName overrides SNI; empty means the request host.
	ServerName string
}

func (o *SslOptions) Copy() *SslOptions {
	if o == nil {
		return nil
	}
	clone := *o
	clone.EnabledProtocols = append([]string(nil), o.EnabledProtocols...)
	clone.Ciphers = append([]uint16(nil), o.Ciphers...)
	return &clone
}

// ChannelPoolOptions bound a single endpoint's pool.
type ChannelPoolOptions struct {
	PoolSize           int
	WaitingQueueLength int
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
}

func NewChannelPoolOptions() ChannelPoolOptions {
	return ChannelPoolOptions{
		PoolSize:           512,
		WaitingQueueLength: 256,
		ConnectTimeout:     3 * time.Second,
		IdleTimeout:        time.Minute,
	}
}

// ChannelPoolOptionsProvider customises pool options per endpoint.
// Returning nil falls back to the builder-level values.
type ChannelPoolOptionsProvider interface {
	Get(endpoint core.Endpoint) *ChannelPoolOptions
}

// Decompression selects which content encodings are advertised and decoded.
type Decompression uint8

const (
	DecompressGzip Decompression = iota
	DecompressDeflate
	DecompressGzipDeflate
)

// AcceptEncoding returns the Accept-Encoding value for the format.
func (d Decompression) AcceptEncoding() string {
	switch d {
	case DecompressGzip:
		return "gzip"
	case DecompressDeflate:
		return "deflate"
	default:
		return "gzip, deflate"
	}
}
