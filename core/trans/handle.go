package trans

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
	iolib "github.com/yinglunfeng/esa-httpclient/lib/io"
)

// StreamIDExtHeader is the extension header slot carrying the registry
// assigned stream id on http/2 requests.
const StreamIDExtHeader = "x-http2-stream-id"

// ResponseHandle aggregates the inbound events of one exchange and settles
// the response future. All On* methods run on the channel worker, except
// OnErrorCause which may come from anywhere and is guarded.
type ResponseHandle struct {
	req      *core.Request
	ctx      *core.Context
	listener core.Listener
	response *core.Future[*core.Response]

	maxContentLength int64
	decompress       bool

	version core.Version
	status  int
	reason  string
	headers *core.Headers
	body    bytes.Buffer

	settled atomic.Bool
}

func NewResponseHandle(
	req *core.Request,
	ctx *core.Context,
	listener core.Listener,
	response *core.Future[*core.Response],
	maxContentLength int64,
	decompress bool,
) *ResponseHandle {
	return &ResponseHandle{
		req:              req,
		ctx:              ctx,
		listener:         listener,
		response:         response,
		maxContentLength: maxContentLength,
		decompress:       decompress,
		headers:          core.NewHeaders(),
	}
}

func (h *ResponseHandle) OnMessageHead(version core.Version, status int, reason string, headers *core.Headers) {
	h.version = version
	h.status = status
	h.reason = reason
	h.headers = headers
}

func (h *ResponseHandle) OnData(p []byte) {
	if h.settled.Load() {
		return
	}
	h.body.Write(p)
	if h.maxContentLength > 0 && int64(h.body.Len()) > h.maxContentLength {
		h.OnErrorCause(core.WithKind(core.ErrContentOverSized,
			errors.Errorf("aggregated %d bytes, limit is %d", h.body.Len(), h.maxContentLength)))
	}
}

// OnEnd completes the exchange. The registry entry must already be removed
// by the caller.
func (h *ResponseHandle) OnEnd() {
	if !h.settled.CompareAndSwap(false, true) {
		return
	}

	body, err := h.bodyReader()
	if err != nil {
		h.listener.OnError(h.req, h.ctx, err)
		h.response.Fail(err)
		return
	}

	resp := &core.Response{
		StatusCode: h.status,
		Reason:     h.reason,
		Version:    h.version,
		Headers:    h.headers,
		Body:       body,
	}

	h.listener.OnMessageReceived(h.req, h.ctx, resp)
	h.listener.OnCompleted(h.req, h.ctx, resp)
	h.response.Complete(resp)
}

// OnErrorCause fails the exchange exactly once.
func (h *ResponseHandle) OnErrorCause(cause error) {
	if !h.settled.CompareAndSwap(false, true) {
		return
	}
	h.listener.OnError(h.req, h.ctx, cause)
	h.response.Fail(cause)
}

func (h *ResponseHandle) bodyReader() (io.Reader, error) {
	raw := bytes.NewReader(h.body.Bytes())
	if !h.decompress {
		return raw, nil
	}

	encoding, _ := h.headers.Get("Content-Encoding")
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		r, err := gzip.NewReader(raw)
		if err != nil {
			return nil, errors.Wrap(err, "creating gzip reader for response body")
		}
		return h.boundDecompressed(r), nil
	case "deflate":
		return h.boundDecompressed(flate.NewReader(raw)), nil
	default:
		return raw, nil
	}
}

// boundDecompressed caps how far a compressed body may inflate.
func (h *ResponseHandle) boundDecompressed(r io.Reader) io.Reader {
	if h.maxContentLength <= 0 {
		return r
	}
	return iolib.LimitReader(r, uint(h.maxContentLength))
}

// TimeoutListener wraps the user listener, owns the read-timeout token and
// decides when the connection goes back to the pool.
type TimeoutListener interface {
	core.Listener
	AddCancelTask(*Timeout)
}

type timeoutHandle struct {
	core.Listener
	timeout atomic.Pointer[Timeout]
}

func (h *timeoutHandle) AddCancelTask(t *Timeout) { h.timeout.Store(t) }

func (h *timeoutHandle) cancelTimeout() {
	if t := h.timeout.Load(); t != nil {
		t.Cancel()
	}
}

// h1TimeoutHandle releases the connection on message completion or error,
// never on write-done.
type h1TimeoutHandle struct {
	timeoutHandle
	ch       *Channel
	pool     *ChannelPool
	released atomic.Bool
}

func (h *h1TimeoutHandle) OnCompleted(req *core.Request, ctx *core.Context, resp *core.Response) {
	h.cancelTimeout()
	if h.released.CompareAndSwap(false, true) {
		h.pool.Release(h.ch)
	}
	h.Listener.OnCompleted(req, ctx, resp)
}

func (h *h1TimeoutHandle) OnError(req *core.Request, ctx *core.Context, cause error) {
	h.cancelTimeout()
	if h.released.CompareAndSwap(false, true) {
		// The exchange state is unknown, the connection cannot be reused.
		h.ch.Close(cause)
		h.pool.Release(h.ch)
	}
	h.Listener.OnError(req, ctx, cause)
}

// h2TimeoutHandle releases right after write-done; the response keeps
// flowing through the registry since http/2 release is accounting only.
// The write-done and error paths are mutually exclusive.
type h2TimeoutHandle struct {
	timeoutHandle
	ch       *Channel
	pool     *ChannelPool
	released atomic.Bool
}

func (h *h2TimeoutHandle) OnWriteDone(req *core.Request, ctx *core.Context) {
	if h.released.CompareAndSwap(false, true) {
		h.pool.Release(h.ch)
	}
	h.Listener.OnWriteDone(req, ctx)
}

func (h *h2TimeoutHandle) OnCompleted(req *core.Request, ctx *core.Context, resp *core.Response) {
	h.cancelTimeout()
	h.Listener.OnCompleted(req, ctx, resp)
}

func (h *h2TimeoutHandle) OnError(req *core.Request, ctx *core.Context, cause error) {
	h.cancelTimeout()
	if h.released.CompareAndSwap(false, true) {
		h.pool.Release(h.ch)
	}
	h.Listener.OnError(req, ctx, cause)
}

// TransceiverHandle is the per-protocol strategy for wrapping listeners and
// registering response handles. Two concrete variants, selected by pipeline
// inspection.
type TransceiverHandle interface {
	BuildTimeoutHandle(ch *Channel, pool *ChannelPool, delegate core.Listener) TimeoutListener
	AddResponseHandle(req *core.Request, registry *HandleRegistry, handle *ResponseHandle) int
}

type h1TransceiverHandle struct{}

func (h1TransceiverHandle) BuildTimeoutHandle(ch *Channel, pool *ChannelPool, delegate core.Listener) TimeoutListener {
	return &h1TimeoutHandle{
		timeoutHandle: timeoutHandle{Listener: delegate},
		ch:            ch,
		pool:          pool,
	}
}

func (h1TransceiverHandle) AddResponseHandle(_ *core.Request, registry *HandleRegistry, handle *ResponseHandle) int {
	return registry.Put(handle)
}

type h2TransceiverHandle struct{}

func (h2TransceiverHandle) BuildTimeoutHandle(ch *Channel, pool *ChannelPool, delegate core.Listener) TimeoutListener {
	return &h2TimeoutHandle{
		timeoutHandle: timeoutHandle{Listener: delegate},
		ch:            ch,
		pool:          pool,
	}
}

// AddResponseHandle registers the handle and mirrors the assigned stream id
// into the request's extension header slot.
func (h2TransceiverHandle) AddResponseHandle(req *core.Request, registry *HandleRegistry, handle *ResponseHandle) int {
	id := registry.Put(handle)
	req.Headers().Set(StreamIDExtHeader, strconv.Itoa(id))
	return id
}
