package trans

import (
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
)

var (
	h1Handle TransceiverHandle = h1TransceiverHandle{}
	h2Handle TransceiverHandle = h2TransceiverHandle{}
)

// Transceiver threads selector, pool, pipeline, writers, registry and timer
// into one request lifecycle. Its work runs on the caller's goroutine up to
// the pool acquire; the steps after it run in the acquire and handshake
// callbacks, on whichever goroutine resolves those futures, and are not moved
// onto the connection's worker. Channel writes and inbound dispatch go
// through that worker.
type Transceiver struct {
	selector ServerSelector
	pools    *ChannelPools
	timer    *HashedWheelTimer
	logger   *slog.Logger

	version          core.Version
	keepAlive        bool
	uriEncode        bool
	useDecompress    bool
	decompression    config.Decompression
	maxContentLength int64
}

func NewTransceiver(
	selector ServerSelector,
	pools *ChannelPools,
	timer *HashedWheelTimer,
	logger *slog.Logger,
	version core.Version,
	keepAlive bool,
	uriEncode bool,
	useDecompress bool,
	decompression config.Decompression,
	maxContentLength int64,
) *Transceiver {
	return &Transceiver{
		selector:         selector,
		pools:            pools,
		timer:            timer,
		logger:           logger,
		version:          version,
		keepAlive:        keepAlive,
		uriEncode:        uriEncode,
		useDecompress:    useDecompress,
		decompression:    decompression,
		maxContentLength: maxContentLength,
	}
}

// Handle dispatches one fully-built request and returns its response
// future. Exactly one of complete/fail happens, and the listener sees
// OnError or OnCompleted exactly once.
func (t *Transceiver) Handle(
	req *core.Request, ctx *core.Context, listener core.Listener,
	readTimeout time.Duration,
) *core.Future[*core.Response] {
	listener.OnFiltersEnd(req, ctx)

	// The chunk-writer promise exists before any fallible step so error
	// paths can fail it alongside the response.
	var chunkWriterPromise *core.Future[ChunkWriter]
	if req.Type() == core.TypeChunk {
		chunkWriterPromise = core.NewFuture[ChunkWriter]()
		ctx.SetAttr(core.AttrChunkWriter, chunkWriterPromise)
	}

	addr, err := t.selector.Select(req, ctx)
	if err != nil {
		failChunkWriter(chunkWriterPromise, err)
		listener.OnError(req, ctx, err)
		return core.FailedFuture[*core.Response](err)
	}

	listener.OnConnectionPoolAttempt(req, ctx, addr)

	pool, err := t.pools.GetOrCreate(req.Endpoint())
	if err != nil {
		listener.OnAcquireConnectionPoolFailed(req, ctx, addr, err)
		failChunkWriter(chunkWriterPromise, err)
		listener.OnError(req, ctx, err)
		return core.FailedFuture[*core.Response](err)
	}

	listener.OnConnectionPoolAcquired(req, ctx, addr)
	listener.OnConnectionAttempt(req, ctx, addr)

	response := core.NewFuture[*core.Response]()
	st := &requestState{
		req:                req,
		ctx:                ctx,
		listener:           listener,
		response:           response,
		chunkWriterPromise: chunkWriterPromise,
		pool:               pool,
		readTimeout:        readTimeout,
	}

	st.addr = addr
	pool.Acquire().Listen(func(ch *Channel, err error) {
		if err != nil {
			t.onAcquireConnectionFailed(st, err)
			return
		}
		ch.Handshake().Listen(func(_ Protocol, herr error) {
			t.doWrite(st, ch, herr)
		})
	})

	return response
}

// requestState carries one request's wiring between the lifecycle hops.
type requestState struct {
	req                *core.Request
	ctx                *core.Context
	listener           core.Listener
	response           *core.Future[*core.Response]
	chunkWriterPromise *core.Future[ChunkWriter]
	pool               *ChannelPool
	addr               net.Addr
	readTimeout        time.Duration
}

func (t *Transceiver) onAcquireConnectionFailed(st *requestState, cause error) {
	// Pool-level error normalisation, preserved verbatim: saturation
	// surfaces as a wrapped I/O error, an acquire timeout as a connect
	// failure.
	switch {
	case errors.Is(cause, core.ErrPoolExhausted):
		cause = errors.Wrap(cause, "error while acquiring channel")
	case errors.Is(cause, errAcquireTimeout):
		cause = core.WithKind(core.ErrConnectFailed, cause)
	}

	st.response.Fail(cause)
	failChunkWriter(st.chunkWriterPromise, cause)

	st.listener.OnAcquireConnectionFailed(st.req, st.ctx, st.addr, cause)
	st.listener.OnError(st.req, st.ctx, cause)
}

func (t *Transceiver) doWrite(st *requestState, ch *Channel, herr error) {
	st.listener.OnConnectionAcquired(st.req, st.ctx, ch.RemoteAddr())

	if herr != nil {
		st.pool.Release(ch)
		endWithError(st, st.listener, herr)
		return
	}

	http2 := ch.Pipeline().HTTP2() != nil
	version := core.HTTP11
	if http2 {
		version = core.HTTP2
	} else if t.version == core.HTTP10 {
		version = core.HTTP10
	}

	if !ch.IsActive() {
		ch.Close(core.ErrConnectionInactive)
		st.pool.Release(ch)
		endWithError(st, st.listener, core.ErrConnectionInactive)
		return
	}

	// Writing into a saturated buffer would pile up unbounded memory.
	if !ch.IsWritable() {
		st.pool.Release(ch)
		endWithError(st, st.listener, core.ErrWriteBufFull)
		return
	}

	strategy := h1Handle
	if http2 {
		strategy = h2Handle
	}
	h := strategy.BuildTimeoutHandle(ch, st.pool, st.listener)

	if err := t.doWrite0(st, ch, strategy, h, http2, version); err != nil {
		st.pool.Release(ch)
		endWithError(st, st.listener, err)
	}
}

func (t *Transceiver) doWrite0(
	st *requestState, ch *Channel, strategy TransceiverHandle,
	h TimeoutListener, http2 bool, version core.Version,
) error {
	registry, err := ch.Pipeline().Registry()
	if err != nil {
		return err
	}

	t.setKeepAlive(st.req.Headers(), version)
	t.setAcceptEncoding(st.req.Headers())

	h.OnWriteAttempt(st.req, st.ctx)

	// The response handle goes in before writing: the inbound message may
	// arrive before the write completes.
	handle := NewResponseHandle(st.req, st.ctx, h, st.response,
		t.maxContentLength, t.useDecompress)
	requestID := strategy.AddResponseHandle(st.req, registry, handle)

	t.watchCancellation(st, ch, registry, requestID, h)

	writer := WriterByType(st.req.Type())
	uriEncode := value(st.req.Config().UriEncode, t.uriEncode)

	result := writer.WriteAndFlush(st.req, ch, st.ctx, uriEncode, version, http2)

	result.Listen(func(_ struct{}, werr error) {
		t.onWriteDone(st, ch, registry, requestID, h, werr)
	})
	return nil
}

func (t *Transceiver) onWriteDone(
	st *requestState, ch *Channel, registry *HandleRegistry, requestID int,
	h TimeoutListener, werr error,
) {
	if werr == nil {
		h.OnWriteDone(st.req, st.ctx)

		timeout := t.timer.Schedule(
			newReadTimeoutTask(requestID, st.req.URI().String(), ch, registry, t.logger),
			st.readTimeout)
		h.AddCancelTask(timeout)
		return
	}

	cause := core.WithKind(core.ErrWriteFailed, werr)
	t.logger.Error("failed to write request",
		"uri", st.req.URI().String(), "err", werr)

	// Balance the registry before the error fans out.
	if registry.Remove(requestID) == nil && st.response.IsDone() {
		// The exchange was already settled elsewhere (cancel, clear).
		return
	}

	h.OnWriteFailed(st.req, st.ctx, werr)
	endWithError(st, h, cause)
}

// watchCancellation tears the exchange down when the caller cancels the
// response future: the registry entry goes away, the timeout token is
// cancelled via the handle, and a http/1 connection is closed rather than
// reused.
func (t *Transceiver) watchCancellation(
	st *requestState, ch *Channel, registry *HandleRegistry, requestID int,
	h TimeoutListener,
) {
	st.response.Listen(func(_ *core.Response, err error) {
		if !errors.Is(err, core.ErrCancelled) {
			return
		}
		ch.RunInLoop(func() {
			if registry.Remove(requestID) == nil {
				return
			}
			h.OnError(st.req, st.ctx, core.ErrCancelled)
		})
	})
}

// setKeepAlive strips any Connection header on http/2 and otherwise leaves
// a caller-set value intact.
func (t *Transceiver) setKeepAlive(headers *core.Headers, version core.Version) {
	if t.version == core.HTTP2 {
		headers.Remove("Connection")
	}

	if headers.Contains("Connection") {
		return
	}

	switch version {
	case core.HTTP10:
		if t.keepAlive {
			headers.Set("Connection", "keep-alive")
		}
	case core.HTTP11:
		if !t.keepAlive {
			headers.Set("Connection", "close")
		}
	}
}

func (t *Transceiver) setAcceptEncoding(headers *core.Headers) {
	if !t.useDecompress || headers.Contains("Accept-Encoding") {
		return
	}
	headers.Set("Accept-Encoding", t.decompression.AcceptEncoding())
}

func endWithError(st *requestState, listener core.Listener, cause error) {
	if !st.response.Fail(cause) {
		// Someone else settled the exchange already.
		return
	}
	failChunkWriter(st.chunkWriterPromise, cause)
	listener.OnError(st.req, st.ctx, cause)
}

func failChunkWriter(promise *core.Future[ChunkWriter], cause error) {
	if promise == nil {
		return
	}
	promise.Fail(cause)
}
