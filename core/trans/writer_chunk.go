package trans

import (
	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

var errAlreadyEnded = errors.New("chunk stream already ended")

// ChunkWriter is the handle streaming producers use to feed body bytes
// after the headers went out. It is published through the request context's
// chunk-writer future.
type ChunkWriter interface {
	Write(p []byte) *core.Future[struct{}]
	// End terminates the body: the last chunk on http/1, an END_STREAM
	// data frame on http/2.
	End() *core.Future[struct{}]
}

// ChunkWriterPromiseFrom returns the chunk-writer future installed by the
// transceiver for chunk-stream requests.
func ChunkWriterPromiseFrom(ctx *core.Context) (*core.Future[ChunkWriter], bool) {
	v, ok := ctx.Attr(core.AttrChunkWriter)
	if !ok {
		return nil, false
	}
	promise, ok := v.(*core.Future[ChunkWriter])
	return promise, ok
}

// chunkRequestWriter writes the headers of a chunk-stream request and hands
// the producer a [ChunkWriter]. The write future covers the head only.
type chunkRequestWriter struct{}

var _ RequestWriter = (*chunkRequestWriter)(nil)

func (w *chunkRequestWriter) WriteAndFlush(
	req *core.Request, ch *Channel, ctx *core.Context,
	uriEncode bool, version core.Version, http2 bool,
) *core.Future[struct{}] {
	f := core.NewFuture[struct{}]()

	expect := ctx.ExpectContinueEnabled()
	if expect {
		req.Headers().Set("Expect", "100-continue")
	}
	if !http2 {
		req.Headers().Set("Transfer-Encoding", "chunked")
	}

	id := streamIDOf(req)
	stream := &chunkBodyStream{
		ch:   ch,
		sink: &bodySink{ch: ch, http2: http2, streamID: id, chunked: !http2},
		// With expect-continue segments queue up until the server's 100
		// unblocks the stream.
		gated: expect,
	}

	if !ch.RunInLoop(func() {
		if http2 {
			if err := ch.pipeline.h2.writeHeadersInLoop(id, h2Fields(req, uriEncode), false); err != nil {
				failWrite(f, err, "writing request headers")
				return
			}
		} else {
			if _, err := ch.write0(buildH1Head(req, version, uriEncode)); err != nil {
				failWrite(f, err, "writing request head")
				return
			}
		}

		if expect {
			ctx.SetExpectContinueCallback(func() {
				ch.RunInLoop(stream.unblock)
			})
		}
		f.Complete(struct{}{})
	}) {
		f.Fail(transport.ErrConnClosed)
		return f
	}

	// The promise resolves right away so producers can queue bytes while
	// the head write is still in flight.
	if promise, ok := ChunkWriterPromiseFrom(ctx); ok {
		promise.Complete(stream)
	}
	return f
}

// chunkBodyStream frames producer segments onto the channel. All state is
// worker-confined.
type chunkBodyStream struct {
	ch   *Channel
	sink *bodySink

	gated   bool
	pending []pendingChunk
	ended   bool
	failed  error
}

type pendingChunk struct {
	data []byte
	end  bool
	f    *core.Future[struct{}]
}

var _ ChunkWriter = (*chunkBodyStream)(nil)

func (s *chunkBodyStream) Write(p []byte) *core.Future[struct{}] {
	data := append([]byte(nil), p...)
	return s.submit(pendingChunk{data: data, f: core.NewFuture[struct{}]()})
}

func (s *chunkBodyStream) End() *core.Future[struct{}] {
	return s.submit(pendingChunk{end: true, f: core.NewFuture[struct{}]()})
}

func (s *chunkBodyStream) submit(chunk pendingChunk) *core.Future[struct{}] {
	if !s.ch.RunInLoop(func() { s.handle(chunk) }) {
		chunk.f.Fail(transport.ErrConnClosed)
	}
	return chunk.f
}

// handle runs on the worker.
func (s *chunkBodyStream) handle(chunk pendingChunk) {
	switch {
	case s.failed != nil:
		chunk.f.Fail(s.failed)
		return
	case s.ended:
		chunk.f.Fail(core.WithKind(core.ErrEncoding,
			errAlreadyEnded))
		return
	case s.gated:
		s.pending = append(s.pending, chunk)
		return
	}
	s.flush(chunk)
}

func (s *chunkBodyStream) flush(chunk pendingChunk) {
	var err error
	if chunk.end {
		s.ended = true
		err = s.sink.end()
	} else {
		err = s.sink.writeSegment(chunk.data)
	}
	if err != nil {
		s.failed = err
		chunk.f.Fail(err)
		s.ch.Close(err)
		return
	}
	chunk.f.Complete(struct{}{})
}

// unblock drains segments queued behind expect-continue. Runs on the
// worker; repeated 100 responses only unblock once.
func (s *chunkBodyStream) unblock() {
	if !s.gated {
		return
	}
	s.gated = false
	pending := s.pending
	s.pending = nil
	for _, chunk := range pending {
		if s.failed != nil {
			chunk.f.Fail(s.failed)
			continue
		}
		s.flush(chunk)
	}
}
