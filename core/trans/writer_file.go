package trans

import (
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

// fileWriter streams a file from disk in bounded segments. The file is
// opened before any header byte goes out so a missing file fails the write
// future without touching the wire.
type fileWriter struct{}

var _ RequestWriter = (*fileWriter)(nil)

func (w *fileWriter) WriteAndFlush(
	req *core.Request, ch *Channel, ctx *core.Context,
	uriEncode bool, version core.Version, http2 bool,
) *core.Future[struct{}] {
	f := core.NewFuture[struct{}]()

	expect := ctx.ExpectContinueEnabled()
	if expect {
		req.Headers().Set("Expect", "100-continue")
	}

	if !ch.RunInLoop(func() {
		file, err := os.Open(req.File())
		if err != nil {
			f.Fail(core.WithKind(core.ErrEncoding,
				errors.Wrap(err, "opening request body file")))
			return
		}

		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			f.Fail(core.WithKind(core.ErrEncoding,
				errors.Wrap(err, "stating request body file")))
			return
		}
		req.Headers().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		if !req.Headers().Contains("Content-Type") {
			req.Headers().Set("Content-Type", "application/octet-stream")
		}

		id := streamIDOf(req)
		sink := &bodySink{ch: ch, http2: http2, streamID: id}

		if http2 {
			if err := ch.pipeline.h2.writeHeadersInLoop(id, h2Fields(req, uriEncode), false); err != nil {
				_ = file.Close()
				failWrite(f, err, "writing request headers")
				return
			}
		} else {
			if _, err := ch.write0(buildH1Head(req, version, uriEncode)); err != nil {
				_ = file.Close()
				failWrite(f, err, "writing request head")
				return
			}
		}

		if expect {
			var once sync.Once
			ctx.SetExpectContinueCallback(func() {
				once.Do(func() {
					ch.RunInLoop(func() {
						defer file.Close()
						if err := streamFile(file, sink); err != nil {
							ch.Close(err)
						}
					})
				})
			})
			f.Complete(struct{}{})
			return
		}

		defer file.Close()
		if err := streamFile(file, sink); err != nil {
			f.Fail(core.WithKind(core.ErrEncoding, err))
			return
		}
		f.Complete(struct{}{})
	}) {
		f.Fail(transport.ErrConnClosed)
	}
	return f
}

// streamFile pushes the file through the sink in 8 KiB segments and
// terminates the body. Must run on the channel worker.
func streamFile(file *os.File, sink *bodySink) error {
	seg := make([]byte, chunkSegmentSize)
	for {
		n, err := file.Read(seg)
		if n > 0 {
			if werr := sink.writeSegment(seg[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return sink.end()
		}
		if err != nil {
			return errors.Wrap(err, "reading request body file")
		}
	}
}
