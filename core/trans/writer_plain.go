package trans

import (
	"strconv"
	"sync"

	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

// plainWriter sends headers plus an in-memory body in one go. With
// expect-continue only the headers leave; the stored callback streams the
// body once the server answers 100.
type plainWriter struct{}

var _ RequestWriter = (*plainWriter)(nil)

func (w *plainWriter) WriteAndFlush(
	req *core.Request, ch *Channel, ctx *core.Context,
	uriEncode bool, version core.Version, http2 bool,
) *core.Future[struct{}] {
	f := core.NewFuture[struct{}]()

	body := req.Body()
	expect := ctx.ExpectContinueEnabled() && len(body) > 0
	if expect {
		req.Headers().Set("Expect", "100-continue")
	}
	if len(body) > 0 || req.Method() == "POST" || req.Method() == "PUT" {
		req.Headers().Set("Content-Length", strconv.Itoa(len(body)))
	}

	if !ch.RunInLoop(func() {
		if http2 {
			w.writeH2(req, ch, ctx, f, body, uriEncode, expect)
			return
		}
		w.writeH1(req, ch, ctx, f, body, uriEncode, version, expect)
	}) {
		f.Fail(transport.ErrConnClosed)
	}
	return f
}

func (w *plainWriter) writeH1(
	req *core.Request, ch *Channel, ctx *core.Context,
	f *core.Future[struct{}], body []byte,
	uriEncode bool, version core.Version, expect bool,
) {
	head := buildH1Head(req, version, uriEncode)

	if !expect {
		if _, err := ch.write0(head); err != nil {
			failWrite(f, err, "writing request head")
			return
		}
		if len(body) > 0 {
			if _, err := ch.write0(body); err != nil {
				failWrite(f, err, "writing request body")
				return
			}
		}
		f.Complete(struct{}{})
		return
	}

	if _, err := ch.write0(head); err != nil {
		failWrite(f, err, "writing request head")
		return
	}

	var once sync.Once
	ctx.SetExpectContinueCallback(func() {
		once.Do(func() {
			ch.RunInLoop(func() {
				if _, err := ch.write0(body); err != nil {
					ch.Close(err)
				}
			})
		})
	})
	f.Complete(struct{}{})
}

func (w *plainWriter) writeH2(
	req *core.Request, ch *Channel, ctx *core.Context,
	f *core.Future[struct{}], body []byte,
	uriEncode bool, expect bool,
) {
	h2 := ch.pipeline.h2
	id := streamIDOf(req)
	fields := h2Fields(req, uriEncode)

	endStream := len(body) == 0 && !expect
	if err := h2.writeHeadersInLoop(id, fields, endStream); err != nil {
		failWrite(f, err, "writing request headers")
		return
	}

	if expect {
		var once sync.Once
		ctx.SetExpectContinueCallback(func() {
			once.Do(func() {
				ch.RunInLoop(func() {
					if err := h2.writeDataInLoop(id, body, true); err != nil {
						ch.Close(err)
					}
				})
			})
		})
		f.Complete(struct{}{})
		return
	}

	if len(body) > 0 {
		if err := h2.writeDataInLoop(id, body, true); err != nil {
			failWrite(f, err, "writing request body")
			return
		}
	}
	f.Complete(struct{}{})
}
