package trans

import (
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

// multipartWriter serialises attribute requests. With multipart encoding it
// builds an RFC 7578 boundary-delimited stream carried chunked on http/1;
// without, it emits application/x-www-form-urlencoded with a fixed length.
// Every file part is opened before the head goes out, a missing file fails
// the write future with nothing on the wire.
type multipartWriter struct{}

var _ RequestWriter = (*multipartWriter)(nil)

func (w *multipartWriter) WriteAndFlush(
	req *core.Request, ch *Channel, ctx *core.Context,
	uriEncode bool, version core.Version, http2 bool,
) *core.Future[struct{}] {
	if !req.IsMultipart() {
		return w.writeFormURLEncoded(req, ch, ctx, uriEncode, version, http2)
	}
	return w.writeMultipart(req, ch, ctx, uriEncode, version, http2)
}

func (w *multipartWriter) writeFormURLEncoded(
	req *core.Request, ch *Channel, ctx *core.Context,
	uriEncode bool, version core.Version, http2 bool,
) *core.Future[struct{}] {
	f := core.NewFuture[struct{}]()

	body := []byte(encodeAttrs(req.Attrs()))
	expect := ctx.ExpectContinueEnabled() && len(body) > 0
	if expect {
		req.Headers().Set("Expect", "100-continue")
	}
	req.Headers().Set("Content-Type", "application/x-www-form-urlencoded")
	req.Headers().Set("Content-Length", strconv.Itoa(len(body)))

	if !ch.RunInLoop(func() {
		id := streamIDOf(req)

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

		writeBody := func() error {
			if http2 {
				return ch.pipeline.h2.writeDataInLoop(id, body, true)
			}
			_, err := ch.write0(body)
			return err
		}

		if expect {
			var once sync.Once
			ctx.SetExpectContinueCallback(func() {
				once.Do(func() {
					ch.RunInLoop(func() {
						if err := writeBody(); err != nil {
							ch.Close(err)
						}
					})
				})
			})
			f.Complete(struct{}{})
			return
		}

		if err := writeBody(); err != nil {
			failWrite(f, err, "writing request body")
			return
		}
		f.Complete(struct{}{})
	}) {
		f.Fail(transport.ErrConnClosed)
	}
	return f
}

func (w *multipartWriter) writeMultipart(
	req *core.Request, ch *Channel, ctx *core.Context,
	uriEncode bool, version core.Version, http2 bool,
) *core.Future[struct{}] {
	f := core.NewFuture[struct{}]()

	expect := ctx.ExpectContinueEnabled()
	if expect {
		req.Headers().Set("Expect", "100-continue")
	}

	if !ch.RunInLoop(func() {
		// Open every file part up front: encoding failures must surface
		// before a single header byte hits the wire.
		files, err := openFileParts(req.Files())
		if err != nil {
			f.Fail(core.WithKind(core.ErrEncoding, err))
			return
		}

		boundary := randomBoundary()
		req.Headers().Set("Content-Type", "multipart/form-data; boundary="+boundary)
		if !http2 {
			req.Headers().Set("Transfer-Encoding", "chunked")
		}

		id := streamIDOf(req)
		sink := &bodySink{ch: ch, http2: http2, streamID: id, chunked: !http2}

		if http2 {
			if err := ch.pipeline.h2.writeHeadersInLoop(id, h2Fields(req, uriEncode), false); err != nil {
				closeFileParts(files)
				failWrite(f, err, "writing request headers")
				return
			}
		} else {
			if _, err := ch.write0(buildH1Head(req, version, uriEncode)); err != nil {
				closeFileParts(files)
				failWrite(f, err, "writing request head")
				return
			}
		}

		writeBody := func() error {
			defer closeFileParts(files)
			return streamMultipartBody(req, files, boundary, sink)
		}

		if expect {
			var once sync.Once
			ctx.SetExpectContinueCallback(func() {
				once.Do(func() {
					ch.RunInLoop(func() {
						if err := writeBody(); err != nil {
							ch.Close(err)
						}
					})
				})
			})
			f.Complete(struct{}{})
			return
		}

		if err := writeBody(); err != nil {
			f.Fail(core.WithKind(core.ErrEncoding, err))
			return
		}
		f.Complete(struct{}{})
	}) {
		f.Fail(transport.ErrConnClosed)
	}
	return f
}

// streamMultipartBody renders parts through mime/multipart straight into
// the sink. Must run on the channel worker.
func streamMultipartBody(
	req *core.Request, files []*os.File, boundary string, sink *bodySink,
) error {
	mw := multipart.NewWriter(&sinkWriter{sink: sink})
	if err := mw.SetBoundary(boundary); err != nil {
		return errors.Wrap(err, "setting multipart boundary")
	}

	for _, attr := range req.Attrs() {
		if err := mw.WriteField(attr.Name, attr.Value); err != nil {
			return errors.Wrapf(err, "writing form field %q", attr.Name)
		}
	}

	for i, part := range req.Files() {
		pw, err := createPart(mw, part)
		if err != nil {
			return errors.Wrapf(err, "creating part %q", part.Name)
		}
		seg := make([]byte, chunkSegmentSize)
		if _, err := io.CopyBuffer(pw, files[i], seg); err != nil {
			return errors.Wrapf(err, "streaming file part %q", part.Name)
		}
	}

	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "closing multipart body")
	}
	return sink.end()
}

func createPart(mw *multipart.Writer, part core.FilePart) (io.Writer, error) {
	filename := part.FileName
	if filename == "" {
		filename = part.Path
	}
	if part.ContentType == "" {
		return mw.CreateFormFile(part.Name, filename)
	}

	h := make(map[string][]string)
	h["Content-Disposition"] = []string{
		`form-data; name="` + escapeQuotes(part.Name) + `"; filename="` + escapeQuotes(filename) + `"`,
	}
	h["Content-Type"] = []string{part.ContentType}
	return mw.CreatePart(h)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func openFileParts(parts []core.FilePart) ([]*os.File, error) {
	files := make([]*os.File, 0, len(parts))
	for _, part := range parts {
		file, err := os.Open(part.Path)
		if err != nil {
			closeFileParts(files)
			return nil, errors.Wrapf(err, "opening file part %q", part.Name)
		}
		files = append(files, file)
	}
	return files, nil
}

func closeFileParts(files []*os.File) {
	for _, file := range files {
		_ = file.Close()
	}
}

// sinkWriter adapts the sink for mime/multipart. Only used on the worker.
type sinkWriter struct{ sink *bodySink }

func (w *sinkWriter) Write(p []byte) (int, error) {
	if err := w.sink.writeSegment(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// encodeAttrs renders attributes in insertion order; url.Values would sort
// them.
func encodeAttrs(attrs []core.Attr) string {
	var sb strings.Builder
	for i, attr := range attrs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(attr.Name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(attr.Value))
	}
	return sb.String()
}
