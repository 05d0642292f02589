package trans

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yinglunfeng/esa-httpclient/core"
	"golang.org/x/net/http2"
)

const testFileSize = 4 * 1024 * 1024

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")

	data := bytes.Repeat([]byte{'a'}, size)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func multipartRequest(t *testing.T, path string) *core.Request {
	t.Helper()
	req, err := core.Post("http://127.0.0.1/abc").
		FilePart(core.FilePart{Name: "file", Path: path}).
		Attr("key1", "value1").
		Build()
	require.NoError(t, err)
	return req
}

func TestMultipartWriteHTTP1(t *testing.T) {
	ch, conn := newH1Channel(t)
	req := multipartRequest(t, writeTempFile(t, testFileSize))

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, core.NewContext(), false, core.HTTP11, false)
	_, err := awaitFuture(t, f)
	require.NoError(t, err)

	out := conn.Outbound()
	head, _, found := bytes.Cut(out, []byte("\r\n\r\n"))
	require.True(t, found, "no end of head in outbound bytes")

	headStr := string(head)
	assert.True(t, strings.HasPrefix(headStr, "POST /abc HTTP/1.1\r\n"))
	assert.Contains(t, headStr, "Host: 127.0.0.1")
	assert.Contains(t, headStr, "Content-Type: multipart/form-data; boundary=")
	assert.Contains(t, headStr, "Transfer-Encoding: chunked")

	body := string(out[len(head)+4:])
	assert.Contains(t, body, `name="key1"`)
	assert.Contains(t, body, "value1")
	assert.Contains(t, body, `name="file"`)
	assert.True(t, strings.HasSuffix(body, "0\r\n\r\n"), "missing last chunk")
}

func TestFormURLEncodedWriteHTTP1(t *testing.T) {
	ch, conn := newH1Channel(t)

	req, err := core.Post("http://127.0.0.1/abc").
		Attr("key1", "value1").
		Attr("key2", "value2").
		Multipart(false).
		Build()
	require.NoError(t, err)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, core.NewContext(), false, core.HTTP11, false)
	_, err = awaitFuture(t, f)
	require.NoError(t, err)

	out := string(conn.Outbound())
	assert.Contains(t, out, "Content-Type: application/x-www-form-urlencoded")
	assert.Contains(t, out, "Content-Length: 23")
	assert.True(t, strings.HasSuffix(out, "key1=value1&key2=value2"))
}

func TestExpectContinueWriteHTTP1(t *testing.T) {
	ch, conn := newH1Channel(t)
	req := multipartRequest(t, writeTempFile(t, 1024))

	ctx := core.NewContext()
	ctx.SetExpectContinueEnabled(true)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, ctx, false, core.HTTP11, false)
	_, err := awaitFuture(t, f)
	require.NoError(t, err)

	// Only the head is observable downstream.
	out := conn.Outbound()
	assert.True(t, bytes.HasSuffix(out, []byte("\r\n\r\n")))
	assert.Contains(t, string(out), "Expect: 100-continue")
	assert.NotContains(t, string(out), "Content-Disposition: form-data")

	// No chunk writer promise exists for multipart requests.
	_, ok := ChunkWriterPromiseFrom(ctx)
	assert.False(t, ok)

	cb, ok := ctx.ExpectContinueCallback()
	require.True(t, ok)
	cb()
	cb() // repeated invocations must not resend the body

	assert.Eventually(t, func() bool {
		return bytes.HasSuffix(conn.Outbound(), []byte("0\r\n\r\n"))
	}, 5*time.Second, 5*time.Millisecond)

	body := conn.Outbound()[len(out):]
	assert.Equal(t, 1, bytes.Count(body, []byte(`name="file"`)))
}

func TestMultipartWriteFailsOnDeletedFile(t *testing.T) {
	ch, conn := newH1Channel(t)

	path := writeTempFile(t, 1024)
	req := multipartRequest(t, path)
	require.NoError(t, os.Remove(path))

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, core.NewContext(), false, core.HTTP11, false)
	_, err := awaitFuture(t, f)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEncoding)
	assert.Empty(t, conn.Outbound(), "headers must not reach the transport")
}

func TestMultipartWriteHTTP2(t *testing.T) {
	ch, conn := newH2Channel(t)
	req := multipartRequest(t, writeTempFile(t, testFileSize))
	req.Headers().Set(StreamIDExtHeader, "3")

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, core.NewContext(), false, core.HTTP2, true)
	_, err := awaitFuture(t, f)
	require.NoError(t, err)

	frames := parseFrames(t, conn.Outbound())

	headers := framesOfType(frames, http2.FrameHeaders)
	require.Len(t, headers, 1)
	assert.Equal(t, uint32(3), headers[0].streamID)

	method, _ := headerValue(headers[0].fields, ":method")
	assert.Equal(t, "POST", method)
	authority, _ := headerValue(headers[0].fields, ":authority")
	assert.Equal(t, "127.0.0.1", authority)
	contentType, _ := headerValue(headers[0].fields, "content-type")
	assert.Contains(t, contentType, "multipart/form-data")

	data := framesOfType(frames, http2.FrameData)
	require.GreaterOrEqual(t, len(data), testFileSize/chunkSegmentSize)
	for _, frame := range data[:len(data)-1] {
		assert.False(t, frame.ended)
	}
	assert.True(t, data[len(data)-1].ended, "last DATA frame must carry END_STREAM")
}

func TestExpectContinueWriteHTTP2(t *testing.T) {
	ch, conn := newH2Channel(t)
	req := multipartRequest(t, writeTempFile(t, 64*1024))
	req.Headers().Set(StreamIDExtHeader, "3")

	ctx := core.NewContext()
	ctx.SetExpectContinueEnabled(true)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, ctx, false, core.HTTP2, true)
	_, err := awaitFuture(t, f)
	require.NoError(t, err)

	frames := parseFrames(t, conn.Outbound())
	require.Len(t, framesOfType(frames, http2.FrameHeaders), 1)
	assert.Empty(t, framesOfType(frames, http2.FrameData),
		"no DATA frames before the continue signal")

	cb, ok := ctx.ExpectContinueCallback()
	require.True(t, ok)
	cb()

	assert.Eventually(t, func() bool {
		frames := parseFrames(t, conn.Outbound())
		data := framesOfType(frames, http2.FrameData)
		return len(data) > 0 && data[len(data)-1].ended
	}, 5*time.Second, 5*time.Millisecond)
}

func TestChunkWriterHTTP1(t *testing.T) {
	ch, conn := newH1Channel(t)

	req, err := core.Post("http://127.0.0.1/stream").Chunked().Build()
	require.NoError(t, err)

	ctx := core.NewContext()
	promise := core.NewFuture[ChunkWriter]()
	ctx.SetAttr(core.AttrChunkWriter, promise)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, ctx, false, core.HTTP11, false)
	_, err = awaitFuture(t, f)
	require.NoError(t, err)

	// The promise resolves even while the body is still open.
	cw, err := awaitFuture(t, promise)
	require.NoError(t, err)

	_, err = awaitFuture(t, cw.Write([]byte("hi")))
	require.NoError(t, err)
	_, err = awaitFuture(t, cw.End())
	require.NoError(t, err)

	out := string(conn.Outbound())
	assert.Contains(t, out, "Transfer-Encoding: chunked")
	assert.Contains(t, out, "2\r\nhi\r\n")
	assert.True(t, strings.HasSuffix(out, "0\r\n\r\n"))

	// Writes after End are rejected.
	_, err = awaitFuture(t, cw.Write([]byte("late")))
	assert.Error(t, err)
}

func TestChunkWriterGatedByExpectContinue(t *testing.T) {
	ch, conn := newH1Channel(t)

	req, err := core.Post("http://127.0.0.1/stream").Chunked().Build()
	require.NoError(t, err)

	ctx := core.NewContext()
	promise := core.NewFuture[ChunkWriter]()
	ctx.SetAttr(core.AttrChunkWriter, promise)
	ctx.SetExpectContinueEnabled(true)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, ctx, false, core.HTTP11, false)
	_, err = awaitFuture(t, f)
	require.NoError(t, err)

	cw, err := awaitFuture(t, promise)
	require.NoError(t, err)

	write := cw.Write([]byte("held"))
	assert.False(t, write.IsDone(), "segment must wait for the continue signal")

	cb, ok := ctx.ExpectContinueCallback()
	require.True(t, ok)
	cb()

	_, err = awaitFuture(t, write)
	require.NoError(t, err)
	assert.Contains(t, string(conn.Outbound()), "4\r\nheld\r\n")
}

func TestPlainWriteHTTP1(t *testing.T) {
	ch, conn := newH1Channel(t)

	req, err := core.Post("http://127.0.0.1/abc").
		Body([]byte("payload")).
		Build()
	require.NoError(t, err)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, core.NewContext(), false, core.HTTP11, false)
	_, err = awaitFuture(t, f)
	require.NoError(t, err)

	out := string(conn.Outbound())
	assert.True(t, strings.HasPrefix(out, "POST /abc HTTP/1.1\r\n"))
	assert.Contains(t, out, "Content-Length: 7")
	assert.True(t, strings.HasSuffix(out, "payload"))
}

func TestFileWriteHTTP1(t *testing.T) {
	ch, conn := newH1Channel(t)

	path := writeTempFile(t, 20*1024)
	req, err := core.Put("http://127.0.0.1/upload").File(path).Build()
	require.NoError(t, err)

	f := WriterByType(req.Type()).
		WriteAndFlush(req, ch, core.NewContext(), false, core.HTTP11, false)
	_, err = awaitFuture(t, f)
	require.NoError(t, err)

	out := conn.Outbound()
	assert.Contains(t, string(out), "Content-Length: 20480")
	head, _, _ := bytes.Cut(out, []byte("\r\n\r\n"))
	assert.Equal(t, 20*1024, len(out)-len(head)-4)
}
