package trans

import (
	"bytes"
	"compress/gzip"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yinglunfeng/esa-httpclient/core"
)

func registerHandle(
	t *testing.T, ch *Channel, ctx *core.Context, decompress bool,
) *core.Future[*core.Response] {
	t.Helper()
	req, err := core.Get("http://127.0.0.1/").Build()
	require.NoError(t, err)

	response := core.NewFuture[*core.Response]()
	registry := ch.Pipeline().HTTP1().Registry()
	registry.Put(NewResponseHandle(req, ctx, core.NoopListener{}, response, 0, decompress))
	return response
}

func TestHttp1HandlerDecodesContentLengthBody(t *testing.T) {
	ch, conn := newH1Channel(t)
	response := registerHandle(t, ch, core.NewContext(), false)

	conn.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Extra: 1\r\n\r\nhello"))

	resp, err := awaitFuture(t, response)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, core.HTTP11, resp.Version)

	v, ok := resp.Headers.Get("X-Extra")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestHttp1HandlerDecodesChunkedBody(t *testing.T) {
	ch, conn := newH1Channel(t)
	response := registerHandle(t, ch, core.NewContext(), false)

	conn.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))

	resp, err := awaitFuture(t, response)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestHttp1HandlerInvokesContinueCallback(t *testing.T) {
	ch, conn := newH1Channel(t)

	ctx := core.NewContext()
	fired := make(chan struct{})
	ctx.SetExpectContinueCallback(func() { close(fired) })

	response := registerHandle(t, ch, ctx, false)

	conn.Feed([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
	<-fired

	assert.False(t, response.IsDone(), "interim response must not complete the future")

	conn.Feed([]byte("HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"))
	resp, err := awaitFuture(t, response)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
}

func TestHttp1HandlerDecompressesGzipBody(t *testing.T) {
	ch, conn := newH1Channel(t)
	response := registerHandle(t, ch, core.NewContext(), true)

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write([]byte("squeezed"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	head := "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: " +
		strconv.Itoa(compressed.Len()) + "\r\n\r\n"
	conn.Feed(append([]byte(head), compressed.Bytes()...))

	resp, err := awaitFuture(t, response)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "squeezed", string(body))
}

func TestHttp1HandlerFailsHandlesOnConnectionError(t *testing.T) {
	ch, conn := newH1Channel(t)
	response := registerHandle(t, ch, core.NewContext(), false)

	conn.Close()

	_, err := awaitFuture(t, response)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return !ch.IsActive() }, 5*time.Second, time.Millisecond)
}

func TestHttp1HandlerClosesOnConnectionCloseHeader(t *testing.T) {
	ch, conn := newH1Channel(t)
	response := registerHandle(t, ch, core.NewContext(), false)

	conn.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))

	_, err := awaitFuture(t, response)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !ch.IsActive() }, 5*time.Second, time.Millisecond)
}
