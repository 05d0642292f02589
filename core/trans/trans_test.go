package trans

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
	"github.com/yinglunfeng/esa-httpclient/transport/embedded"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChannel(t *testing.T, conn net.Conn) *Channel {
	t.Helper()
	w := transport.NewWorker()
	ch := NewChannel(conn, w, 64*1024, discardLogger())
	t.Cleanup(func() {
		ch.Close(nil)
		w.Close()
	})
	return ch
}

// awaitFuture blocks on f with a test deadline.
func awaitFuture[T any](t *testing.T, f *core.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future did not resolve in time")
	}
	v, err, _ := f.Value()
	return v, err
}

// advanceClock steps a mock clock tick by tick so the timer loop keeps up.
func advanceClock(mock *clock.Mock, steps int, tick time.Duration) {
	for i := 0; i < steps; i++ {
		mock.Add(tick)
		time.Sleep(time.Millisecond)
	}
}

// recordedFrame snapshots one decoded frame; the framer reuses its read
// buffer so payloads must be copied out.
type recordedFrame struct {
	typ      http2.FrameType
	streamID uint32
	data     []byte
	ended    bool
	fields   []hpack.HeaderField
}

// parseFrames decodes the recorded outbound bytes of a http/2 channel,
// skipping the client preface.
func parseFrames(t *testing.T, raw []byte) []recordedFrame {
	t.Helper()
	require.True(t, bytes.HasPrefix(raw, []byte(http2.ClientPreface)),
		"outbound does not start with the connection preface")
	raw = raw[len(http2.ClientPreface):]

	framer := http2.NewFramer(io.Discard, bytes.NewReader(raw))
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	var frames []recordedFrame
	for {
		frame, err := framer.ReadFrame()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return frames
		}
		require.NoError(t, err)

		rec := recordedFrame{
			typ:      frame.Header().Type,
			streamID: frame.Header().StreamID,
		}
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			rec.ended = f.StreamEnded()
			rec.fields = append(rec.fields, f.Fields...)
		case *http2.DataFrame:
			rec.ended = f.StreamEnded()
			rec.data = append([]byte(nil), f.Data()...)
		}
		frames = append(frames, rec)
	}
}

func framesOfType(frames []recordedFrame, typ http2.FrameType) []recordedFrame {
	var out []recordedFrame
	for _, f := range frames {
		if f.typ == typ {
			out = append(out, f)
		}
	}
	return out
}

func headerValue(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func testHTTP1Options() *config.Http1Options { return config.NewHttp1Options() }
func testHTTP2Options() *config.Http2Options { return config.NewHttp2Options() }

// newH1Channel installs a http/1 handler over an embedded conn.
func newH1Channel(t *testing.T) (*Channel, *embedded.Conn) {
	t.Helper()
	conn := embedded.NewConn("h1")
	ch := newTestChannel(t, conn)
	installHTTP1(ch, testHTTP1Options(), discardLogger())
	ch.Handshake().Complete(ProtoHTTP1)
	return ch, conn
}

// newH2Channel installs a http/2 handler over an embedded conn.
func newH2Channel(t *testing.T) (*Channel, *embedded.Conn) {
	t.Helper()
	conn := embedded.NewConn("h2")
	ch := newTestChannel(t, conn)
	installHTTP2(ch, testHTTP2Options(), discardLogger())
	ch.Handshake().Complete(ProtoHTTP2)
	return ch, conn
}
