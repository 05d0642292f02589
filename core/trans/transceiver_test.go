package trans

import (
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yinglunfeng/esa-httpclient/config"
	"github.com/yinglunfeng/esa-httpclient/core"
	"github.com/yinglunfeng/esa-httpclient/transport"
	"github.com/yinglunfeng/esa-httpclient/transport/embedded"
)

// recordingListener captures the lifecycle callback sequence of one request.
type recordingListener struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *recordingListener) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) count(event string) int {
	n := 0
	for _, e := range l.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (l *recordingListener) OnFiltersEnd(*core.Request, *core.Context) { l.record("filtersEnd") }

func (l *recordingListener) OnConnectionPoolAttempt(*core.Request, *core.Context, net.Addr) {
	l.record("poolAttempt")
}

func (l *recordingListener) OnConnectionPoolAcquired(*core.Request, *core.Context, net.Addr) {
	l.record("poolAcquired")
}

func (l *recordingListener) OnAcquireConnectionPoolFailed(_ *core.Request, _ *core.Context, _ net.Addr, err error) {
	l.record("poolFailed")
}

func (l *recordingListener) OnConnectionAttempt(*core.Request, *core.Context, net.Addr) {
	l.record("connAttempt")
}

func (l *recordingListener) OnConnectionAcquired(*core.Request, *core.Context, net.Addr) {
	l.record("connAcquired")
}

func (l *recordingListener) OnAcquireConnectionFailed(_ *core.Request, _ *core.Context, _ net.Addr, err error) {
	l.record("connFailed")
}

func (l *recordingListener) OnWriteAttempt(*core.Request, *core.Context) { l.record("writeAttempt") }
func (l *recordingListener) OnWriteDone(*core.Request, *core.Context)    { l.record("writeDone") }

func (l *recordingListener) OnWriteFailed(_ *core.Request, _ *core.Context, err error) {
	l.record("writeFailed")
}

func (l *recordingListener) OnMessageReceived(*core.Request, *core.Context, *core.Response) {
	l.record("messageReceived")
}

func (l *recordingListener) OnCompleted(*core.Request, *core.Context, *core.Response) {
	l.record("completed")
}

func (l *recordingListener) OnError(_ *core.Request, _ *core.Context, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	l.record("error")
}

type transFixture struct {
	transceiver *Transceiver
	pools       *ChannelPools
	timer       *HashedWheelTimer
	mock        *clock.Mock

	mu      sync.Mutex
	conns   []*embedded.Conn
	dials   atomic.Int32
	workers []*transport.Worker

	dialErr   error
	preClosed bool
}

func newTransFixture(t *testing.T, keepAlive bool, poolOpts config.ChannelPoolOptions) *transFixture {
	t.Helper()
	fx := &transFixture{mock: clock.NewMock()}
	fx.timer = NewHashedWheelTimer(fx.mock, 10*time.Millisecond, 8)

	connect := func() *core.Future[*Channel] {
		fx.dials.Add(1)
		if fx.dialErr != nil {
			return core.FailedFuture[*Channel](fx.dialErr)
		}

		conn := embedded.NewConn("fixture")
		w := transport.NewWorker()
		ch := NewChannel(conn, w, 64*1024, discardLogger())
		installHTTP1(ch, testHTTP1Options(), discardLogger())
		if fx.preClosed {
			ch.Close(nil)
		}
		ch.Handshake().Complete(ProtoHTTP1)

		fx.mu.Lock()
		fx.conns = append(fx.conns, conn)
		fx.workers = append(fx.workers, w)
		fx.mu.Unlock()
		return core.CompletedFuture(ch)
	}

	fx.pools = NewChannelPools(func(endpoint core.Endpoint) *ChannelPool {
		return NewChannelPool(endpoint, false, poolOpts, connect, fx.mock, discardLogger())
	})

	fx.transceiver = NewTransceiver(
		NewServerSelector(nil), fx.pools, fx.timer, discardLogger(),
		core.HTTP11, keepAlive, false, false, config.DecompressGzipDeflate,
		4*1024*1024)

	t.Cleanup(func() {
		fx.pools.Close()
		fx.timer.Stop()
		fx.mu.Lock()
		defer fx.mu.Unlock()
		for _, w := range fx.workers {
			w.Close()
		}
	})
	return fx
}

func (fx *transFixture) lastConn(t *testing.T) *embedded.Conn {
	t.Helper()
	fx.mu.Lock()
	defer fx.mu.Unlock()
	require.NotEmpty(t, fx.conns)
	return fx.conns[len(fx.conns)-1]
}

func testRequest(t *testing.T) *core.Request {
	t.Helper()
	req, err := core.Get("http://127.0.0.1:8080/hello").Build()
	require.NoError(t, err)
	return req
}

func TestTransceiverH1Roundtrip(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())
	listener := &recordingListener{}

	response := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

	require.Eventually(t, func() bool {
		return listener.count("writeDone") == 1
	}, 5*time.Second, time.Millisecond)

	conn := fx.lastConn(t)
	out := string(conn.Outbound())
	assert.True(t, strings.HasPrefix(out, "GET /hello HTTP/1.1\r\n"))
	assert.Contains(t, out, "Host: 127.0.0.1:8080")

	conn.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	resp, err := awaitFuture(t, response)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	assert.Equal(t, []string{
		"filtersEnd",
		"poolAttempt", "poolAcquired", "connAttempt", "connAcquired",
		"writeAttempt", "writeDone",
		"messageReceived", "completed",
	}, listener.Events())

	// The cancelled read-timeout token never fires.
	advanceClock(fx.mock, 16, 10*time.Millisecond)
	assert.Equal(t, 0, listener.count("error"))
}

func TestTransceiverReleasesConnectionForReuse(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())

	for i := 0; i < 2; i++ {
		listener := &recordingListener{}
		response := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

		require.Eventually(t, func() bool {
			return listener.count("writeDone") == 1
		}, 5*time.Second, time.Millisecond)

		fx.lastConn(t).Feed([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
		_, err := awaitFuture(t, response)
		require.NoError(t, err)
	}

	// The released connection served both requests.
	assert.Equal(t, int32(1), fx.dials.Load())
}

func TestTransceiverReadTimeout(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())
	listener := &recordingListener{}

	response := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return listener.count("writeDone") == 1
	}, 5*time.Second, time.Millisecond)

	advanceClock(fx.mock, 16, 10*time.Millisecond)

	_, err := awaitFuture(t, response)
	assert.ErrorIs(t, err, core.ErrReadTimeout)
	assert.Equal(t, 1, listener.count("error"))
}

func TestTransceiverPoolExhaustedMapping(t *testing.T) {
	opts := config.NewChannelPoolOptions()
	opts.PoolSize = 1
	opts.WaitingQueueLength = 0
	fx := newTransFixture(t, true, opts)

	first := fx.transceiver.Handle(testRequest(t), core.NewContext(), &recordingListener{}, time.Minute)
	_ = first // stays in flight, no response is fed

	listener := &recordingListener{}
	second := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

	_, err := awaitFuture(t, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPoolExhausted)
	assert.Contains(t, err.Error(), "error while acquiring channel")
	assert.Equal(t, 1, listener.count("connFailed"))
	assert.Equal(t, 1, listener.count("error"))
}

func TestTransceiverAcquireTimeoutMapsToConnectFailed(t *testing.T) {
	opts := config.NewChannelPoolOptions()
	opts.PoolSize = 1
	opts.WaitingQueueLength = 2
	opts.ConnectTimeout = 50 * time.Millisecond
	fx := newTransFixture(t, true, opts)

	_ = fx.transceiver.Handle(testRequest(t), core.NewContext(), &recordingListener{}, time.Minute)

	listener := &recordingListener{}
	waiting := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

	fx.mock.Add(60 * time.Millisecond)

	_, err := awaitFuture(t, waiting)
	assert.ErrorIs(t, err, core.ErrConnectFailed)
}

func TestTransceiverConnectFailed(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())
	fx.dialErr = assert.AnError

	listener := &recordingListener{}
	response := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

	_, err := awaitFuture(t, response)
	assert.ErrorIs(t, err, core.ErrConnectFailed)
	assert.Equal(t, 1, listener.count("error"))
}

func TestTransceiverConnectionInactive(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())
	fx.preClosed = true

	listener := &recordingListener{}
	response := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

	_, err := awaitFuture(t, response)
	assert.ErrorIs(t, err, core.ErrConnectionInactive)
	assert.Equal(t, 1, listener.count("error"))
	assert.Equal(t, 0, listener.count("completed"))
}

func TestTransceiverKeepAliveHeader(t *testing.T) {
	testcases := []struct {
		desc      string
		keepAlive bool
		want      string
		unwanted  string
	}{
		{desc: "keep alive", keepAlive: true, unwanted: "Connection:"},
		{desc: "no keep alive", keepAlive: false, want: "Connection: close"},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			fx := newTransFixture(t, tc.keepAlive, config.NewChannelPoolOptions())
			listener := &recordingListener{}

			fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

			require.Eventually(t, func() bool {
				return listener.count("writeDone") == 1
			}, 5*time.Second, time.Millisecond)

			out := string(fx.lastConn(t).Outbound())
			if tc.want != "" {
				assert.Contains(t, out, tc.want)
			}
			if tc.unwanted != "" {
				assert.NotContains(t, out, tc.unwanted)
			}
		})
	}
}

func TestTransceiverCancellation(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())
	listener := &recordingListener{}

	response := fx.transceiver.Handle(testRequest(t), core.NewContext(), listener, time.Minute)

	require.Eventually(t, func() bool {
		return listener.count("writeDone") == 1
	}, 5*time.Second, time.Millisecond)

	require.True(t, response.Cancel())

	assert.Eventually(t, func() bool {
		return listener.count("error") == 1
	}, 5*time.Second, time.Millisecond)

	_, err, _ := response.Value()
	assert.ErrorIs(t, err, core.ErrCancelled)
}

func TestTransceiverChunkWriterPromise(t *testing.T) {
	fx := newTransFixture(t, true, config.NewChannelPoolOptions())
	listener := &recordingListener{}

	req, err := core.Post("http://127.0.0.1:8080/stream").Chunked().Build()
	require.NoError(t, err)

	ctx := core.NewContext()
	response := fx.transceiver.Handle(req, ctx, listener, time.Minute)

	promise, ok := ChunkWriterPromiseFrom(ctx)
	require.True(t, ok)

	cw, err := awaitFuture(t, promise)
	require.NoError(t, err)

	_, err = awaitFuture(t, cw.Write([]byte("part")))
	require.NoError(t, err)
	_, err = awaitFuture(t, cw.End())
	require.NoError(t, err)

	fx.lastConn(t).Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	resp, err := awaitFuture(t, response)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	out := string(fx.lastConn(t).Outbound())
	assert.Contains(t, out, "4\r\npart\r\n")
}
