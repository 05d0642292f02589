package pipe

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yinglunfeng/esa-httpclient/transport"
)

func TestPipeRoundtrip(t *testing.T) {
	c1, c2 := Pipe("a", "b", clock.New())
	defer c1.Close()
	defer c2.Close()

	go func() {
		_, _ = c1.Write([]byte("hello"))
	}()

	buf := make([]byte, 16)
	n, err := c2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestPipeAddrs(t *testing.T) {
	c1, c2 := Pipe("a", "b", clock.New())
	defer c1.Close()
	defer c2.Close()

	assert.Equal(t, "a", c1.LocalAddr().String())
	assert.Equal(t, "b", c1.RemoteAddr().String())
	assert.Equal(t, "pipe", c2.LocalAddr().Network())
}

func TestPipeClosedConnErrors(t *testing.T) {
	c1, c2 := Pipe("a", "b", clock.New())
	require.NoError(t, c1.Close())

	_, err := c1.Write([]byte("x"))
	assert.ErrorIs(t, err, transport.ErrConnClosed)

	_, err = c2.Read(make([]byte, 1))
	assert.ErrorIs(t, err, transport.ErrConnClosed)
}

func TestPipeReadDeadline(t *testing.T) {
	mock := clock.NewMock()
	c1, c2 := Pipe("a", "b", mock)
	defer c1.Close()
	defer c2.Close()

	require.NoError(t, c1.SetReadDeadline(mock.Now().Add(50*time.Millisecond)))

	done := make(chan error, 1)
	go func() {
		_, err := c1.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	mock.Add(100 * time.Millisecond)

	select {
	case err := <-done:
		var netErr interface{ Timeout() bool }
		require.ErrorAs(t, err, &netErr)
		assert.True(t, netErr.Timeout())
	case <-time.After(5 * time.Second):
		t.Fatal("read did not observe the deadline")
	}
}
