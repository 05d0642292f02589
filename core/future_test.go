package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture[int]()

	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))
	assert.False(t, f.Fail(assert.AnError))
	assert.False(t, f.Cancel())

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureFail(t *testing.T) {
	f := NewFuture[int]()

	assert.True(t, f.Fail(assert.AnError))
	assert.False(t, f.Complete(1))

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFutureCancel(t *testing.T) {
	f := NewFuture[int]()

	assert.True(t, f.Cancel())

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFutureListen(t *testing.T) {
	f := NewFuture[string]()

	fired := 0
	f.Listen(func(v string, err error) {
		fired++
		assert.Equal(t, "done", v)
		assert.NoError(t, err)
	})

	f.Complete("done")
	assert.Equal(t, 1, fired)

	// Late listeners run inline.
	f.Listen(func(v string, err error) { fired++ })
	assert.Equal(t, 2, fired)
}

func TestFutureGetHonorsContext(t *testing.T) {
	f := NewFuture[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletedAndFailedFutures(t *testing.T) {
	done := CompletedFuture(42)
	v, err, ok := done.Value()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failed := FailedFuture[int](assert.AnError)
	_, err, ok = failed.Value()
	require.True(t, ok)
	assert.ErrorIs(t, err, assert.AnError)
}
