package buf

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrAlreadyReleased = errors.New("buffer is already released")

// Buffer is a reference counted byte buffer. It starts with a count of one
// and its backing slice must not be touched after the count reaches zero.
type Buffer struct {
	data   []byte
	refCnt atomic.Int32
}

func New(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refCnt.Store(1)
	return b
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) RefCnt() int {
	return int(b.refCnt.Load())
}

func (b *Buffer) Retain() *Buffer {
	for {
		cnt := b.refCnt.Load()
		if cnt <= 0 {
			panic(ErrAlreadyReleased)
		}
		if b.refCnt.CompareAndSwap(cnt, cnt+1) {
			return b
		}
	}
}

// Release decrements the reference count and drops the backing slice
// once it reaches zero.
func (b *Buffer) Release() (freed bool, err error) {
	for {
		cnt := b.refCnt.Load()
		if cnt <= 0 {
			return false, ErrAlreadyReleased
		}
		if !b.refCnt.CompareAndSwap(cnt, cnt-1) {
			continue
		}
		if cnt == 1 {
			b.data = nil
			return true, nil
		}
		return false, nil
	}
}

// TryRelease releases b if it is still live. Releasing an already
// released buffer is a no-op.
func TryRelease(b *Buffer) {
	if b == nil {
		return
	}
	_, _ = b.Release()
}
