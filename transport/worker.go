package transport

import (
	"sync"
	"sync/atomic"
)

// Worker is a single-goroutine serial executor. Every connection is bound to
// one worker for its whole lifetime so reads, writes, handshake completions
// and registry mutations for that connection never race.
type Worker struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
	closed bool

	done chan struct{}
}

func NewWorker() *Worker {
	w := &Worker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit enqueues fn to run on the worker goroutine. Submission never
// blocks; fn runs exactly once, in submission order, unless the worker was
// already closed (then not at all and Submit returns false).
func (w *Worker) Submit(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

func (w *Worker) loop() {
	defer close(w.done)

	for {
		<-w.notify

		for {
			w.mu.Lock()
			if len(w.tasks) == 0 {
				closed := w.closed
				w.mu.Unlock()
				if closed {
					return
				}
				break
			}
			tasks := w.tasks
			w.tasks = nil
			w.mu.Unlock()

			for _, fn := range tasks {
				fn()
			}
		}
	}
}

// Close stops the worker after already-submitted tasks drain.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	<-w.done
}

// EventLoopGroup is a fixed set of workers connections are assigned to
// round-robin.
type EventLoopGroup struct {
	workers []*Worker
	next    atomic.Uint64
}

func NewEventLoopGroup(size int) *EventLoopGroup {
	if size <= 0 {
		size = 1
	}
	g := &EventLoopGroup{workers: make([]*Worker, size)}
	for i := range g.workers {
		g.workers[i] = NewWorker()
	}
	return g
}

func (g *EventLoopGroup) Next() *Worker {
	n := g.next.Add(1)
	return g.workers[(n-1)%uint64(len(g.workers))]
}

func (g *EventLoopGroup) Shutdown() {
	for _, w := range g.workers {
		w.Close()
	}
}
