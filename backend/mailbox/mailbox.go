// Package mailbox provides the unbounded FIFO inbox that backs room and service actors.
//
// Producers never block. A single goroutine drains the mailbox with Run, so
// whatever state the handler touches is owned by that goroutine alone.
package mailbox

import (
	"sync"

	"github.com/gammazero/deque"
)

type Mailbox[T any] struct {
	mx     *sync.Mutex
	queue  *deque.Deque[T]
	notify chan struct{}
	closed bool
	done   chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		mx:     &sync.Mutex{},
		queue:  deque.New[T](),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues v. It reports false if the mailbox is already closed.
func (mb *Mailbox[T]) Push(v T) bool {
	mb.mx.Lock()
	if mb.closed {
		mb.mx.Unlock()
		return false
	}
	mb.queue.PushBack(v)
	mb.mx.Unlock()

	mb.wake()
	return true
}

// Close stops Run after the item currently being handled. Queued items are discarded.
func (mb *Mailbox[T]) Close() {
	mb.mx.Lock()
	mb.closed = true
	mb.mx.Unlock()

	mb.wake()
}

// Done is closed once Run has returned.
func (mb *Mailbox[T]) Done() <-chan struct{} {
	return mb.done
}

func (mb *Mailbox[T]) Len() int {
	mb.mx.Lock()
	defer mb.mx.Unlock()
	return mb.queue.Len()
}

// Run handles items one at a time, in push order, until Close is called.
// It must be called from exactly one goroutine.
func (mb *Mailbox[T]) Run(handle func(T)) {
	defer close(mb.done)
	for {
		v, ok := mb.next()
		if !ok {
			return
		}
		handle(v)
	}
}

func (mb *Mailbox[T]) next() (T, bool) {
	for {
		mb.mx.Lock()
		if mb.closed {
			mb.queue.Clear()
			mb.mx.Unlock()
			var zero T
			return zero, false
		}
		if mb.queue.Len() > 0 {
			v := mb.queue.PopFront()
			mb.mx.Unlock()
			return v, true
		}
		mb.mx.Unlock()
		<-mb.notify
	}
}

func (mb *Mailbox[T]) wake() {
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}
