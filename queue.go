package rxgrpc

import (
	"sync/atomic"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// ringQueue is the subset of the lfq queue API the bridges rely on.
type ringQueue[T any] interface {
	Enqueue(elem *T) error
	Dequeue() (T, error)
}

// elementQueue buffers elements between their arrival from a push source and
// their delivery to a pull consumer. Any number of goroutines may offer; only
// one goroutine at a time may poll or clear (the drain loop, or the fused
// consumer).
//
// lfq deliberately does not track length, so the queue keeps its own count.
// The count is reserved before an element is published, so size may briefly
// over-report an element that poll cannot return yet, but never
// under-reports.
type elementQueue[T any] struct {
	ring     ringQueue[T]
	count    atomic.Int64
	capacity int
}

// newElementQueue returns a multi-producer, single-consumer queue that holds
// at least capacity elements. lfq rounds capacity up to a power of two.
func newElementQueue[T any](capacity int) *elementQueue[T] {
	if capacity < 2 {
		capacity = 2
	}
	return &elementQueue[T]{
		ring:     lfq.Build[T](lfq.New(capacity).SingleConsumer().Compact()),
		capacity: capacity,
	}
}

// offer appends item. It returns false if the queue is full.
func (q *elementQueue[T]) offer(item T) bool {
	q.count.Add(1)
	if err := q.ring.Enqueue(&item); err != nil {
		q.count.Add(-1)
		if iox.IsWouldBlock(err) {
			return false
		}
		// lfq only reports backpressure; anything else is a broken queue
		panic(err)
	}
	return true
}

// poll removes and returns the oldest element, or reports false without
// waiting if none is available.
func (q *elementQueue[T]) poll() (T, bool) {
	item, err := q.ring.Dequeue()
	if err != nil {
		var zero T
		return zero, false
	}
	q.count.Add(-1)
	return item, true
}

func (q *elementQueue[T]) isEmpty() bool {
	return q.count.Load() <= 0
}

func (q *elementQueue[T]) size() int {
	n := q.count.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// clear discards every element currently available to poll.
func (q *elementQueue[T]) clear() {
	for {
		if _, ok := q.poll(); !ok {
			return
		}
	}
}
