package rxgrpc

import (
	"errors"
	"sync/atomic"
)

// errTerminated marks the terminal slot of an adapter once its terminal
// signal has been emitted.
var errTerminated = errors.New("terminated")

// StreamObserverPublisher adapts the push-style delivery of an RPC into a
// Publisher that honors subscriber demand.
//
// The call delivers messages through the StreamObserver methods (OnNext,
// OnError, OnCompleted) and is throttled through the CallStream attached
// with AttachSource. Exactly one Subscriber may subscribe; it receives
// elements in arrival order, never more than it has requested, and then
// exactly one terminal signal, after every buffered element.
//
// The call is asked for elements in batches of the prefetch size (see
// WithPrefetch): one batch as soon as both the source and the subscriber
// are attached, regardless of demand, and another each time a full batch
// has been delivered. So at most one batch is ever buffered.
//
// All methods may be called from any goroutine. None of them block.
type StreamObserverPublisher[T any] struct {
	name     string
	prefetch int
	queue    *elementQueue[T]
	demand   demandLedger

	source     atomic.Pointer[sourceRef]
	subscribed atomic.Bool
	fusable    atomic.Bool
	downstream atomic.Pointer[subscriberRef[T]]
	attached   atomic.Bool
	prefetched atomic.Bool

	done        atomic.Bool
	failure     atomic.Pointer[error]
	terminated  atomic.Bool
	cancelled   atomic.Bool
	aborted     atomic.Bool
	outputFused atomic.Bool

	// elements consumed since the last replenishment; owned by whoever
	// consumes the queue (the drain loop, or the fused consumer)
	produced int
}

type sourceRef struct {
	CallStream
}

type subscriberRef[T any] struct {
	s     Subscriber[T]
	fused QueueSubscriber[T]
}

var (
	_ Publisher[int]         = (*StreamObserverPublisher[int])(nil)
	_ StreamObserver[int]    = (*StreamObserverPublisher[int])(nil)
	_ QueueSubscription[int] = (*StreamObserverPublisher[int])(nil)
)

// NewStreamObserverPublisher creates an adapter for a single inbound stream.
func NewStreamObserverPublisher[T any](opts ...Option) *StreamObserverPublisher[T] {
	o := newBridgeOpts("StreamObserverPublisher", opts)
	return &StreamObserverPublisher[T]{
		name:     o.name,
		prefetch: o.prefetch,
		queue:    newElementQueue[T](o.prefetch),
	}
}

// AttachSource binds the call that pushes elements into this publisher. It
// may succeed only once; subsequent calls return an error wrapping
// ErrSingleSubscription and neither change the publisher's state nor
// request anything from src.
func (p *StreamObserverPublisher[T]) AttachSource(src CallStream) error {
	if !p.source.CompareAndSwap(nil, &sourceRef{src}) {
		return singleSubscriptionError(p.name)
	}
	if p.cancelled.Load() {
		src.Cancel()
		return nil
	}
	p.tryPrefetch()
	return nil
}

// Subscribe implements Publisher. Only the first subscriber is accepted;
// any other is immediately signaled an error wrapping ErrSingleSubscriber.
func (p *StreamObserverPublisher[T]) Subscribe(s Subscriber[T]) {
	if !p.subscribed.CompareAndSwap(false, true) {
		s.OnSubscribe(cancelledSubscription{})
		s.OnError(singleSubscriberError(p.name))
		return
	}
	ref := &subscriberRef[T]{s: s}
	if qs, ok := s.(QueueSubscriber[T]); ok {
		ref.fused = qs
		p.fusable.Store(true)
	}
	// Nothing is delivered until OnSubscribe returns: the drain loop only
	// sees the subscriber once it is stored below.
	s.OnSubscribe(p)
	if !p.outputFused.Load() {
		ref.fused = nil
	}
	p.downstream.Store(ref)
	p.attached.Store(true)
	if p.cancelled.Load() {
		p.downstream.Store(nil)
		return
	}
	p.tryPrefetch()
	p.drain()
}

// tryPrefetch issues the initial batch request once both ends are attached.
func (p *StreamObserverPublisher[T]) tryPrefetch() {
	src := p.source.Load()
	if src == nil || !p.attached.Load() {
		return
	}
	if p.prefetched.CompareAndSwap(false, true) {
		src.Request(p.prefetch)
	}
}

// OnNext implements StreamObserver. Elements arriving after cancellation or
// after a terminal signal are dropped.
func (p *StreamObserverPublisher[T]) OnNext(item T) {
	if p.cancelled.Load() || p.aborted.Load() || p.done.Load() {
		return
	}
	if !p.queue.offer(item) {
		p.abort(missingBackpressureError(p.name))
		return
	}
	p.drain()
}

// OnError implements StreamObserver. The error is delivered after every
// buffered element. An error that arrives after the stream has terminated
// is sent to the error handler (see SetErrorHandler); one that arrives
// after cancellation is dropped.
func (p *StreamObserverPublisher[T]) OnError(err error) {
	if p.cancelled.Load() {
		return
	}
	p.finish(err)
}

// OnCompleted implements StreamObserver. Completion is delivered after
// every buffered element.
func (p *StreamObserverPublisher[T]) OnCompleted() {
	if p.cancelled.Load() {
		return
	}
	p.finish(nil)
}

func (p *StreamObserverPublisher[T]) finish(err error) {
	if err != nil && !p.failure.CompareAndSwap(nil, &err) {
		onErrorDropped(err)
		return
	}
	p.done.Store(true)
	p.drain()
}

// Request implements Subscription.
func (p *StreamObserverPublisher[T]) Request(n int64) {
	if n <= 0 {
		p.abort(nonPositiveRequestError(p.name, n))
		return
	}
	if p.demand.addDemand(n) {
		p.drain()
	}
}

// Cancel implements Subscription. It asks the source to stop producing and
// releases buffered elements; no further signals reach the subscriber.
func (p *StreamObserverPublisher[T]) Cancel() {
	if p.cancelled.Swap(true) {
		return
	}
	if src := p.source.Load(); src != nil {
		src.Cancel()
	}
	p.drain()
}

// abort fails the stream on a protocol violation: buffered elements are
// discarded rather than delivered ahead of err.
func (p *StreamObserverPublisher[T]) abort(err error) {
	p.aborted.Store(true)
	if src := p.source.Load(); src != nil {
		src.Cancel()
	}
	p.finish(err)
}

func (p *StreamObserverPublisher[T]) drain() {
	if !p.demand.markWorkScheduled() {
		return
	}
	missed := int32(1)
	for {
		ref := p.downstream.Load()
		switch {
		case ref != nil && ref.fused != nil:
			p.drainFused(ref.fused)
		case ref != nil:
			p.drainRegular(ref.s)
		case p.cancelled.Load() || p.aborted.Load() || p.terminated.Load():
			if !p.outputFused.Load() {
				p.queue.clear()
			}
		}
		missed = p.demand.markWorkDone(missed)
		if missed == 0 {
			return
		}
	}
}

func (p *StreamObserverPublisher[T]) drainRegular(s Subscriber[T]) {
	for {
		if p.terminated.Load() {
			return
		}
		if p.cancelled.Load() {
			p.queue.clear()
			p.downstream.Store(nil)
			return
		}
		if p.aborted.Load() {
			p.queue.clear()
		}
		// done must be read before polling: once it is set, every element
		// the source will ever push is already in the queue
		d := p.done.Load()
		if p.demand.outstanding() == 0 {
			if d && p.queue.isEmpty() {
				p.terminate(s)
			}
			return
		}
		item, ok := p.queue.poll()
		if !ok {
			if d {
				p.terminate(s)
			}
			return
		}
		// only the drain loop consumes demand, so this cannot fail
		p.demand.tryConsume(1)
		if !safely("OnNext", func() { s.OnNext(item) }) {
			p.cancelAfterPanic(true)
			return
		}
		p.replenish()
	}
}

// replenish counts one consumed element and requests the next batch from
// the source when a full batch has been consumed.
func (p *StreamObserverPublisher[T]) replenish() {
	p.produced++
	if p.produced < p.prefetch {
		return
	}
	p.produced = 0
	if p.done.Load() || p.cancelled.Load() {
		return
	}
	if src := p.source.Load(); src != nil {
		src.Request(p.prefetch)
	}
}

// terminate emits the terminal signal, at most once. An error takes
// priority over completion if both were reported.
func (p *StreamObserverPublisher[T]) terminate(s Subscriber[T]) {
	errp := p.failure.Swap(&errTerminated)
	if errp == &errTerminated {
		return
	}
	p.terminated.Store(true)
	p.downstream.Store(nil)
	if errp != nil {
		err := *errp
		safely("OnError", func() { s.OnError(err) })
	} else {
		safely("OnComplete", s.OnComplete)
	}
}

// cancelAfterPanic cancels the stream on behalf of a subscriber whose
// callback panicked. It runs in the drain loop.
func (p *StreamObserverPublisher[T]) cancelAfterPanic(clear bool) {
	p.cancelled.Store(true)
	if src := p.source.Load(); src != nil {
		src.Cancel()
	}
	if clear {
		p.queue.clear()
	}
	p.downstream.Store(nil)
}

// cancelledSubscription is handed to rejected subscribers.
type cancelledSubscription struct{}

func (cancelledSubscription) Request(int64) {}
func (cancelledSubscription) Cancel()       {}
