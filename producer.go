package rxgrpc

import "sync/atomic"

// SubscriberProducer adapts a Publisher of outbound messages to the
// push-style sink of an RPC. It is the mirror image of
// StreamObserverPublisher: it subscribes to the publisher, requests
// elements in batches of the prefetch size, and forwards them to the sink
// attached with AttachSink only while the sink reports IsReady. When the
// sink becomes ready again it resumes forwarding.
//
// The publisher's terminal signal is forwarded to the sink exactly once,
// after every element received before it.
//
// If the publisher offers FusionAsync (as StreamObserverPublisher does),
// elements are polled straight from the publisher's buffer instead of being
// copied into this adapter's own.
type SubscriberProducer[T any] struct {
	name     string
	prefetch int
	queue    *elementQueue[T]
	demand   demandLedger

	upstream   atomic.Pointer[upstreamRef[T]]
	sink       atomic.Pointer[sinkRef[T]]
	prefetched atomic.Bool

	done       atomic.Bool
	failure    atomic.Pointer[error]
	terminated atomic.Bool
	cancelled  atomic.Bool

	// owned by the drain loop
	produced int
}

type upstreamRef[T any] struct {
	s     Subscription
	fused QueueSubscription[T]
}

type sinkRef[T any] struct {
	CallStreamObserver[T]
}

var _ QueueSubscriber[int] = (*SubscriberProducer[int])(nil)

// NewSubscriberProducer creates an adapter for a single outbound stream.
func NewSubscriberProducer[T any](opts ...Option) *SubscriberProducer[T] {
	o := newBridgeOpts("SubscriberProducer", opts)
	return &SubscriberProducer[T]{
		name:     o.name,
		prefetch: o.prefetch,
		queue:    newElementQueue[T](o.prefetch),
	}
}

// AttachSink binds the call to which elements are forwarded. It may succeed
// only once; subsequent calls return an error wrapping
// ErrSingleSubscription and leave the adapter unchanged.
func (p *SubscriberProducer[T]) AttachSink(sink CallStreamObserver[T]) error {
	if !p.sink.CompareAndSwap(nil, &sinkRef[T]{sink}) {
		return singleSubscriptionError(p.name)
	}
	sink.SetOnReadyHandler(p.drain)
	p.tryPrefetch()
	p.drain()
	return nil
}

// OnSubscribe implements Subscriber. A second subscription is cancelled and
// reported to the error handler.
func (p *SubscriberProducer[T]) OnSubscribe(s Subscription) {
	if p.upstream.Load() != nil {
		s.Cancel()
		onErrorDropped(singleSubscriptionError(p.name))
		return
	}
	ref := &upstreamRef[T]{s: s}
	if qs, ok := s.(QueueSubscription[T]); ok && qs.RequestFusion(FusionAsync) == FusionAsync {
		ref.fused = qs
	}
	if !p.upstream.CompareAndSwap(nil, ref) {
		s.Cancel()
		onErrorDropped(singleSubscriptionError(p.name))
		return
	}
	if p.cancelled.Load() {
		s.Cancel()
		return
	}
	p.tryPrefetch()
	p.drain()
}

func (p *SubscriberProducer[T]) tryPrefetch() {
	up := p.upstream.Load()
	if up == nil || p.sink.Load() == nil {
		return
	}
	if p.prefetched.CompareAndSwap(false, true) {
		up.s.Request(int64(p.prefetch))
	}
}

// OnNext implements Subscriber.
func (p *SubscriberProducer[T]) OnNext(item T) {
	if p.cancelled.Load() || p.done.Load() {
		return
	}
	if up := p.upstream.Load(); up != nil && up.fused != nil {
		// a fused upstream has nothing to hand over; treat it as a hint
		p.drain()
		return
	}
	if !p.queue.offer(item) {
		if up := p.upstream.Load(); up != nil {
			up.s.Cancel()
		}
		p.finish(missingBackpressureError(p.name))
		return
	}
	p.drain()
}

// OnAvailable implements QueueSubscriber.
func (p *SubscriberProducer[T]) OnAvailable() {
	p.drain()
}

// OnError implements Subscriber.
func (p *SubscriberProducer[T]) OnError(err error) {
	if p.cancelled.Load() {
		return
	}
	p.finish(err)
}

// OnComplete implements Subscriber.
func (p *SubscriberProducer[T]) OnComplete() {
	if p.cancelled.Load() {
		return
	}
	p.finish(nil)
}

func (p *SubscriberProducer[T]) finish(err error) {
	if err != nil && !p.failure.CompareAndSwap(nil, &err) {
		onErrorDropped(err)
		return
	}
	p.done.Store(true)
	p.drain()
}

// Cancel stops forwarding and cancels the upstream subscription. It is used
// when the call itself goes away. Nothing further is sent to the sink.
func (p *SubscriberProducer[T]) Cancel() {
	if p.cancelled.Swap(true) {
		return
	}
	if up := p.upstream.Load(); up != nil {
		up.s.Cancel()
	}
	p.drain()
}

func (p *SubscriberProducer[T]) drain() {
	if !p.demand.markWorkScheduled() {
		return
	}
	missed := int32(1)
	for {
		p.drainPass()
		missed = p.demand.markWorkDone(missed)
		if missed == 0 {
			return
		}
	}
}

func (p *SubscriberProducer[T]) drainPass() {
	up := p.upstream.Load()
	if p.cancelled.Load() {
		p.clear(up)
		return
	}
	if p.terminated.Load() {
		return
	}
	sink := p.sink.Load()
	if sink == nil {
		return
	}
	for {
		d := p.done.Load()
		empty := p.isEmpty(up)
		if d && empty {
			p.terminate(sink)
			return
		}
		if empty || !sink.IsReady() {
			return
		}
		item, ok := p.poll(up)
		if !ok {
			// an element is still being published; its producer
			// will schedule another pass
			return
		}
		if !safely("OnNext", func() { sink.OnNext(item) }) {
			p.cancelled.Store(true)
			if up != nil {
				up.s.Cancel()
			}
			p.clear(up)
			return
		}
		p.replenish(up)
	}
}

func (p *SubscriberProducer[T]) isEmpty(up *upstreamRef[T]) bool {
	if up != nil && up.fused != nil {
		return up.fused.IsEmpty()
	}
	return p.queue.isEmpty()
}

func (p *SubscriberProducer[T]) poll(up *upstreamRef[T]) (T, bool) {
	if up != nil && up.fused != nil {
		return up.fused.Poll()
	}
	return p.queue.poll()
}

func (p *SubscriberProducer[T]) clear(up *upstreamRef[T]) {
	if up != nil && up.fused != nil {
		up.fused.Clear()
		return
	}
	p.queue.clear()
}

func (p *SubscriberProducer[T]) replenish(up *upstreamRef[T]) {
	p.produced++
	if p.produced < p.prefetch {
		return
	}
	p.produced = 0
	if up == nil || p.done.Load() || p.cancelled.Load() {
		return
	}
	up.s.Request(int64(p.prefetch))
}

func (p *SubscriberProducer[T]) terminate(sink CallStreamObserver[T]) {
	errp := p.failure.Swap(&errTerminated)
	if errp == &errTerminated {
		return
	}
	p.terminated.Store(true)
	if errp != nil {
		err := *errp
		safely("OnError", func() { sink.OnError(err) })
	} else {
		safely("OnCompleted", sink.OnCompleted)
	}
}
